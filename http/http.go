// Package http provides the paid HTTP client: authenticated GET, the 402
// challenge-response cycle on POST, and a RoundTripper wrapper for
// transparent payment handling on arbitrary requests.
package http

import (
	"net/http"

	microraiden "github.com/dala-wallet/microraiden-go"
)

// NewPaidClient creates a paid-API client. Alias for NewClient with the
// package-qualified call sites (microraidenhttp.NewPaidClient) in mind.
func NewPaidClient(config *microraiden.ClientConfig, channels microraiden.ChannelManager, signer microraiden.ProofSigner) (*Client, error) {
	return NewClient(config, channels, signer)
}

// WrapClient wraps a standard HTTP client with payment handling.
func WrapClient(httpClient *http.Client, client *Client) *http.Client {
	return WrapHTTPClient(httpClient, client)
}
