package http

import (
	"fmt"
	"io"
	"net/http"
)

// maxPaymentRounds bounds the number of 402 rounds one request may trigger
// through the round tripper: one paid retry, plus one clean round after an
// auto top-up.
const maxPaymentRounds = 2

// PaymentRoundTripper implements http.RoundTripper with transparent 402
// handling, so requests issued through a wrapped *http.Client pay for
// themselves. The request body must be replayable (req.GetBody set, as it
// is for requests built by http.NewRequest with a byte reader); a paid
// retry of a request without GetBody fails instead of replaying the
// consumed body.
type PaymentRoundTripper struct {
	Transport http.RoundTripper
	Client    *Client
}

// WrapHTTPClient wraps a standard HTTP client with payment handling.
func WrapHTTPClient(httpClient *http.Client, client *Client) *http.Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	transport := httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	httpClient.Transport = &PaymentRoundTripper{
		Transport: transport,
		Client:    client,
	}
	return httpClient
}

// RoundTrip implements http.RoundTripper.
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rc := NewPaidRequestContext()
	topUps := 0

	for round := 0; ; round++ {
		attempt := req.Clone(req.Context())
		attempt.Header.Set(HeaderPaymentID, rc.PaymentID)
		for name, values := range rc.Headers {
			for _, v := range values {
				attempt.Header.Set(name, v)
			}
		}
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to rewind request body: %w", err)
			}
			attempt.Body = body
		} else if round > 0 && req.Body != nil {
			// The first round consumed the body; replaying it would send
			// an empty payload with a valid payment attached.
			return nil, fmt.Errorf("cannot retry with payment: request body is not replayable (GetBody is nil)")
		}

		resp, err := t.transport().RoundTrip(attempt)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}
		if round >= maxPaymentRounds {
			resp.Body.Close()
			return nil, fmt.Errorf("payment retry limit exceeded")
		}

		price, err := quotedPrice(resp.Header)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		toppedUp, err := t.Client.payQuotedPrice(req.Context(), rc, price, topUps)
		if err != nil {
			return nil, err
		}
		if toppedUp {
			topUps++
		}
	}
}

func (t *PaymentRoundTripper) transport() http.RoundTripper {
	if t.Transport != nil {
		return t.Transport
	}
	return http.DefaultTransport
}
