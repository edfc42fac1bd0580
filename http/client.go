package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	microraiden "github.com/dala-wallet/microraiden-go"
)

// Client is a paid-API HTTP client. GET requests pass through untouched;
// POST requests run the 402 challenge-response cycle: on a 402 the client
// ensures a channel, signs a balance proof covering the quoted price, and
// replays the request with payment headers.
type Client struct {
	config     *microraiden.ClientConfig
	httpClient *http.Client
	channels   microraiden.ChannelManager
	signer     microraiden.ProofSigner
	setup      *microraiden.ChannelSetup

	// mu serializes the payment path. Two concurrent paid calls would
	// otherwise both read a stale server balance and race to confirm
	// proofs, losing one of the updates.
	mu sync.Mutex
}

// NewClient creates a paid-API client from a validated configuration and
// the channel collaborators.
func NewClient(config *microraiden.ClientConfig, channels microraiden.ChannelManager, signer microraiden.ProofSigner) (*Client, error) {
	if config == nil {
		return nil, microraiden.NewChannelError(microraiden.ErrCodeInvalidConfig, "configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if channels == nil {
		return nil, microraiden.NewChannelError(microraiden.ErrCodeInvalidConfig, "channel manager is required", nil)
	}
	if signer == nil {
		return nil, microraiden.NewChannelError(microraiden.ErrCodeInvalidConfig, "proof signer is required", nil)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		config:     config,
		httpClient: httpClient,
		channels:   channels,
		signer:     signer,
	}
	c.setup = microraiden.NewChannelSetup(config, channels, signer, c)
	return c, nil
}

// Get performs an authenticated GET and returns the parsed JSON body on 200.
// GET never enters the payment flow; any non-200 status is an error carrying
// the raw response body.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	endpoint, err := c.endpointURL(path, params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.setBaseHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}
	return json.RawMessage(body), nil
}

// Post performs an authenticated POST against a payment-gated endpoint and
// returns the parsed JSON body on 200.
//
// On a 402 the quoted price is read from the RDN-Price header, a channel is
// ensured at the server-recorded balance, a proof incremented by the price
// is signed and confirmed, and the request is replayed with payment headers.
// If incrementing fails for lack of deposit headroom, the channel is topped
// up once (when enabled) and the cycle restarts with cleared payment
// headers; otherwise the funds-exhaustion error surfaces to the caller.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	return c.post(ctx, path, body, NewPaidRequestContext())
}

func (c *Client) post(ctx context.Context, path string, body interface{}, rc *PaidRequestContext) (json.RawMessage, error) {
	endpoint, err := c.endpointURL(path, nil)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	topUps := 0
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		c.setBaseHeaders(req)
		req.Header.Set(HeaderPaymentID, rc.PaymentID)
		for name, values := range rc.Headers {
			for _, v := range values {
				req.Header.Set(name, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return json.RawMessage(respBody), nil

		case resp.StatusCode == http.StatusPaymentRequired:
			price, err := quotedPrice(resp.Header)
			if err != nil {
				return nil, err
			}

			toppedUp, err := c.payQuotedPrice(ctx, rc, price, topUps)
			if err != nil {
				return nil, err
			}
			if toppedUp {
				topUps++
			}

		default:
			return nil, statusError(resp.StatusCode, respBody)
		}
	}
}

// payQuotedPrice runs the challenge path for one 402 round: ensure a
// channel, increment the confirmed balance by price, confirm, and install
// the payment headers on rc. When the increment fails for lack of headroom
// it instead tops up the channel (at most once per logical call) and clears
// rc's payment headers so the next attempt drives a clean 402 round.
// Returns whether a top-up was performed.
func (c *Client) payQuotedPrice(ctx context.Context, rc *PaidRequestContext, price *big.Int, topUps int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, _, err := c.setup.EnsureChannel(ctx)
	if err != nil {
		return false, err
	}

	incremented, err := c.signer.IncrementBalance(ctx, ch, price)
	if err != nil {
		if !microraiden.IsInsufficientFunds(err) {
			return false, err
		}
		// A second exhaustion after a top-up means the top-up amount
		// cannot cover the price; retrying would loop on the same 402.
		if !c.config.AutoTopUp || topUps > 0 {
			return false, err
		}
		if err := c.channels.TopUp(ctx, ch, c.config.TopUpAmount); err != nil {
			return false, fmt.Errorf("failed to top up channel: %w", err)
		}
		rc.ClearPaymentHeaders()
		return true, nil
	}

	if err := c.signer.Confirm(ctx, ch, incremented); err != nil {
		return false, err
	}

	rc.Channel = ch
	rc.Proof = incremented
	rc.SetPaymentHeaders(BuildPaymentHeaders(c.config, ch, incremented, price))
	return false, nil
}

// ChannelBalance queries the server-recorded cumulative balance for a
// sender on the channel opened at the given block. Transport failures are
// reported as a distinct server-unreachable condition so they are never
// mistaken for a missing channel.
func (c *Client) ChannelBalance(ctx context.Context, sender common.Address, openBlock uint32) (*big.Int, error) {
	endpoint, err := c.endpointURL(fmt.Sprintf("/v1/channels/%s/%d", sender.Hex(), openBlock), nil)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.setBaseHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, microraiden.NewChannelError(microraiden.ErrCodeServerUnreachable,
			fmt.Sprintf("failed to query channel balance: %v", err), nil)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, microraiden.NewChannelError(microraiden.ErrCodeServerUnreachable,
			fmt.Sprintf("failed to read channel balance response: %v", err), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}

	var out struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("invalid channel balance response: %w", err)
	}
	return microraiden.ParseBalance(out.Balance)
}

// Close requests closure of the client's channel. Out-of-band operation:
// loads the channel via the store or ledger, never opens one, and carries no
// retry logic.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setup.Close(ctx)
}

// Settle settles the client's channel after closure.
func (c *Client) Settle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setup.Settle(ctx)
}

func (c *Client) setBaseHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAPIKey, c.config.APIKey)
	if c.config.Authorization != "" {
		req.Header.Set("Authorization", c.config.Authorization)
	}
}

func (c *Client) endpointURL(path string, params url.Values) (string, error) {
	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", microraiden.NewChannelError(microraiden.ErrCodeInvalidConfig,
			fmt.Sprintf("invalid base URL: %v", err), nil)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	if params != nil {
		u.RawQuery = params.Encode()
	}
	return u.String(), nil
}

// quotedPrice reads the price quoted by a 402 response.
func quotedPrice(h http.Header) (*big.Int, error) {
	raw := h.Get(HeaderPrice)
	if raw == "" {
		return nil, microraiden.NewChannelError(microraiden.ErrCodeProtocol,
			"402 response carries no price header", nil)
	}
	price, ok := new(big.Int).SetString(raw, 10)
	if !ok || price.Sign() < 0 {
		return nil, microraiden.NewChannelError(microraiden.ErrCodeProtocol,
			fmt.Sprintf("invalid quoted price %q", raw), nil)
	}
	return price, nil
}

// statusError wraps an unexpected HTTP status together with the raw
// response body so callers can diagnose without inspecting client state.
func statusError(status int, body []byte) error {
	return microraiden.NewChannelError(microraiden.ErrCodeProtocol,
		fmt.Sprintf("unexpected status %d", status), map[string]interface{}{
			"status": status,
			"body":   string(body),
		})
}
