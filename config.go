package microraiden

import (
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ClientConfig configures a paid-API client. It is treated as immutable
// after construction; channel state lives in the ChannelManager, never here.
type ClientConfig struct {
	// BaseURL is the root URL of the paywall server, e.g.
	// "https://api.example.com". Required.
	BaseURL string

	// APIKey is sent as the x-api-key header on every request. Required.
	APIKey string

	// Authorization is the caller-supplied Authorization header value.
	Authorization string

	// ContractAddress is the channel-manager contract the payments settle
	// through. Required.
	ContractAddress common.Address

	// Sender is the paying account. Required.
	Sender common.Address

	// Receiver is the paywall operator's account. Required.
	Receiver common.Address

	// ChainID identifies the network the channel contract lives on.
	ChainID *big.Int

	// Deposit is the default deposit used when opening a new channel.
	// Required.
	Deposit *big.Int

	// AutoTopUp enables automatic channel top-up when a quoted price
	// exceeds the channel's remaining deposit.
	AutoTopUp bool

	// TopUpAmount is the amount added per automatic top-up. Required when
	// AutoTopUp is set.
	TopUpAmount *big.Int

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests when no HTTPClient is supplied (optional,
	// defaults to 30s).
	Timeout time.Duration
}

// Validate checks the required configuration fields. Configuration errors
// are fatal at construction and never retried.
func (c *ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return NewChannelError(ErrCodeInvalidConfig, "base URL is required", nil)
	}
	if c.APIKey == "" {
		return NewChannelError(ErrCodeInvalidConfig, "API key is required", nil)
	}
	if c.ContractAddress == (common.Address{}) {
		return NewChannelError(ErrCodeInvalidConfig, "contract address is required", nil)
	}
	if c.Sender == (common.Address{}) {
		return NewChannelError(ErrCodeInvalidConfig, "sender address is required", nil)
	}
	if c.Receiver == (common.Address{}) {
		return NewChannelError(ErrCodeInvalidConfig, "receiver address is required", nil)
	}
	if c.Deposit == nil || c.Deposit.Sign() <= 0 {
		return NewChannelError(ErrCodeInvalidConfig, "default deposit is required", nil)
	}
	if c.AutoTopUp && (c.TopUpAmount == nil || c.TopUpAmount.Sign() <= 0) {
		return NewChannelError(ErrCodeInvalidConfig, "top-up amount is required when auto top-up is enabled", nil)
	}
	return nil
}
