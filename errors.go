package microraiden

import (
	"errors"
	"fmt"
	"strings"
)

// ChannelError represents a channel- or payment-specific error
type ChannelError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidConfig     = "invalid_config"
	ErrCodeNoChannel         = "no_channel"
	ErrCodeInsufficientFunds = "insufficient_funds"
	ErrCodeServerUnreachable = "server_unreachable"
	ErrCodeProtocol          = "protocol_error"
)

// NewChannelError creates a new channel error
func NewChannelError(code, message string, details map[string]interface{}) *ChannelError {
	return &ChannelError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// legacyNoChannelSignals are the error strings emitted by older channel
// managers that do not return typed errors. Matching them here keeps the
// string comparison out of every call site; the patterns are an artifact of
// one library version, not a stable contract.
var legacyNoChannelSignals = []string{
	"no channel found for this account",
	"no open and valid channels found from offset 0",
}

// IsNoChannel reports whether err indicates that no usable channel exists
// for the (sender, receiver) pair. This is the only recoverable condition
// during channel setup: the caller reacts by opening a fresh channel.
func IsNoChannel(err error) bool {
	if err == nil {
		return false
	}
	var cerr *ChannelError
	if errors.As(err, &cerr) && cerr.Code == ErrCodeNoChannel {
		return true
	}
	msg := err.Error()
	for _, signal := range legacyNoChannelSignals {
		if strings.Contains(msg, signal) {
			return true
		}
	}
	return false
}

// IsInsufficientFunds reports whether err indicates that the channel's
// remaining deposit cannot cover a quoted price.
func IsInsufficientFunds(err error) bool {
	var cerr *ChannelError
	return errors.As(err, &cerr) && cerr.Code == ErrCodeInsufficientFunds
}

// IsServerUnreachable reports whether err indicates a transport failure
// while querying the paywall server, as opposed to a channel problem.
func IsServerUnreachable(err error) bool {
	var cerr *ChannelError
	return errors.As(err, &cerr) && cerr.Code == ErrCodeServerUnreachable
}
