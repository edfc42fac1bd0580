package microraiden

import (
	"errors"
	"fmt"
	"testing"
)

func TestChannelErrorFormat(t *testing.T) {
	err := NewChannelError(ErrCodeProtocol, "unexpected status 500", nil)
	if err.Error() != "protocol_error: unexpected status 500" {
		t.Fatalf("Unexpected error string: %s", err.Error())
	}
}

func TestIsNoChannelTyped(t *testing.T) {
	err := NewChannelError(ErrCodeNoChannel, "nothing here", nil)
	if !IsNoChannel(err) {
		t.Fatal("Expected typed no-channel error to match")
	}
	if !IsNoChannel(fmt.Errorf("loading channel: %w", err)) {
		t.Fatal("Expected wrapped no-channel error to match")
	}
}

func TestIsNoChannelLegacySignals(t *testing.T) {
	legacy := []string{
		"Error: no channel found for this account",
		"no open and valid channels found from offset 0",
	}
	for _, msg := range legacy {
		if !IsNoChannel(errors.New(msg)) {
			t.Errorf("Expected legacy signal %q to match", msg)
		}
	}
}

func TestIsNoChannelRejectsOtherErrors(t *testing.T) {
	cases := []error{
		nil,
		errors.New("connection refused"),
		NewChannelError(ErrCodeInsufficientFunds, "remaining deposit 0 cannot cover 100", nil),
	}
	for _, err := range cases {
		if IsNoChannel(err) {
			t.Errorf("Did not expect %v to match", err)
		}
	}
}

func TestIsInsufficientFunds(t *testing.T) {
	err := NewChannelError(ErrCodeInsufficientFunds, "remaining deposit 50 cannot cover 100", nil)
	if !IsInsufficientFunds(err) {
		t.Fatal("Expected insufficient-funds error to match")
	}
	if IsInsufficientFunds(errors.New("insufficient funds")) {
		t.Fatal("Plain errors must not match the typed predicate")
	}
}

func TestIsServerUnreachable(t *testing.T) {
	err := NewChannelError(ErrCodeServerUnreachable, "failed to query channel balance", nil)
	if !IsServerUnreachable(err) {
		t.Fatal("Expected server-unreachable error to match")
	}
	if IsServerUnreachable(NewChannelError(ErrCodeNoChannel, "no channel", nil)) {
		t.Fatal("No-channel errors must stay distinct from server-unreachable")
	}
}
