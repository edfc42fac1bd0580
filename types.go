package microraiden

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChannelState tracks where a channel is in its lifecycle.
type ChannelState string

const (
	// ChannelOpen is a funded channel that can carry payments.
	ChannelOpen ChannelState = "open"

	// ChannelClosed is a channel whose close has been requested but not yet settled.
	ChannelClosed ChannelState = "closed"

	// ChannelSettled is a terminal state; the deposit has been paid out.
	ChannelSettled ChannelState = "settled"
)

// Channel identifies a unidirectional payment relationship between a sender
// and a receiver, anchored at the block in which it was opened. The
// (sender, receiver, open block) triple is the channel's identity for the
// lifetime of the channel; only Balance and State change after opening.
type Channel struct {
	Sender    common.Address `json:"sender"`
	Receiver  common.Address `json:"receiver"`
	OpenBlock uint32         `json:"openBlock"`
	Deposit   *big.Int       `json:"deposit"`
	Balance   *big.Int       `json:"balance"`
	State     ChannelState   `json:"state"`
}

// Remaining returns the headroom still available for payments
// (deposit minus the currently confirmed balance).
func (c *Channel) Remaining() *big.Int {
	if c.Deposit == nil {
		return new(big.Int)
	}
	balance := c.Balance
	if balance == nil {
		balance = new(big.Int)
	}
	return new(big.Int).Sub(c.Deposit, balance)
}

// Key returns a stable identifier for the channel, used as a map key by
// local stores.
func (c *Channel) Key() string {
	return fmt.Sprintf("%s:%s:%d", c.Sender.Hex(), c.Receiver.Hex(), c.OpenBlock)
}

// Validate performs basic consistency checks on a channel loaded from an
// external source.
func (c *Channel) Validate() error {
	if c.Sender == (common.Address{}) {
		return fmt.Errorf("channel sender is required")
	}
	if c.Receiver == (common.Address{}) {
		return fmt.Errorf("channel receiver is required")
	}
	if c.Deposit == nil || c.Deposit.Sign() < 0 {
		return fmt.Errorf("channel deposit is required")
	}
	if c.Balance != nil && c.Balance.Cmp(c.Deposit) > 0 {
		return fmt.Errorf("channel balance %s exceeds deposit %s", c.Balance, c.Deposit)
	}
	return nil
}

// BalanceProof is a signed attestation of the cumulative amount transferred
// over a channel. The signature covers (contract, receiver, open block,
// balance). A proof carries no weight until it has been confirmed as the
// channel's committed balance via ProofSigner.Confirm.
type BalanceProof struct {
	Balance   *big.Int `json:"balance"`
	Signature []byte   `json:"signature"`
}

// ParseBalance parses a decimal balance string as returned by the paywall
// server's channel endpoint.
func ParseBalance(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid balance %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative balance %q", s)
	}
	return v, nil
}
