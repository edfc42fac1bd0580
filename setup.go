package microraiden

import (
	"context"
	"fmt"
	"math/big"
)

// ChannelSetup ensures a valid, server-synchronized channel exists before a
// payment is signed. It owns the decision of when to open a new channel; it
// never closes or settles one as part of the payment path.
type ChannelSetup struct {
	config   *ClientConfig
	channels ChannelManager
	signer   ProofSigner
	balances BalanceQuerier
}

// NewChannelSetup creates a channel setup orchestrator.
func NewChannelSetup(config *ClientConfig, channels ChannelManager, signer ProofSigner, balances BalanceQuerier) *ChannelSetup {
	return &ChannelSetup{
		config:   config,
		channels: channels,
		signer:   signer,
		balances: balances,
	}
}

// EnsureChannel returns an open, valid channel together with a confirmed
// balance proof at the server-recorded balance.
//
// The server-recorded balance, not a locally assumed value, seeds the proof:
// the server is the source of truth for how much has already been paid, and
// confirming at that balance brings local bookkeeping in sync before any new
// payment is layered on.
func (s *ChannelSetup) EnsureChannel(ctx context.Context) (*Channel, *BalanceProof, error) {
	ch, err := s.loadChannel(ctx)
	if err != nil {
		if !IsNoChannel(err) {
			return nil, nil, err
		}
		ch = nil
	}
	if ch != nil && !s.channels.IsValid(ch) {
		ch = nil
	}

	if ch == nil {
		ch, err = s.channels.OpenChannel(ctx, s.config.Sender, s.config.Receiver, s.config.Deposit)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open channel: %w", err)
		}
	}

	balance, err := s.balances.ChannelBalance(ctx, s.config.Sender, ch.OpenBlock)
	if err != nil {
		return nil, nil, err
	}

	// A paid retry that died in transport leaves the committed balance
	// above the server's record. The server is authoritative; drop back to
	// its balance so the resync confirmation is not rejected as a
	// decrease. Monotonicity still holds on the increment path.
	if ch.Balance != nil && ch.Balance.Cmp(balance) > 0 {
		ch.Balance = new(big.Int).Set(balance)
	}

	proof, err := s.signer.SignBalance(ctx, ch, balance)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign balance proof: %w", err)
	}
	if err := s.signer.Confirm(ctx, ch, proof); err != nil {
		return nil, nil, fmt.Errorf("failed to confirm balance proof: %w", err)
	}

	return ch, proof, nil
}

// Close requests closure of the current channel. Unlike the payment path it
// only loads the channel, never opens one; ledger failures propagate
// unchanged.
func (s *ChannelSetup) Close(ctx context.Context) error {
	ch, err := s.loadChannel(ctx)
	if err != nil {
		return err
	}
	return s.channels.CloseChannel(ctx, ch)
}

// Settle settles the current channel after closure.
func (s *ChannelSetup) Settle(ctx context.Context) error {
	ch, err := s.loadChannel(ctx)
	if err != nil {
		return err
	}
	return s.channels.Settle(ctx, ch)
}

// loadChannel finds the channel for the configured pair, preferring the
// local cache over the ledger.
func (s *ChannelSetup) loadChannel(ctx context.Context) (*Channel, error) {
	ch, err := s.channels.LoadLocal(ctx, s.config.Sender, s.config.Receiver)
	if err == nil {
		return ch, nil
	}
	if !IsNoChannel(err) {
		return nil, err
	}
	return s.channels.LoadFromLedger(ctx, s.config.Sender, s.config.Receiver)
}
