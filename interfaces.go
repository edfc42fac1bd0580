package microraiden

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChannelManager is implemented by components that persist channels and
// perform the ledger-level channel operations. The ledger package provides a
// contract-backed implementation; tests substitute in-memory fakes.
type ChannelManager interface {
	// LoadLocal returns the locally cached channel for the pair, or an
	// ErrCodeNoChannel error when none is cached.
	LoadLocal(ctx context.Context, sender, receiver common.Address) (*Channel, error)

	// LoadFromLedger queries the ledger for an open channel between the
	// pair. Returns an ErrCodeNoChannel error when none exists.
	LoadFromLedger(ctx context.Context, sender, receiver common.Address) (*Channel, error)

	// IsValid reports whether a loaded channel can still carry payments:
	// open, addressed to the expected parties, deposit not exhausted.
	IsValid(ch *Channel) bool

	// OpenChannel opens a new channel funded with the given deposit.
	OpenChannel(ctx context.Context, sender, receiver common.Address, deposit *big.Int) (*Channel, error)

	// TopUp adds funds to an existing open channel.
	TopUp(ctx context.Context, ch *Channel, amount *big.Int) error

	// CloseChannel requests closure of the channel.
	CloseChannel(ctx context.Context, ch *Channel) error

	// Settle settles a closed channel, paying out the deposit.
	Settle(ctx context.Context, ch *Channel) error
}

// ProofSigner produces and confirms balance proofs for a channel.
//
// Confirm registers a proof as the channel's committed balance; callers must
// never confirm two proofs out of order for the same channel. The signer
// enforces monotonicity as a backstop.
type ProofSigner interface {
	// Address returns the sender address the signer signs for.
	Address() common.Address

	// SignBalance signs a proof at exactly the given cumulative balance.
	SignBalance(ctx context.Context, ch *Channel, balance *big.Int) (*BalanceProof, error)

	// IncrementBalance signs a proof at the channel's confirmed balance
	// plus price. Returns an ErrCodeInsufficientFunds error when the
	// remaining deposit cannot cover the price.
	IncrementBalance(ctx context.Context, ch *Channel, price *big.Int) (*BalanceProof, error)

	// Confirm registers the proof as the channel's committed balance.
	Confirm(ctx context.Context, ch *Channel, proof *BalanceProof) error
}

// BalanceQuerier fetches the server-recorded cumulative balance for a sender
// on a given channel. The paid HTTP client implements this against the
// paywall server's channel endpoint; the server is the source of truth for
// how much has already been paid.
type BalanceQuerier interface {
	ChannelBalance(ctx context.Context, sender common.Address, openBlock uint32) (*big.Int, error)
}
