// Package evm provides an ECDSA balance-proof signer backed by a local
// private key, plus the digest and recovery helpers shared with receiver-side
// verification.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	microraiden "github.com/dala-wallet/microraiden-go"
)

// balanceBytesLen is the width of the balance field in the signed message
// (uint192, matching the channel contract).
const balanceBytesLen = 24

// Signer signs balance proofs with an ECDSA private key and tracks proof
// confirmation against the channel's committed balance.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	contract   common.Address
}

// NewSignerFromPrivateKey creates a signer from a hex-encoded private key
// (with or without "0x" prefix) bound to the given channel contract.
func NewSignerFromPrivateKey(privateKeyHex string, contract common.Address) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		contract:   contract,
	}, nil
}

// Address returns the sender address the signer signs for.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignBalance signs a proof at exactly the given cumulative balance.
func (s *Signer) SignBalance(ctx context.Context, ch *microraiden.Channel, balance *big.Int) (*microraiden.BalanceProof, error) {
	if balance == nil || balance.Sign() < 0 {
		return nil, fmt.Errorf("balance must be a non-negative amount")
	}
	if ch.Deposit != nil && balance.Cmp(ch.Deposit) > 0 {
		return nil, insufficientFunds(ch, balance)
	}

	digest := BalanceMessageDigest(s.contract, ch.Receiver, ch.OpenBlock, balance)
	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27

	return &microraiden.BalanceProof{
		Balance:   new(big.Int).Set(balance),
		Signature: signature,
	}, nil
}

// IncrementBalance signs a proof at the channel's confirmed balance plus
// price. The remaining deposit must cover the price; otherwise an
// insufficient-funds error is returned and it is the caller's decision
// whether to top up the channel.
func (s *Signer) IncrementBalance(ctx context.Context, ch *microraiden.Channel, price *big.Int) (*microraiden.BalanceProof, error) {
	if price == nil || price.Sign() < 0 {
		return nil, fmt.Errorf("price must be a non-negative amount")
	}
	if ch.Remaining().Cmp(price) < 0 {
		return nil, insufficientFunds(ch, price)
	}

	current := ch.Balance
	if current == nil {
		current = new(big.Int)
	}
	return s.SignBalance(ctx, ch, new(big.Int).Add(current, price))
}

// Confirm registers the proof as the channel's committed balance. Balances
// only move forward; confirming a proof below the committed balance is a
// bookkeeping error.
func (s *Signer) Confirm(ctx context.Context, ch *microraiden.Channel, proof *microraiden.BalanceProof) error {
	if proof == nil || proof.Balance == nil {
		return fmt.Errorf("proof is required")
	}
	if ch.Balance != nil && proof.Balance.Cmp(ch.Balance) < 0 {
		return fmt.Errorf("proof balance %s below committed balance %s", proof.Balance, ch.Balance)
	}
	if ch.Deposit != nil && proof.Balance.Cmp(ch.Deposit) > 0 {
		return fmt.Errorf("proof balance %s exceeds deposit %s", proof.Balance, ch.Deposit)
	}
	ch.Balance = new(big.Int).Set(proof.Balance)
	return nil
}

// BalanceMessageDigest computes the digest a balance proof signs: the
// Ethereum signed-message hash of keccak256(receiver ‖ open block (uint32)
// ‖ balance (uint192) ‖ contract).
func BalanceMessageDigest(contract, receiver common.Address, openBlock uint32, balance *big.Int) []byte {
	packed := make([]byte, 0, common.AddressLength*2+4+balanceBytesLen)
	packed = append(packed, receiver.Bytes()...)
	packed = append(packed, byte(openBlock>>24), byte(openBlock>>16), byte(openBlock>>8), byte(openBlock))
	packed = append(packed, math.PaddedBigBytes(balance, balanceBytesLen)...)
	packed = append(packed, contract.Bytes()...)
	return accounts.TextHash(crypto.Keccak256(packed))
}

// RecoverBalanceSigner recovers the sender address that signed a balance
// proof. Receiver-side verification compares it against the claimed sender.
func RecoverBalanceSigner(contract, receiver common.Address, openBlock uint32, balance *big.Int, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(signature))
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubkey, err := crypto.SigToPub(BalanceMessageDigest(contract, receiver, openBlock, balance), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pubkey), nil
}

func insufficientFunds(ch *microraiden.Channel, amount *big.Int) error {
	return microraiden.NewChannelError(microraiden.ErrCodeInsufficientFunds,
		fmt.Sprintf("remaining deposit %s cannot cover %s", ch.Remaining(), amount),
		map[string]interface{}{
			"remaining": ch.Remaining().String(),
			"amount":    amount.String(),
		})
}
