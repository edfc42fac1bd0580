package http

import (
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"

	microraiden "github.com/dala-wallet/microraiden-go"
)

// Payment protocol headers. The server quotes a price on 402 responses via
// HeaderPrice; the client echoes it back alongside the balance proof on the
// paid retry.
const (
	HeaderContractAddress  = "RDN-Contract-Address"
	HeaderReceiverAddress  = "RDN-Receiver-Address"
	HeaderSenderAddress    = "RDN-Sender-Address"
	HeaderBalanceSignature = "RDN-Balance-Signature"
	HeaderOpenBlock        = "RDN-Open-Block"
	HeaderBalance          = "RDN-Balance"
	HeaderSenderBalance    = "RDN-Sender-Balance"
	HeaderPrice            = "RDN-Price"
	HeaderPaymentID        = "RDN-Payment-ID"

	HeaderAPIKey = "x-api-key"
)

// paymentHeaderNames lists every header set by the payment path, in the
// order they appear on the wire. Clearing them resets a request context to
// its unpaid state.
var paymentHeaderNames = []string{
	HeaderContractAddress,
	HeaderReceiverAddress,
	HeaderSenderAddress,
	HeaderBalanceSignature,
	HeaderOpenBlock,
	HeaderBalance,
	HeaderSenderBalance,
	HeaderPrice,
}

// BuildPaymentHeaders produces the headers for a paid retry: channel
// identity, the proof's signature and balance, and the echoed price. The
// balance appears twice (HeaderBalance and HeaderSenderBalance) for
// protocol compatibility.
func BuildPaymentHeaders(config *microraiden.ClientConfig, ch *microraiden.Channel, proof *microraiden.BalanceProof, price *big.Int) http.Header {
	h := make(http.Header)
	h.Set(HeaderContractAddress, config.ContractAddress.Hex())
	h.Set(HeaderReceiverAddress, ch.Receiver.Hex())
	h.Set(HeaderSenderAddress, ch.Sender.Hex())
	h.Set(HeaderBalanceSignature, hexutil.Encode(proof.Signature))
	h.Set(HeaderOpenBlock, new(big.Int).SetUint64(uint64(ch.OpenBlock)).String())
	h.Set(HeaderBalance, proof.Balance.String())
	h.Set(HeaderSenderBalance, proof.Balance.String())
	h.Set(HeaderPrice, price.String())
	return h
}
