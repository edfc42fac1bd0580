package http

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	microraiden "github.com/dala-wallet/microraiden-go"
)

// PaidRequestContext carries the transient per-call payment state threaded
// through the retry chain: the channel and proof backing the current
// attempt, plus the headers to merge into the next request. It exists only
// for the duration of one logical (possibly multi-attempt) request and is
// never persisted.
type PaidRequestContext struct {
	// PaymentID identifies the logical request across its attempts.
	PaymentID string

	Channel *microraiden.Channel
	Proof   *microraiden.BalanceProof
	Headers http.Header
}

// NewPaidRequestContext creates an empty context with a fresh payment ID.
func NewPaidRequestContext() *PaidRequestContext {
	return &PaidRequestContext{
		PaymentID: GeneratePaymentID(""),
		Headers:   make(http.Header),
	}
}

// SetPaymentHeaders replaces the context's payment headers with h.
func (rc *PaidRequestContext) SetPaymentHeaders(h http.Header) {
	rc.ClearPaymentHeaders()
	for name, values := range h {
		for _, v := range values {
			rc.Headers.Set(name, v)
		}
	}
}

// ClearPaymentHeaders resets the context to its unpaid state. Used after a
// top-up: the discarded headers belonged to a proof the channel could not
// cover, and the next 402 round produces a correct one.
func (rc *PaidRequestContext) ClearPaymentHeaders() {
	for _, name := range paymentHeaderNames {
		rc.Headers.Del(name)
	}
	rc.Channel = nil
	rc.Proof = nil
}

// GeneratePaymentID generates a unique payment identifier with the given
// prefix. If prefix is empty, "pay_" is used as the default prefix.
//
// The generated ID format is: prefix + UUID v4 without hyphens (32 hex chars)
// Example: "pay_7d5d747be160e280504c099d984bcfe0"
func GeneratePaymentID(prefix string) string {
	if prefix == "" {
		prefix = "pay_"
	}
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}
