// Package microraiden implements the client side of a µRaiden-style
// pay-per-request protocol: payment channels between a sender and receiver,
// cumulative signed balance proofs, and the bookkeeping needed to answer an
// HTTP 402 challenge.
//
// The root package holds the channel model, the error taxonomy, and the
// channel setup orchestration. HTTP request handling lives in the http
// subpackage, ECDSA proof signing in signers/evm, and the contract-backed
// channel manager in ledger.
package microraiden
