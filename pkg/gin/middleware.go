// Package gin provides a receiver-side paywall middleware: it answers
// unpaid requests with 402 and a quoted price, verifies balance-proof
// headers on paid retries, and tracks each sender's confirmed balance.
package gin

import (
	"bytes"
	"io"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"

	rdnhttp "github.com/dala-wallet/microraiden-go/http"
	"github.com/dala-wallet/microraiden-go/signers/evm"
)

// PaywallOptions is the options for the Paywall middleware.
type PaywallOptions struct {
	Balances   *BalanceRegistry
	BodySchema *gojsonschema.Schema
}

// Option is the type for the options for the Paywall middleware.
type Option func(*PaywallOptions)

// WithBalanceRegistry is an option for the Paywall middleware to share a
// balance registry across routes (and with RegisterChannelRoutes).
func WithBalanceRegistry(balances *BalanceRegistry) Option {
	return func(options *PaywallOptions) {
		options.Balances = balances
	}
}

// WithBodySchema is an option for the Paywall middleware to validate paid
// request bodies against a JSON schema before the payment is accepted.
func WithBodySchema(schema *gojsonschema.Schema) Option {
	return func(options *PaywallOptions) {
		options.BodySchema = schema
	}
}

// Paywall returns a middleware that gates the route behind a per-request
// price. A request without a balance signature, or with one that fails
// verification, is answered with 402 and the quoted price.
func Paywall(price *big.Int, contract, receiver common.Address, opts ...Option) gin.HandlerFunc {
	options := &PaywallOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.Balances == nil {
		options.Balances = NewBalanceRegistry()
	}

	return func(c *gin.Context) {
		if c.GetHeader(rdnhttp.HeaderBalanceSignature) == "" {
			paymentRequired(c, price, contract, receiver)
			return
		}

		sender := common.HexToAddress(c.GetHeader(rdnhttp.HeaderSenderAddress))
		openBlock, err := strconv.ParseUint(c.GetHeader(rdnhttp.HeaderOpenBlock), 10, 32)
		if err != nil {
			paymentRequired(c, price, contract, receiver)
			return
		}
		balance, ok := new(big.Int).SetString(c.GetHeader(rdnhttp.HeaderBalance), 10)
		if !ok {
			paymentRequired(c, price, contract, receiver)
			return
		}
		signature, err := hexutil.Decode(c.GetHeader(rdnhttp.HeaderBalanceSignature))
		if err != nil {
			paymentRequired(c, price, contract, receiver)
			return
		}

		signer, err := evm.RecoverBalanceSigner(contract, receiver, uint32(openBlock), balance, signature)
		if err != nil || signer != sender {
			paymentRequired(c, price, contract, receiver)
			return
		}

		// The proof must cover everything already paid plus this call.
		expected := new(big.Int).Add(options.Balances.Balance(sender, uint32(openBlock)), price)
		if balance.Cmp(expected) < 0 {
			paymentRequired(c, price, contract, receiver)
			return
		}

		if options.BodySchema != nil {
			body, err := c.GetRawData()
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
				return
			}
			result, err := options.BodySchema.Validate(gojsonschema.NewBytesLoader(body))
			if err != nil || !result.Valid() {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "request body does not match schema"})
				return
			}
			restoreBody(c, body)
		}

		options.Balances.SetBalance(sender, uint32(openBlock), balance)
		c.Next()
	}
}

// RegisterChannelRoutes exposes the server-recorded balance endpoint the
// client queries during channel setup:
// GET /v1/channels/:sender/:block -> {"balance": "<decimal>"}.
func RegisterChannelRoutes(r gin.IRouter, balances *BalanceRegistry) {
	r.GET("/v1/channels/:sender/:block", func(c *gin.Context) {
		block, err := strconv.ParseUint(c.Param("block"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid open block"})
			return
		}
		sender := common.HexToAddress(c.Param("sender"))
		c.JSON(http.StatusOK, gin.H{
			"balance": balances.Balance(sender, uint32(block)).String(),
		})
	})
}

// restoreBody puts a consumed request body back so the handler can read it.
func restoreBody(c *gin.Context, body []byte) {
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
}

func paymentRequired(c *gin.Context, price *big.Int, contract, receiver common.Address) {
	c.Header(rdnhttp.HeaderPrice, price.String())
	c.Header(rdnhttp.HeaderContractAddress, contract.Hex())
	c.Header(rdnhttp.HeaderReceiverAddress, receiver.Hex())
	c.AbortWithStatus(http.StatusPaymentRequired)
}
