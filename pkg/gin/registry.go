package gin

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceRegistry tracks the confirmed cumulative balance per
// (sender, open block). It is the receiver-side source of truth the client
// queries during channel setup.
type BalanceRegistry struct {
	mu       sync.RWMutex
	balances map[string]*big.Int
}

// NewBalanceRegistry creates an empty registry.
func NewBalanceRegistry() *BalanceRegistry {
	return &BalanceRegistry{
		balances: make(map[string]*big.Int),
	}
}

func registryKey(sender common.Address, openBlock uint32) string {
	return fmt.Sprintf("%s:%d", sender.Hex(), openBlock)
}

// Balance returns the confirmed balance for the channel, zero when the
// sender has not paid yet.
func (r *BalanceRegistry) Balance(sender common.Address, openBlock uint32) *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if balance, ok := r.balances[registryKey(sender, openBlock)]; ok {
		return new(big.Int).Set(balance)
	}
	return new(big.Int)
}

// SetBalance records a newly confirmed balance for the channel.
func (r *BalanceRegistry) SetBalance(sender common.Address, openBlock uint32, balance *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[registryKey(sender, openBlock)] = new(big.Int).Set(balance)
}
