package microraiden

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ChannelStore is a concurrency-safe in-memory cache of locally known
// channels, keyed by (sender, receiver). It backs the loadLocal side of a
// ChannelManager; ledger-backed managers consult it before touching the
// chain.
type ChannelStore struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewChannelStore creates an empty channel store.
func NewChannelStore() *ChannelStore {
	return &ChannelStore{
		channels: make(map[string]*Channel),
	}
}

func storeKey(sender, receiver common.Address) string {
	return fmt.Sprintf("%s:%s", sender.Hex(), receiver.Hex())
}

// Get returns the cached channel for the pair, or an ErrCodeNoChannel error
// when none is cached.
func (s *ChannelStore) Get(sender, receiver common.Address) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[storeKey(sender, receiver)]
	if !ok {
		return nil, NewChannelError(ErrCodeNoChannel, "no channel found for this account", map[string]interface{}{
			"sender":   sender.Hex(),
			"receiver": receiver.Hex(),
		})
	}
	return ch, nil
}

// Put caches a channel, replacing any previous channel for the pair.
func (s *ChannelStore) Put(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[storeKey(ch.Sender, ch.Receiver)] = ch
}

// Delete evicts the channel for the pair, if any. Used after settlement.
func (s *ChannelStore) Delete(sender, receiver common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, storeKey(sender, receiver))
}
