// Package bridge provides EventBridge implementations. The bridge itself is
// an external collaborator; the engine only consumes the port.
package bridge

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/core"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

const subscriberBuffer = 32

// Memory is an in-process EventBridge. It delivers every message to the
// subscriptions of both identities the message names, in publish order.
// Used by tests and by single-process loopback setups.
type Memory struct {
	mu   sync.RWMutex
	subs map[domain.Identity]map[chan core.BridgeMessage]struct{}
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[domain.Identity]map[chan core.BridgeMessage]struct{})}
}

func (m *Memory) Publish(_ context.Context, msg core.BridgeMessage) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[chan core.BridgeMessage]struct{})
	for _, id := range []domain.Identity{msg.CallerIdentity, msg.CalleeIdentity} {
		for ch := range m.subs[id] {
			if _, dup := seen[ch]; dup {
				continue
			}
			seen[ch] = struct{}{}
			select {
			case ch <- msg:
			default:
				log.Warn().Str("module", "bridge").Str("kind", string(msg.Kind)).Msg("subscriber buffer full, message dropped")
			}
		}
	}
	return nil
}

func (m *Memory) Subscribe(local domain.Identity) (<-chan core.BridgeMessage, func()) {
	ch := make(chan core.BridgeMessage, subscriberBuffer)
	m.mu.Lock()
	if m.subs[local] == nil {
		m.subs[local] = make(map[chan core.BridgeMessage]struct{})
	}
	m.subs[local][ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[local], ch)
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
