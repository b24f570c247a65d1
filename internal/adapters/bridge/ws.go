package bridge

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/core"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

const wsWriteWait = 5 * time.Second

// WS is an EventBridge backed by the messaging service's websocket feed.
// The server delivers every message addressed to or from the identity
// given at dial time.
type WS struct {
	conn *websocket.Conn
	send chan core.BridgeMessage
	done chan struct{}
	once sync.Once

	mu   sync.RWMutex
	subs map[chan core.BridgeMessage]struct{}
}

func DialWS(ctx context.Context, rawURL string, local domain.Identity) (*WS, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("bridge url: %w", err)
	}
	q := u.Query()
	q.Set("identity", string(local))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	log.Info().Str("module", "bridge").Str("identity", string(local)).Msg("bridge connected")

	w := &WS{
		conn: conn,
		send: make(chan core.BridgeMessage, subscriberBuffer),
		done: make(chan struct{}),
		subs: make(map[chan core.BridgeMessage]struct{}),
	}
	go w.writePump()
	go w.readPump()
	return w, nil
}

func (w *WS) Publish(ctx context.Context, msg core.BridgeMessage) error {
	select {
	case w.send <- msg:
		return nil
	case <-w.done:
		return fmt.Errorf("bridge closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WS) Subscribe(_ domain.Identity) (<-chan core.BridgeMessage, func()) {
	ch := make(chan core.BridgeMessage, subscriberBuffer)
	w.mu.Lock()
	w.subs[ch] = struct{}{}
	w.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, ch)
			w.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (w *WS) Close() {
	w.once.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
}

func (w *WS) writePump() {
	for {
		select {
		case <-w.done:
			return
		case msg := <-w.send:
			if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				log.Error().Err(err).Str("module", "bridge").Msg("writePump set deadline")
				w.Close()
				return
			}
			if err := w.conn.WriteJSON(msg); err != nil {
				log.Error().Err(err).Str("module", "bridge").Msg("writePump write error")
				w.Close()
				return
			}
		}
	}
}

func (w *WS) readPump() {
	for {
		var msg core.BridgeMessage
		if err := w.conn.ReadJSON(&msg); err != nil {
			select {
			case <-w.done:
			default:
				log.Warn().Err(err).Str("module", "bridge").Msg("readPump read error")
			}
			return
		}
		w.mu.RLock()
		for ch := range w.subs {
			select {
			case ch <- msg:
			default:
				log.Warn().Str("module", "bridge").Str("kind", string(msg.Kind)).Msg("subscriber buffer full, message dropped")
			}
		}
		w.mu.RUnlock()
	}
}
