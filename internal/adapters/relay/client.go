// Package relay implements the websocket client for the signaling relay.
// One Dial per registration; the relay confirms the handle with an "open"
// frame and routes offer/answer/candidate frames between handles.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/config"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/core"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

var (
	ErrBackpressure = errors.New("relay send buffer full")
	ErrConnClosed   = errors.New("relay connection closed")
)

const writeWait = 5 * time.Second

// Dialer opens relay registrations from the configured endpoint parameters.
type Dialer struct {
	cfg       config.RelayConfig
	heartbeat time.Duration
}

func NewDialer(cfg config.RelayConfig, heartbeat time.Duration) *Dialer {
	return &Dialer{cfg: cfg, heartbeat: heartbeat}
}

func (d *Dialer) Dial(ctx context.Context, handle domain.Handle) (core.RelayConn, error) {
	scheme := "ws"
	if d.cfg.Secure {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port),
		Path:   d.cfg.Path,
	}
	q := u.Query()
	q.Set("key", d.cfg.Key)
	q.Set("id", string(handle))
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	log.Info().Str("module", "relay").Str("handle", string(handle)).Str("url", u.String()).Msg("relay dialed")

	c := &wsRelayConn{
		conn: ws,
		send: make(chan core.Frame, 32),
		recv: make(chan core.Frame, 32),
		done: make(chan struct{}),
	}
	go c.writePump(d.heartbeat)
	go c.readPump()
	return c, nil
}

type wsRelayConn struct {
	conn *websocket.Conn
	send chan core.Frame
	recv chan core.Frame
	done chan struct{}
	once sync.Once
}

func (c *wsRelayConn) TrySend(f core.Frame) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *wsRelayConn) Recv() <-chan core.Frame {
	return c.recv
}

func (c *wsRelayConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsRelayConn) writePump(heartbeat time.Duration) {
	var tick <-chan time.Time
	if heartbeat > 0 {
		t := time.NewTicker(heartbeat)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-c.done:
			log.Info().Str("module", "relay").Msg("writePump done")
			return
		case f := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				c.Close()
				return
			}
		case <-tick:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(core.Frame{Type: core.FrameHeartbeat}); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("heartbeat write error")
				c.Close()
				return
			}
		}
	}
}

func (c *wsRelayConn) readPump() {
	defer close(c.recv)
	for {
		var f core.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
				// deliberate close, not a transport error
			default:
				log.Warn().Err(err).Str("module", "relay").Msg("readPump read error")
			}
			return
		}
		select {
		case c.recv <- f:
		case <-c.done:
			return
		}
	}
}
