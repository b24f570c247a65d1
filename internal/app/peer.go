package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/core"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

// FrameSink receives inbound relay frames in arrival order.
type FrameSink func(core.Frame)

var errRelayRejected = errors.New("relay rejected registration")

// PeerManager owns the local identity's registration with the signaling
// relay: it derives handles, keeps the connectivity status, and schedules
// one reconnection attempt after a transient failure.
type PeerManager struct {
	dialer          core.RelayDialer
	registerTimeout time.Duration
	reconnectDelay  time.Duration

	mu        sync.Mutex
	seed      domain.Identity
	handle    domain.Handle
	status    domain.ConnectivityStatus
	conn      core.RelayConn
	reconnect *time.Timer
	closed    bool
	gen       int // registration generation; stale read loops bail out

	sink       FrameSink
	onStatus   func(domain.ConnectivityStatus)
	onTeardown func()
}

func NewPeerManager(dialer core.RelayDialer, registerTimeout, reconnectDelay time.Duration) *PeerManager {
	return &PeerManager{
		dialer:          dialer,
		registerTimeout: registerTimeout,
		reconnectDelay:  reconnectDelay,
		status:          domain.ConnDisconnected,
	}
}

// SetFrameSink must be called before Register.
func (p *PeerManager) SetFrameSink(sink FrameSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// OnStatus sets the connectivity observer. The callback runs with the
// manager lock held and must not call back into the manager.
func (p *PeerManager) OnStatus(fn func(domain.ConnectivityStatus)) {
	p.mu.Lock()
	p.onStatus = fn
	p.mu.Unlock()
}

// OnTeardown sets a hook invoked on deliberate Close, used to release
// all tracked direct connections.
func (p *PeerManager) OnTeardown(fn func()) {
	p.mu.Lock()
	p.onTeardown = fn
	p.mu.Unlock()
}

// Register derives a fresh handle from seed, opens a registration with the
// relay and resolves once the relay confirms the handle is live. A manual
// Register always supersedes and cancels a pending automatic reconnection.
func (p *PeerManager) Register(ctx context.Context, seed domain.Identity) (domain.Handle, error) {
	p.mu.Lock()
	p.cancelReconnectLocked()
	p.closed = false
	p.seed = seed
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.gen++
	gen := p.gen
	handle := domain.NewHandle(seed)
	p.handle = handle
	p.setStatusLocked(domain.ConnConnecting)
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.registerTimeout)
	defer cancel()

	conn, err := p.dialer.Dial(dialCtx, handle)
	if err != nil {
		p.failRegistration(gen, true)
		return "", fmt.Errorf("%w: %v", domain.ErrRegistrationFailed, err)
	}

	if err := awaitOpen(dialCtx, conn); err != nil {
		conn.Close()
		// A deliberate rejection by the relay is permanent; everything
		// else (relay down, network drop) is transient.
		p.failRegistration(gen, !errors.Is(err, errRelayRejected))
		return "", fmt.Errorf("%w: %v", domain.ErrRegistrationFailed, err)
	}

	p.mu.Lock()
	if p.gen != gen || p.closed {
		p.mu.Unlock()
		conn.Close()
		return "", fmt.Errorf("%w: superseded by a newer registration", domain.ErrRegistrationFailed)
	}
	p.conn = conn
	p.setStatusLocked(domain.ConnConnected)
	p.mu.Unlock()

	log.Info().Str("module", "app.peer").Str("handle", string(handle)).Msg("registered with relay")
	go p.readLoop(gen, conn)
	return handle, nil
}

func awaitOpen(ctx context.Context, conn core.RelayConn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-conn.Recv():
			if !ok {
				return errors.New("relay closed during registration")
			}
			switch f.Type {
			case core.FrameOpen:
				return nil
			case core.FrameError:
				return errRelayRejected
			}
			// Frames before the open confirmation are ignored.
		}
	}
}

func (p *PeerManager) failRegistration(gen int, transient bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.closed {
		return
	}
	p.setStatusLocked(domain.ConnError)
	if transient {
		p.scheduleReconnectLocked()
	}
}

func (p *PeerManager) readLoop(gen int, conn core.RelayConn) {
	for f := range conn.Recv() {
		if f.Type == core.FrameHeartbeat {
			continue
		}
		p.mu.Lock()
		sink := p.sink
		stale := p.gen != gen
		p.mu.Unlock()
		if stale {
			return
		}
		if sink != nil {
			sink(f)
		}
	}

	// Recv closed: the registration was lost.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.closed {
		return
	}
	p.conn = nil
	p.setStatusLocked(domain.ConnError)
	p.scheduleReconnectLocked()
	log.Warn().Str("module", "app.peer").Str("handle", string(p.handle)).Msg("relay connection lost, reconnect scheduled")
}

// scheduleReconnectLocked arms exactly one reconnection attempt; any
// pending attempt is cancelled first so registrations never run twice.
func (p *PeerManager) scheduleReconnectLocked() {
	p.cancelReconnectLocked()
	seed := p.seed
	p.reconnect = time.AfterFunc(p.reconnectDelay, func() {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			// Deliberate Close won the race with the fired timer.
			return
		}
		if _, err := p.Register(context.Background(), seed); err != nil {
			log.Warn().Err(err).Str("module", "app.peer").Msg("automatic re-registration failed")
		}
	})
}

func (p *PeerManager) cancelReconnectLocked() {
	if p.reconnect != nil {
		p.reconnect.Stop()
		p.reconnect = nil
	}
}

func (p *PeerManager) setStatusLocked(s domain.ConnectivityStatus) {
	if p.status == s {
		return
	}
	p.status = s
	if p.onStatus != nil {
		p.onStatus(s)
	}
}

// Handle returns the current live handle. A handle from a prior
// registration never validates against it.
func (p *PeerManager) Handle() (domain.Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != domain.ConnConnected {
		return "", false
	}
	return p.handle, true
}

func (p *PeerManager) Status() domain.ConnectivityStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Send routes a signaling frame through the current registration,
// stamping the source handle.
func (p *PeerManager) Send(f core.Frame) error {
	p.mu.Lock()
	conn := p.conn
	if f.Src == "" {
		f.Src = p.handle
	}
	p.mu.Unlock()
	if conn == nil {
		return domain.ErrRelayUnavailable
	}
	return conn.TrySend(f)
}

// Close tears down the registration deliberately: no reconnection is
// scheduled and all tracked connections are released. Idempotent.
func (p *PeerManager) Close() {
	p.mu.Lock()
	p.closed = true
	p.gen++
	p.cancelReconnectLocked()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.setStatusLocked(domain.ConnDisconnected)
	teardown := p.onTeardown
	p.mu.Unlock()

	if teardown != nil {
		teardown()
	}
}
