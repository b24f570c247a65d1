package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/core"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

type ctlEventKind int

const (
	evStart ctlEventKind = iota
	evAnswer
	evReject
	evHangup
	evBridge
	evLocal
	evOpened
	evFailed
	evTimeout
	evTick
	evTrack
)

// ctlEvent is one message into the controller loop. Async results carry
// the epoch of the session they belong to; results from a torn-down
// session are discarded on arrival.
type ctlEvent struct {
	kind   ctlEventKind
	epoch  uint64
	remote domain.Identity
	msg    core.BridgeMessage
	local  core.LocalStream
	stream *core.RemoteStream
	err    error

	trackKind core.TrackKind
	enabled   bool

	reply chan error
}

// Controller runs the single call session state machine. All session
// state is owned by one goroutine; the public methods post events into
// it, which makes every transition race-free by construction.
type Controller struct {
	peers    *PeerManager
	registry *Registry
	capture  core.Capture
	bridge   core.EventBridge

	identity       domain.Identity
	connectTimeout time.Duration
	constraints    core.MediaConstraints

	events   chan ctlEvent
	done     chan struct{}
	stopOnce sync.Once

	lmu       sync.RWMutex
	listeners map[chan core.Event]struct{}

	smu  sync.RWMutex
	snap *domain.CallInfo

	// loop-owned, never touched outside run().
	epoch      uint64
	sess       *domain.CallInfo
	sessCtx    context.Context
	sessCancel context.CancelFunc
	stream     core.LocalStream
	timeout    *time.Timer
	tickStop   chan struct{}
}

func NewController(peers *PeerManager, registry *Registry, capture core.Capture, bridge core.EventBridge, identity domain.Identity, connectTimeout time.Duration) *Controller {
	return &Controller{
		peers:          peers,
		registry:       registry,
		capture:        capture,
		bridge:         bridge,
		identity:       identity,
		connectTimeout: connectTimeout,
		constraints:    core.MediaConstraints{Audio: true, Video: true, Width: 1280, Height: 720},
		events:         make(chan ctlEvent, 64),
		done:           make(chan struct{}),
		listeners:      make(map[chan core.Event]struct{}),
	}
}

// Start subscribes to the bridge and launches the session loop.
func (c *Controller) Start(ctx context.Context) error {
	msgs, cancel := c.bridge.Subscribe(c.identity)
	go func() {
		defer cancel()
		for {
			select {
			case <-c.done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				c.post(ctlEvent{kind: evBridge, msg: msg})
			}
		}
	}()
	go c.run(ctx)
	return nil
}

// Close stops the loop; the loop tears down any active session on its
// way out. Idempotent.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

// StartCall initiates a call toward remote. Fails when another session is
// active or the local identity is not registered with the relay.
func (c *Controller) StartCall(ctx context.Context, remote domain.Identity) error {
	return c.do(ctx, ctlEvent{kind: evStart, remote: remote})
}

// Answer accepts the currently ringing incoming call.
func (c *Controller) Answer(ctx context.Context) error {
	return c.do(ctx, ctlEvent{kind: evAnswer})
}

// Reject declines the currently ringing incoming call.
func (c *Controller) Reject(ctx context.Context) error {
	return c.do(ctx, ctlEvent{kind: evReject})
}

// HangUp ends the active session. Calling it with no session is a no-op.
func (c *Controller) HangUp(ctx context.Context) error {
	return c.do(ctx, ctlEvent{kind: evHangup})
}

// SetTrackEnabled toggles the local audio or video track mid-call.
func (c *Controller) SetTrackEnabled(ctx context.Context, kind core.TrackKind, enabled bool) error {
	return c.do(ctx, ctlEvent{kind: evTrack, trackKind: kind, enabled: enabled})
}

// Info returns a copy of the current session metadata, nil when idle.
func (c *Controller) Info() *domain.CallInfo {
	c.smu.RLock()
	defer c.smu.RUnlock()
	if c.snap == nil {
		return nil
	}
	cp := *c.snap
	return &cp
}

// SubscribeEvents registers a UI event listener. Slow listeners drop
// events rather than stall the session loop.
func (c *Controller) SubscribeEvents() (<-chan core.Event, func()) {
	ch := make(chan core.Event, 64)
	c.lmu.Lock()
	c.listeners[ch] = struct{}{}
	c.lmu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners, ch)
			c.lmu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// NotifyConnectivity forwards relay connectivity changes to listeners.
// Invoked from the peer manager; must not block.
func (c *Controller) NotifyConnectivity(s domain.ConnectivityStatus) {
	c.emit(core.Event{Type: core.EventConnectivity, Connectivity: s})
}

func (c *Controller) post(ev ctlEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) do(ctx context.Context, ev ctlEvent) error {
	ev.reply = make(chan error, 1)
	select {
	case c.events <- ev:
	case <-c.done:
		return errors.New("controller stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.reply:
		return err
	case <-c.done:
		return errors.New("controller stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run(ctx context.Context) {
	defer c.teardown(domain.CallEnded, "shutting down", true)
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

func (c *Controller) dispatch(ev ctlEvent) {
	var err error
	switch ev.kind {
	case evStart:
		err = c.startCall(ev.remote)
	case evAnswer:
		err = c.answerCall()
	case evReject:
		err = c.rejectCall()
	case evHangup:
		c.hangUp()
	case evBridge:
		c.onBridge(ev.msg)
	case evLocal:
		c.onLocal(ev)
	case evOpened:
		c.onOpened(ev)
	case evFailed:
		c.onFailed(ev)
	case evTimeout:
		c.onTimeout(ev)
	case evTick:
		c.onTick(ev)
	case evTrack:
		err = c.onTrack(ev)
	}
	if ev.reply != nil {
		ev.reply <- err
	}
}

func (c *Controller) startCall(remote domain.Identity) error {
	if c.sess != nil && !c.sess.Status.Terminal() {
		return domain.ErrCallAlreadyActive
	}
	handle, ok := c.peers.Handle()
	if !ok {
		return domain.ErrRelayUnavailable
	}

	msg := core.BridgeMessage{
		Kind:           core.KindIncomingCall,
		CallerIdentity: c.identity,
		CalleeIdentity: remote,
		PeerHandle:     handle,
	}
	if err := c.bridge.Publish(context.Background(), msg); err != nil {
		return domain.ErrRelayUnavailable
	}

	c.newSession(domain.RoleCaller, remote, domain.CallAwaitingResponse)
	log.Info().Str("module", "app.controller").Str("remote", string(remote)).Msg("call placed")
	return nil
}

func (c *Controller) answerCall() error {
	if c.sess == nil || c.sess.Status != domain.CallRinging {
		return domain.ErrNoPendingOffer
	}
	handle, ok := c.peers.Handle()
	if !ok {
		return domain.ErrRelayUnavailable
	}

	msg := core.BridgeMessage{
		Kind:           core.KindCallAnswered,
		CallerIdentity: c.sess.RemoteIdentity,
		CalleeIdentity: c.identity,
		PeerHandle:     handle,
		Accepted:       true,
	}
	if err := c.bridge.Publish(context.Background(), msg); err != nil {
		return domain.ErrRelayUnavailable
	}

	c.toConnecting()
	go c.answer(c.sessCtx, c.epoch, handle, c.sess.RemoteHandle)
	log.Info().Str("module", "app.controller").Str("remote", string(c.sess.RemoteIdentity)).Msg("call answered")
	return nil
}

func (c *Controller) rejectCall() error {
	if c.sess == nil || c.sess.Status != domain.CallRinging {
		return domain.ErrNoPendingOffer
	}

	msg := core.BridgeMessage{
		Kind:           core.KindCallRejected,
		CallerIdentity: c.sess.RemoteIdentity,
		CalleeIdentity: c.identity,
	}
	if err := c.bridge.Publish(context.Background(), msg); err != nil {
		log.Warn().Err(err).Str("module", "app.controller").Msg("reject publish failed")
	}
	c.teardown(domain.CallEnded, "rejected", false)
	return nil
}

func (c *Controller) hangUp() {
	if c.sess == nil || c.sess.Status.Terminal() {
		return
	}
	c.teardown(domain.CallEnded, "hung up", true)
}

func (c *Controller) onBridge(msg core.BridgeMessage) {
	switch msg.Kind {
	case core.KindIncomingCall:
		if msg.CalleeIdentity != c.identity {
			return
		}
		if c.sess != nil && !c.sess.Status.Terminal() {
			// Busy. The caller times out into failed on its own.
			log.Info().Str("module", "app.controller").Str("caller", string(msg.CallerIdentity)).Msg("incoming call ignored, session active")
			return
		}
		c.newSession(domain.RoleCallee, msg.CallerIdentity, domain.CallRinging)
		c.sess.RemoteHandle = msg.PeerHandle
		c.updateSnap()
		log.Info().Str("module", "app.controller").Str("caller", string(msg.CallerIdentity)).Msg("incoming call")

	case core.KindCallAnswered:
		if !c.sessionMatch(msg) || c.sess.Role != domain.RoleCaller || c.sess.Status != domain.CallAwaitingResponse {
			return
		}
		if !msg.Accepted {
			c.teardown(domain.CallEnded, "rejected", false)
			return
		}
		c.sess.RemoteHandle = msg.PeerHandle
		c.toConnecting()
		handle, ok := c.peers.Handle()
		if !ok {
			c.teardown(domain.CallFailed, domain.ErrRelayUnavailable.Error(), true)
			return
		}
		go c.dial(c.sessCtx, c.epoch, handle, msg.PeerHandle)

	case core.KindCallRejected:
		if !c.sessionMatch(msg) {
			return
		}
		c.teardown(domain.CallEnded, "rejected", false)

	case core.KindCallEnded:
		if !c.sessionMatch(msg) {
			return
		}
		c.teardown(domain.CallEnded, "remote hung up", false)
	}
}

// sessionMatch reports whether msg belongs to the live session. Messages
// arriving after local teardown fall through and are dropped.
func (c *Controller) sessionMatch(msg core.BridgeMessage) bool {
	if c.sess == nil || c.sess.Status.Terminal() {
		return false
	}
	return msg.CallerIdentity == c.sess.RemoteIdentity || msg.CalleeIdentity == c.sess.RemoteIdentity
}

func (c *Controller) newSession(role domain.Role, remote domain.Identity, status domain.CallStatus) {
	c.epoch++
	c.sessCtx, c.sessCancel = context.WithCancel(context.Background())
	c.sess = &domain.CallInfo{
		Role:           role,
		RemoteIdentity: remote,
		Status:         status,
		StartedAt:      time.Now(),
	}
	c.updateSnap()
	c.emitStatus("")
	// The setup window opens the moment the caller places the call, so
	// a callee that never responds still fails the attempt.
	if status == domain.CallAwaitingResponse {
		c.armTimeout()
	}
}

// toConnecting moves the session into connecting and (re)arms the setup
// timer. armTimeout cancels any previous timer, so the session only ever
// owns one.
func (c *Controller) toConnecting() {
	c.sess.Status = domain.CallConnecting
	c.updateSnap()
	c.emitStatus("")
	c.armTimeout()
}

func (c *Controller) armTimeout() {
	c.disarmTimeout()
	epoch := c.epoch
	c.timeout = time.AfterFunc(c.connectTimeout, func() {
		c.post(ctlEvent{kind: evTimeout, epoch: epoch})
	})
}

func (c *Controller) disarmTimeout() {
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
}

// dial runs the caller-side media setup off the loop goroutine and posts
// the result back tagged with the session epoch.
func (c *Controller) dial(ctx context.Context, epoch uint64, local, remote domain.Handle) {
	stream, err := c.capture.Acquire(c.constraints)
	if err != nil {
		// Audio/video capture is best effort; a missing device still
		// lets the call proceed receive-only.
		log.Warn().Err(err).Str("module", "app.controller").Msg("capture unavailable, continuing receive-only")
		stream = nil
	}
	if stream != nil {
		c.post(ctlEvent{kind: evLocal, epoch: epoch, local: stream})
	}

	rs, err := c.registry.Open(ctx, local, remote, stream)
	if err != nil {
		c.post(ctlEvent{kind: evFailed, epoch: epoch, err: err})
		return
	}
	c.post(ctlEvent{kind: evOpened, epoch: epoch, stream: rs})
}

// answer runs the callee-side setup: wait for the caller's offer routed
// through the relay, then accept it.
func (c *Controller) answer(ctx context.Context, epoch uint64, local, remote domain.Handle) {
	stream, err := c.capture.Acquire(c.constraints)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.controller").Msg("capture unavailable, continuing receive-only")
		stream = nil
	}
	if stream != nil {
		c.post(ctlEvent{kind: evLocal, epoch: epoch, local: stream})
	}

	if err := c.registry.AwaitOffer(ctx, remote); err != nil {
		c.post(ctlEvent{kind: evFailed, epoch: epoch, err: err})
		return
	}
	rs, err := c.registry.Accept(ctx, local, remote, stream)
	if err != nil {
		c.post(ctlEvent{kind: evFailed, epoch: epoch, err: err})
		return
	}
	c.post(ctlEvent{kind: evOpened, epoch: epoch, stream: rs})
}

func (c *Controller) onLocal(ev ctlEvent) {
	if ev.epoch != c.epoch {
		// The session this capture belongs to is gone; stop the device.
		ev.local.Release()
		return
	}
	c.stream = ev.local
	c.emit(core.Event{Type: core.EventLocalStream, Local: ev.local})
}

func (c *Controller) onOpened(ev ctlEvent) {
	if ev.epoch != c.epoch || c.sess == nil || c.sess.Status != domain.CallConnecting {
		return
	}
	c.disarmTimeout()
	c.sess.Status = domain.CallConnected
	c.sess.ConnectedAt = time.Now()
	c.updateSnap()
	c.startTicker()
	c.emit(core.Event{Type: core.EventRemoteStream, Remote: ev.stream})
	c.emitStatus("")
	log.Info().Str("module", "app.controller").Str("remote", string(c.sess.RemoteIdentity)).Msg("call connected")
}

func (c *Controller) onFailed(ev ctlEvent) {
	if ev.epoch != c.epoch || c.sess == nil || c.sess.Status.Terminal() {
		return
	}
	reason := "connection failed"
	if ev.err != nil {
		reason = ev.err.Error()
	}
	c.teardown(domain.CallFailed, reason, true)
}

// onTimeout fails the session from any state that armed the setup timer:
// awaiting-response (callee never answered) or connecting (answered but the
// media path never came up). A fire racing a just-connected call is ignored.
func (c *Controller) onTimeout(ev ctlEvent) {
	if ev.epoch != c.epoch || c.sess == nil {
		return
	}
	switch c.sess.Status {
	case domain.CallAwaitingResponse, domain.CallConnecting:
	default:
		return
	}
	c.teardown(domain.CallFailed, domain.ErrTimeout.Error(), true)
}

func (c *Controller) onTick(ev ctlEvent) {
	if ev.epoch != c.epoch || c.sess == nil || c.sess.Status != domain.CallConnected {
		return
	}
	c.emit(core.Event{Type: core.EventDuration, Seconds: c.sess.Elapsed(time.Now())})
}

func (c *Controller) onTrack(ev ctlEvent) error {
	if c.sess == nil || c.sess.Status.Terminal() || c.stream == nil {
		return domain.ErrDeviceUnavailable
	}
	if !c.stream.SetTrackEnabled(ev.trackKind, ev.enabled) {
		return domain.ErrDeviceUnavailable
	}
	return nil
}

func (c *Controller) startTicker() {
	c.stopTicker()
	c.tickStop = make(chan struct{})
	epoch := c.epoch
	stop := c.tickStop
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.done:
				return
			case <-t.C:
				c.post(ctlEvent{kind: evTick, epoch: epoch})
			}
		}
	}()
}

func (c *Controller) stopTicker() {
	if c.tickStop != nil {
		close(c.tickStop)
		c.tickStop = nil
	}
}

// teardown moves the session into its terminal status and releases every
// resource exactly once: the direct connection, the captured devices, the
// setup timer and the duration ticker. Each session emits exactly one
// terminal status event.
func (c *Controller) teardown(status domain.CallStatus, reason string, notify bool) {
	if c.sess == nil || c.sess.Status.Terminal() {
		return
	}
	c.sess.Status = status
	c.epoch++
	if c.sessCancel != nil {
		c.sessCancel()
		c.sessCancel = nil
	}
	c.disarmTimeout()
	c.stopTicker()
	if c.sess.RemoteHandle != "" {
		c.registry.Close(c.sess.RemoteHandle)
	}
	if c.stream != nil {
		c.stream.Release()
		c.stream = nil
	}

	if notify {
		msg := core.BridgeMessage{Kind: core.KindCallEnded}
		if c.sess.Role == domain.RoleCaller {
			msg.CallerIdentity = c.identity
			msg.CalleeIdentity = c.sess.RemoteIdentity
		} else {
			msg.CallerIdentity = c.sess.RemoteIdentity
			msg.CalleeIdentity = c.identity
		}
		if err := c.bridge.Publish(context.Background(), msg); err != nil {
			log.Warn().Err(err).Str("module", "app.controller").Msg("call-ended publish failed")
		}
	}

	c.updateSnap()
	c.emitStatus(reason)
	log.Info().Str("module", "app.controller").
		Str("remote", string(c.sess.RemoteIdentity)).
		Str("status", string(status)).
		Str("reason", reason).
		Msg("session ended")
}

func (c *Controller) updateSnap() {
	c.smu.Lock()
	if c.sess == nil {
		c.snap = nil
	} else {
		cp := *c.sess
		c.snap = &cp
	}
	c.smu.Unlock()
}

func (c *Controller) emitStatus(reason string) {
	c.emit(core.Event{Type: core.EventCallStatus, Call: c.Info(), Reason: reason})
}

func (c *Controller) emit(ev core.Event) {
	c.lmu.RLock()
	defer c.lmu.RUnlock()
	for ch := range c.listeners {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", "app.controller").Str("event", string(ev.Type)).Msg("listener buffer full, event dropped")
		}
	}
}
