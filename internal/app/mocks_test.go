package app

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/core"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

// fakeRelayConn is an in-memory RelayConn the tests feed frames into.
type fakeRelayConn struct {
	mu   sync.Mutex
	sent []core.Frame
	recv chan core.Frame
	once sync.Once
}

func newFakeRelayConn() *fakeRelayConn {
	return &fakeRelayConn{recv: make(chan core.Frame, 32)}
}

func (c *fakeRelayConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	c.sent = append(c.sent, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeRelayConn) Recv() <-chan core.Frame { return c.recv }

func (c *fakeRelayConn) Close() {
	c.once.Do(func() { close(c.recv) })
}

func (c *fakeRelayConn) deliver(f core.Frame) { c.recv <- f }

func (c *fakeRelayConn) sentFrames() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

// fakeDialer hands out fakeRelayConns and records every dial attempt,
// failed ones included.
type fakeDialer struct {
	mu         sync.Mutex
	conns      []*fakeRelayConn
	attempts   int
	dialErr    error
	rejectOpen bool
}

func (d *fakeDialer) Dial(_ context.Context, _ domain.Handle) (core.RelayConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := newFakeRelayConn()
	if d.rejectOpen {
		c.recv <- core.Frame{Type: core.FrameError}
	} else {
		c.recv <- core.Frame{Type: core.FrameOpen}
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setDialErr(err error) {
	d.mu.Lock()
	d.dialErr = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) last() *fakeRelayConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeMediaConn is a scriptable MediaConnection.
type fakeMediaConn struct {
	mu            sync.Mutex
	remote        domain.Handle
	started       bool
	closed        int
	locals        []core.LocalStream
	appliedOffer  *webrtc.SessionDescription
	appliedAnswer *webrtc.SessionDescription
	candidates    []webrtc.ICECandidateInit

	onTrack  func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onClosed func()
	onICE    func(webrtc.ICECandidateInit)
}

func (m *fakeMediaConn) Start(context.Context) error {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMediaConn) Close() {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
}

func (m *fakeMediaConn) AddLocalStream(s core.LocalStream) error {
	m.mu.Lock()
	m.locals = append(m.locals, s)
	m.mu.Unlock()
	return nil
}

func (m *fakeMediaConn) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 local-offer"}, nil
}

func (m *fakeMediaConn) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	m.mu.Lock()
	m.appliedOffer = &offer
	m.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 local-answer"}, nil
}

func (m *fakeMediaConn) ApplyAnswer(answer webrtc.SessionDescription) error {
	m.mu.Lock()
	m.appliedAnswer = &answer
	m.mu.Unlock()
	return nil
}

func (m *fakeMediaConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	m.mu.Lock()
	m.candidates = append(m.candidates, ci)
	m.mu.Unlock()
	return nil
}

func (m *fakeMediaConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	m.mu.Lock()
	m.onICE = fn
	m.mu.Unlock()
}

func (m *fakeMediaConn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}

func (m *fakeMediaConn) OnClosed(fn func()) {
	m.mu.Lock()
	m.onClosed = fn
	m.mu.Unlock()
}

func (m *fakeMediaConn) fireTrack() {
	m.mu.Lock()
	fn := m.onTrack
	m.mu.Unlock()
	if fn != nil {
		fn(&webrtc.TrackRemote{}, nil)
	}
}

func (m *fakeMediaConn) fireClosed() {
	m.mu.Lock()
	fn := m.onClosed
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *fakeMediaConn) fireICE(ci webrtc.ICECandidateInit) {
	m.mu.Lock()
	fn := m.onICE
	m.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

func (m *fakeMediaConn) isStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *fakeMediaConn) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeMediaConn) offerApplied() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appliedOffer
}

func (m *fakeMediaConn) answerApplied() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appliedAnswer
}

func (m *fakeMediaConn) candidateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.candidates)
}

func (m *fakeMediaConn) localCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locals)
}

// fakeConnector hands out fakeMediaConns.
type fakeConnector struct {
	mu    sync.Mutex
	conns []*fakeMediaConn
	err   error
}

func (f *fakeConnector) Connect(remote domain.Handle) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	mc := &fakeMediaConn{remote: remote}
	f.conns = append(f.conns, mc)
	return mc, nil
}

func (f *fakeConnector) last() *fakeMediaConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// fakeLocalStream counts releases and records track toggles.
type fakeLocalStream struct {
	mu       sync.Mutex
	releases int
	toggles  map[core.TrackKind]bool
}

func newFakeLocalStream() *fakeLocalStream {
	return &fakeLocalStream{toggles: map[core.TrackKind]bool{core.TrackAudio: true, core.TrackVideo: true}}
}

func (s *fakeLocalStream) TrackLocals() []webrtc.TrackLocal { return nil }

func (s *fakeLocalStream) SetTrackEnabled(kind core.TrackKind, enabled bool) bool {
	s.mu.Lock()
	s.toggles[kind] = enabled
	s.mu.Unlock()
	return true
}

func (s *fakeLocalStream) Release() {
	s.mu.Lock()
	s.releases++
	s.mu.Unlock()
}

func (s *fakeLocalStream) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

func (s *fakeLocalStream) enabled(kind core.TrackKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toggles[kind]
}

// fakeCapture hands out fakeLocalStreams, or fails with err.
type fakeCapture struct {
	mu      sync.Mutex
	err     error
	streams []*fakeLocalStream
}

func (c *fakeCapture) Acquire(core.MediaConstraints) (core.LocalStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	s := newFakeLocalStream()
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeCapture) Release() {}

func (c *fakeCapture) lastStream() *fakeLocalStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}
