package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/core"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

const testRemote = domain.Handle("bob-1-x")

func newTestRegistry(t *testing.T) (*Registry, *fakeConnector, *fakeDialer, domain.Handle) {
	t.Helper()
	d := &fakeDialer{}
	p := NewPeerManager(d, time.Second, 10*time.Millisecond)
	t.Cleanup(p.Close)

	fc := &fakeConnector{}
	r := NewRegistry(fc, p)
	p.SetFrameSink(r.HandleFrame)

	local, err := p.Register(context.Background(), "alice")
	require.NoError(t, err)
	return r, fc, d, local
}

func sdp(kind webrtc.SDPType, body string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: kind, SDP: body}
}

type openResult struct {
	rs  *core.RemoteStream
	err error
}

func openAsync(ctx context.Context, r *Registry, local domain.Handle, stream core.LocalStream) chan openResult {
	out := make(chan openResult, 1)
	go func() {
		rs, err := r.Open(ctx, local, testRemote, stream)
		out <- openResult{rs, err}
	}()
	return out
}

// waitConn waits until the connection exists AND Start ran, so the track
// and close callbacks are already bound when a test fires them.
func waitConn(t *testing.T, fc *fakeConnector) *fakeMediaConn {
	t.Helper()
	require.Eventually(t, func() bool {
		mc := fc.last()
		return mc != nil && mc.isStarted()
	}, time.Second, 2*time.Millisecond)
	return fc.last()
}

func TestOpenResolvesOnFirstRemoteTrack(t *testing.T) {
	r, fc, d, local := newTestRegistry(t)

	done := openAsync(context.Background(), r, local, newFakeLocalStream())
	mc := waitConn(t, fc)

	// The offer went out through the relay before any track arrived.
	require.Eventually(t, func() bool {
		for _, f := range d.last().sentFrames() {
			if f.Type == core.FrameOffer && f.Dst == testRemote {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)

	mc.fireTrack()
	res := <-done
	require.NoError(t, res.err)
	assert.Len(t, res.rs.Tracks(), 1)
	assert.True(t, r.Active(testRemote))
	assert.Equal(t, 1, mc.localCount())
}

func TestOpenRejectsStaleHandle(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	_, err := r.Open(context.Background(), "alice-0-stale", testRemote, nil)
	assert.ErrorIs(t, err, domain.ErrConnectionFailed)
}

func TestOpenFailsWhenConnectionCloses(t *testing.T) {
	r, fc, _, local := newTestRegistry(t)

	done := openAsync(context.Background(), r, local, nil)
	mc := waitConn(t, fc)
	mc.fireClosed()

	res := <-done
	require.ErrorIs(t, res.err, domain.ErrConnectionFailed)
	assert.False(t, r.Active(testRemote))
	assert.GreaterOrEqual(t, mc.closeCount(), 1)
}

func TestOpenFailsOnCancellation(t *testing.T) {
	r, fc, _, local := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := openAsync(ctx, r, local, nil)
	waitConn(t, fc)
	cancel()

	res := <-done
	require.ErrorIs(t, res.err, domain.ErrConnectionFailed)
	assert.False(t, r.Active(testRemote))
}

func TestAcceptWithoutOffer(t *testing.T) {
	r, _, _, local := newTestRegistry(t)
	_, err := r.Accept(context.Background(), local, testRemote, nil)
	assert.ErrorIs(t, err, domain.ErrNoPendingOffer)
}

func TestLatestOfferWins(t *testing.T) {
	r, fc, _, local := newTestRegistry(t)

	r.RegisterIncoming(testRemote, sdp(webrtc.SDPTypeOffer, "v=0 first"))
	r.RegisterIncoming(testRemote, sdp(webrtc.SDPTypeOffer, "v=0 second"))

	done := make(chan openResult, 1)
	go func() {
		rs, err := r.Accept(context.Background(), local, testRemote, nil)
		done <- openResult{rs, err}
	}()

	mc := waitConn(t, fc)
	require.Eventually(t, func() bool { return mc.offerApplied() != nil }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "v=0 second", mc.offerApplied().SDP)

	mc.fireTrack()
	res := <-done
	require.NoError(t, res.err)
}

func TestAwaitOfferWakesOnArrival(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)

	errc := make(chan error, 1)
	go func() { errc <- r.AwaitOffer(context.Background(), testRemote) }()

	time.Sleep(10 * time.Millisecond)
	r.RegisterIncoming(testRemote, sdp(webrtc.SDPTypeOffer, "v=0"))
	require.NoError(t, <-errc)
}

func TestAwaitOfferTimesOut(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.AwaitOffer(ctx, testRemote), domain.ErrNoPendingOffer)
}

// establish drives a full Open so the registry tracks a live connection.
func establish(t *testing.T, r *Registry, fc *fakeConnector, local domain.Handle) *fakeMediaConn {
	t.Helper()
	done := openAsync(context.Background(), r, local, nil)
	mc := waitConn(t, fc)
	mc.fireTrack()
	require.NoError(t, (<-done).err)
	return mc
}

func TestHandleFrameRoutesAnswer(t *testing.T) {
	r, fc, _, local := newTestRegistry(t)
	mc := establish(t, r, fc, local)

	payload, err := json.Marshal(sdp(webrtc.SDPTypeAnswer, "v=0 remote-answer"))
	require.NoError(t, err)
	r.HandleFrame(core.Frame{Type: core.FrameAnswer, Src: testRemote, Payload: payload})

	require.NotNil(t, mc.answerApplied())
	assert.Equal(t, "v=0 remote-answer", mc.answerApplied().SDP)
}

func TestHandleFrameRoutesCandidate(t *testing.T) {
	r, fc, _, local := newTestRegistry(t)
	mc := establish(t, r, fc, local)

	payload, err := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:1"})
	require.NoError(t, err)
	r.HandleFrame(core.Frame{Type: core.FrameCandidate, Src: testRemote, Payload: payload})

	assert.Equal(t, 1, mc.candidateCount())
}

func TestHandleFrameLeaveReleasesConnection(t *testing.T) {
	r, fc, _, local := newTestRegistry(t)
	mc := establish(t, r, fc, local)

	r.HandleFrame(core.Frame{Type: core.FrameLeave, Src: testRemote})
	assert.False(t, r.Active(testRemote))
	assert.Equal(t, 1, mc.closeCount())
}

func TestLocalCandidatesForwardedThroughRelay(t *testing.T) {
	r, fc, d, local := newTestRegistry(t)
	mc := establish(t, r, fc, local)

	mc.fireICE(webrtc.ICECandidateInit{Candidate: "candidate:42"})

	var found bool
	for _, f := range d.last().sentFrames() {
		if f.Type == core.FrameCandidate && f.Dst == testRemote {
			found = true
		}
	}
	assert.True(t, found, "gathered candidate was not relayed")
}

func TestCloseIsIdempotent(t *testing.T) {
	r, fc, _, local := newTestRegistry(t)
	mc := establish(t, r, fc, local)

	r.Close(testRemote)
	r.Close(testRemote)
	r.Close("never-tracked")

	assert.Equal(t, 1, mc.closeCount())
}

func TestCloseAllReleasesEverything(t *testing.T) {
	r, fc, _, local := newTestRegistry(t)
	mc := establish(t, r, fc, local)
	r.RegisterIncoming("carol-1-y", sdp(webrtc.SDPTypeOffer, "v=0"))

	r.CloseAll()
	assert.False(t, r.Active(testRemote))
	assert.Equal(t, 1, mc.closeCount())

	_, err := r.Accept(context.Background(), local, "carol-1-y", nil)
	assert.ErrorIs(t, err, domain.ErrNoPendingOffer, "buffered offers must not survive CloseAll")
}
