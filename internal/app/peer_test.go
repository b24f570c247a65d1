package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/core"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

func TestRegisterIssuesFreshHandle(t *testing.T) {
	d := &fakeDialer{}
	p := NewPeerManager(d, time.Second, 10*time.Millisecond)

	h1, err := p.Register(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(h1), "alice-"))
	assert.Equal(t, domain.ConnConnected, p.Status())

	h2, err := p.Register(context.Background(), "alice")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "handles must never be reused across registrations")
	assert.Equal(t, 2, d.dialCount())

	cur, ok := p.Handle()
	require.True(t, ok)
	assert.Equal(t, h2, cur)
	p.Close()
}

func TestRegisterRelayRejectionIsPermanent(t *testing.T) {
	d := &fakeDialer{rejectOpen: true}
	p := NewPeerManager(d, time.Second, 10*time.Millisecond)
	defer p.Close()

	_, err := p.Register(context.Background(), "alice")
	require.ErrorIs(t, err, domain.ErrRegistrationFailed)
	assert.Equal(t, domain.ConnError, p.Status())

	// A rejection must not trigger automatic retries.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestTransientFailureSchedulesReconnect(t *testing.T) {
	d := &fakeDialer{}
	d.setDialErr(errors.New("relay down"))
	p := NewPeerManager(d, time.Second, 10*time.Millisecond)
	defer p.Close()

	_, err := p.Register(context.Background(), "alice")
	require.ErrorIs(t, err, domain.ErrRegistrationFailed)
	assert.Equal(t, domain.ConnError, p.Status())

	d.setDialErr(nil)
	require.Eventually(t, func() bool {
		return p.Status() == domain.ConnConnected
	}, time.Second, 5*time.Millisecond, "automatic re-registration never completed")
}

func TestManualRegisterCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{}
	d.setDialErr(errors.New("relay down"))
	p := NewPeerManager(d, time.Second, 100*time.Millisecond)
	defer p.Close()

	_, err := p.Register(context.Background(), "alice")
	require.Error(t, err)

	d.setDialErr(nil)
	_, err = p.Register(context.Background(), "alice")
	require.NoError(t, err)

	// The pending automatic attempt was cancelled; no extra dial fires.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 2, d.dialCount())
	assert.Equal(t, domain.ConnConnected, p.Status())
}

func TestLostConnectionReconnectsWithNewHandle(t *testing.T) {
	d := &fakeDialer{}
	p := NewPeerManager(d, time.Second, 10*time.Millisecond)
	defer p.Close()

	h1, err := p.Register(context.Background(), "alice")
	require.NoError(t, err)

	d.last().Close() // relay drops us

	require.Eventually(t, func() bool {
		h2, ok := p.Handle()
		return ok && h2 != h1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, d.dialCount())
}

func TestCloseIsDeliberate(t *testing.T) {
	d := &fakeDialer{}
	p := NewPeerManager(d, time.Second, 10*time.Millisecond)

	var teardown int
	var mu sync.Mutex
	p.OnTeardown(func() {
		mu.Lock()
		teardown++
		mu.Unlock()
	})

	_, err := p.Register(context.Background(), "alice")
	require.NoError(t, err)

	p.Close()
	assert.Equal(t, domain.ConnDisconnected, p.Status())

	// Deliberate teardown never reconnects.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())

	mu.Lock()
	assert.Equal(t, 1, teardown)
	mu.Unlock()

	_, ok := p.Handle()
	assert.False(t, ok)
}

func TestFramesForwardedInOrderHeartbeatsSkipped(t *testing.T) {
	d := &fakeDialer{}
	p := NewPeerManager(d, time.Second, 10*time.Millisecond)
	defer p.Close()

	var mu sync.Mutex
	var got []core.Frame
	p.SetFrameSink(func(f core.Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})

	_, err := p.Register(context.Background(), "alice")
	require.NoError(t, err)

	conn := d.last()
	conn.deliver(core.Frame{Type: core.FrameOffer, Src: "bob-1-x"})
	conn.deliver(core.Frame{Type: core.FrameHeartbeat})
	conn.deliver(core.Frame{Type: core.FrameCandidate, Src: "bob-1-x"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, core.FrameOffer, got[0].Type)
	assert.Equal(t, core.FrameCandidate, got[1].Type)
}

func TestSendRequiresRegistration(t *testing.T) {
	p := NewPeerManager(&fakeDialer{}, time.Second, 10*time.Millisecond)
	err := p.Send(core.Frame{Type: core.FrameOffer, Dst: "bob-1-x"})
	assert.ErrorIs(t, err, domain.ErrRelayUnavailable)
}

func TestSendStampsSourceHandle(t *testing.T) {
	d := &fakeDialer{}
	p := NewPeerManager(d, time.Second, 10*time.Millisecond)
	defer p.Close()

	h, err := p.Register(context.Background(), "alice")
	require.NoError(t, err)

	require.NoError(t, p.Send(core.Frame{Type: core.FrameOffer, Dst: "bob-1-x"}))
	sent := d.last().sentFrames()
	require.Len(t, sent, 1)
	assert.Equal(t, h, sent[0].Src)
	assert.Equal(t, domain.Handle("bob-1-x"), sent[0].Dst)
}
