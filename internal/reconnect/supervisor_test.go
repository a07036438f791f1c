package reconnect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrtc/meshconf/internal/negotiation"
)

type fakeLink struct {
	remoteID string
	notif    chan negotiation.State

	mu               sync.Mutex
	restarts         int
	negotiations     int
	closed           bool
	connectOnRestart bool
	connectOnOffer   bool
}

func newFakeLink(remoteID string) *fakeLink {
	return &fakeLink{
		remoteID: remoteID,
		notif:    make(chan negotiation.State, 16),
	}
}

func (l *fakeLink) RemoteID() string { return l.remoteID }

func (l *fakeLink) State() negotiation.State { return negotiation.StateFailed }

func (l *fakeLink) Notifications() <-chan negotiation.State { return l.notif }

func (l *fakeLink) RequestICERestart() {
	l.mu.Lock()
	l.restarts++
	connect := l.connectOnRestart
	l.mu.Unlock()
	if connect {
		l.notif <- negotiation.StateConnected
	}
}

func (l *fakeLink) RequestNegotiation() {
	l.mu.Lock()
	l.negotiations++
	connect := l.connectOnOffer
	l.mu.Unlock()
	if connect {
		l.notif <- negotiation.StateConnected
	}
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakePresence struct {
	mu     sync.Mutex
	paired bool
}

func (p *fakePresence) StillPaired(string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paired
}

type fakeRebuilder struct {
	mu    sync.Mutex
	links []*fakeLink
	next  func() *fakeLink
}

func (r *fakeRebuilder) RebuildLink(remoteID string) (Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link := r.next()
	r.links = append(r.links, link)
	return link, nil
}

func (r *fakeRebuilder) built() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

func fastConfig() Config {
	return Config{
		ICERestartTimeout: 50 * time.Millisecond,
		BackoffBase:       5 * time.Millisecond,
		BackoffCap:        10 * time.Millisecond,
		MaxAttempts:       3,
	}
}

func TestICERestartRecovers(t *testing.T) {
	link := newFakeLink("peer")
	link.connectOnRestart = true
	presence := &fakePresence{paired: true}
	rebuilder := &fakeRebuilder{next: func() *fakeLink { return newFakeLink("peer") }}

	s := New(fastConfig(), nil, presence, rebuilder)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Watch(ctx, link)
		close(done)
	}()

	link.notif <- negotiation.StateFailed

	require.Eventually(t, func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return link.restarts == 1
	}, time.Second, time.Millisecond)

	// Recovery succeeded on the existing link: no teardown, no rebuild.
	link.notif <- negotiation.StateClosed
	<-done
	assert.False(t, link.isClosed())
	assert.Equal(t, 0, rebuilder.built())
}

func TestEscalatesToRebuild(t *testing.T) {
	link := newFakeLink("peer")
	presence := &fakePresence{paired: true}
	rebuilder := &fakeRebuilder{next: func() *fakeLink {
		l := newFakeLink("peer")
		l.connectOnOffer = true
		return l
	}}

	s := New(fastConfig(), nil, presence, rebuilder)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Watch(ctx, link)
		close(done)
	}()

	link.notif <- negotiation.StateFailed

	require.Eventually(t, func() bool { return rebuilder.built() == 1 }, 2*time.Second, time.Millisecond)
	assert.True(t, link.isClosed(), "failed link is torn down before rebuild")

	// Watching continues on the replacement link.
	rebuilder.mu.Lock()
	fresh := rebuilder.links[0]
	rebuilder.mu.Unlock()
	fresh.notif <- negotiation.StateClosed
	<-done
}

func TestAbandonsWhenPeerLeft(t *testing.T) {
	link := newFakeLink("peer")
	presence := &fakePresence{paired: false}
	rebuilder := &fakeRebuilder{next: func() *fakeLink { return newFakeLink("peer") }}

	s := New(fastConfig(), nil, presence, rebuilder)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Watch(ctx, link)
		close(done)
	}()

	link.notif <- negotiation.StateFailed

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected supervisor to abandon silently")
	}
	assert.Equal(t, 0, rebuilder.built(), "no rebuild for a departed peer")
}

func TestRetriesExhausted(t *testing.T) {
	link := newFakeLink("peer")
	presence := &fakePresence{paired: true}
	rebuilder := &fakeRebuilder{next: func() *fakeLink { return newFakeLink("peer") }}

	s := New(fastConfig(), nil, presence, rebuilder)

	var exhaustedMu sync.Mutex
	var exhausted []string
	s.OnExhausted = func(remoteID string) {
		exhaustedMu.Lock()
		exhausted = append(exhausted, remoteID)
		exhaustedMu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Watch(ctx, link)
		close(done)
	}()

	start := time.Now()
	link.notif <- negotiation.StateFailed

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor must not retry indefinitely")
	}

	assert.Equal(t, 3, rebuilder.built(), "one rebuild per attempt")
	exhaustedMu.Lock()
	assert.Equal(t, []string{"peer"}, exhausted)
	exhaustedMu.Unlock()

	// Bounded by attempts x (backoff + await timeout), with slack.
	assert.Less(t, time.Since(start), 3*time.Second)

	rebuilder.mu.Lock()
	for _, l := range rebuilder.links {
		assert.True(t, l.isClosed(), "failed attempts are torn down")
	}
	rebuilder.mu.Unlock()
}

func TestCancellationStopsTimers(t *testing.T) {
	link := newFakeLink("peer")
	presence := &fakePresence{paired: true}
	rebuilder := &fakeRebuilder{next: func() *fakeLink { return newFakeLink("peer") }}

	cfg := fastConfig()
	cfg.BackoffBase = time.Hour // would hang forever without cancellation
	s := New(cfg, nil, presence, rebuilder)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Watch(ctx, link)
		close(done)
	}()

	link.notif <- negotiation.StateFailed
	require.Eventually(t, func() bool { return link.isClosed() }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected cancellation to cut the backoff wait")
	}
	assert.Equal(t, 0, rebuilder.built())
}
