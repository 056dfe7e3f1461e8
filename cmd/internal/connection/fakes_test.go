package connection

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	v1 "sigpad/shared/contracts/pad/v1"
)

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	c       *manualClock
	at      time.Time
	every   time.Duration
	f       func()
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.add(d, 0, f)
}

func (c *manualClock) Every(d time.Duration, f func()) Timer {
	return c.add(d, d, f)
}

func (c *manualClock) add(d, every time.Duration, f func()) *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{c: c, at: c.now.Add(d), every: every, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward by d, firing due timers in time order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *manualTimer
		for _, t := range c.timers {
			if t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		c.now = next.at
		if next.every > 0 {
			next.at = next.at.Add(next.every)
		} else {
			next.stopped = true
		}
		f := next.f
		c.mu.Unlock()
		f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// fakeChannel is a Channel the test writes frames into.
type fakeChannel struct {
	frames chan []byte
	remote chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		frames: make(chan []byte, 64),
		remote: make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.frames:
		return b, nil
	case err := <-c.remote:
		return nil, err
	case <-c.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeChannel) send(frame string) { c.frames <- []byte(frame) }

// fakeDialer hands out a new fakeChannel per Dial unless told to fail.
type fakeDialer struct {
	mu       sync.Mutex
	calls    int
	failures int
	dialed   chan *fakeChannel
}

func newFakeDialer(failures int) *fakeDialer {
	return &fakeDialer{failures: failures, dialed: make(chan *fakeChannel, 16)}
}

func (d *fakeDialer) Dial(context.Context) (Channel, error) {
	d.mu.Lock()
	d.calls++
	fail := d.failures > 0
	if fail {
		d.failures--
	}
	d.mu.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}
	ch := newFakeChannel()
	d.dialed <- ch
	return ch, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type harness struct {
	m       *Manager
	clock   *manualClock
	dialer  *fakeDialer
	changes chan StateChange
	events  chan v1.RemoteEvent
}

const waitFor = 2 * time.Second

func startHarness(tb testing.TB, dialFailures int, opts ...Option) *harness {
	tb.Helper()

	h := &harness{
		clock:   newManualClock(),
		dialer:  newFakeDialer(dialFailures),
		changes: make(chan StateChange, 64),
		events:  make(chan v1.RemoteEvent, 256),
	}
	h.m = New(h.dialer, append([]Option{WithClock(h.clock)}, opts...)...)
	h.m.Subscribe(func(c StateChange) { h.changes <- c })

	ctx, cancel := context.WithCancel(context.Background())
	h.m.Connect(ctx, func(e v1.RemoteEvent) { h.events <- e })
	tb.Cleanup(func() {
		cancel()
		<-h.m.Done()
	})
	return h
}

// next returns the next state change, or false on timeout.
func (h *harness) next() (StateChange, bool) {
	select {
	case c := <-h.changes:
		return c, true
	case <-time.After(waitFor):
		return StateChange{}, false
	}
}

func (h *harness) expect(tb testing.TB, to State) StateChange {
	tb.Helper()
	c, ok := h.next()
	if !ok {
		tb.Fatalf("timed out waiting for %s", to)
	}
	if c.To != to {
		tb.Fatalf("state change: got %s -> %s (%s), want -> %s", c.From, c.To, c.Reason, to)
	}
	return c
}

func (h *harness) channel(tb testing.TB) *fakeChannel {
	tb.Helper()
	select {
	case ch := <-h.dialer.dialed:
		return ch
	case <-time.After(waitFor):
		tb.Fatalf("timed out waiting for dial")
		return nil
	}
}

func (h *harness) event() (v1.RemoteEvent, bool) {
	select {
	case e := <-h.events:
		return e, true
	case <-time.After(waitFor):
		return nil, false
	}
}
