// Package connection keeps the kiosk's persistent channel to the server open.
//
// The Manager owns the channel and its state. A single loop goroutine
// handles dial results, inbound frames, liveness checks and reconnects, so
// state changes and event delivery happen in arrival order.
//
// Liveness: every heartbeat moves the deadline to now+30s; a check every 15s
// marks the channel Degraded once the deadline has passed and force-closes it.
// Every close or dial failure schedules a reconnect after exactly 10s, forever.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sigpad/cmd/internal/telemetry"
	v1 "sigpad/shared/contracts/pad/v1"

	"golang.org/x/time/rate"
)

const (
	HeartbeatTimeout = 30 * time.Second
	LivenessInterval = 15 * time.Second
	ReconnectDelay   = 10 * time.Second

	eventQueueSize = 64
)

// State is the channel lifecycle state.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

var allStates = []string{
	Disconnected.String(),
	Connecting.String(),
	Connected.String(),
	Degraded.String(),
}

// StateChange is delivered to subscribers on every transition.
// Recovered is set on the first open after the channel had been lost.
type StateChange struct {
	From      State
	To        State
	Recovered bool
	Reason    string
	At        time.Time
}

// Lost reports whether the change ends an open channel.
func (c StateChange) Lost() bool {
	return c.To == Disconnected && (c.From == Connected || c.From == Degraded)
}

// Handler receives decoded inbound events. It runs on the manager loop and
// must not block.
type Handler func(v1.RemoteEvent)

// Option configures optional Manager dependencies.
type Option func(*Manager)

func WithClock(c Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithHeartbeatCheck turns liveness enforcement on or off (default on).
func WithHeartbeatCheck(enabled bool) Option {
	return func(m *Manager) { m.checkLiveness = enabled }
}

// Manager owns the persistent channel.
type Manager struct {
	log           *slog.Logger
	clock         Clock
	dialer        Dialer
	metrics       *telemetry.Metrics
	checkLiveness bool

	malformedLog rate.Sometimes

	events    chan event
	startOnce sync.Once
	done      chan struct{}

	mu    sync.RWMutex
	state State
	subs  []subscriber
	subID int

	// Loop-owned.
	handler    Handler
	gen        uint64
	ch         Channel
	deadline   time.Time
	lost       bool
	liveness   Timer
	retry      Timer
	cancelRead context.CancelFunc
}

// New constructs a Manager. Nothing happens until Connect.
func New(d Dialer, opts ...Option) *Manager {
	m := &Manager{
		log:           slog.Default(),
		clock:         realClock{},
		dialer:        d,
		checkLiveness: true,
		malformedLog:  rate.Sometimes{First: 3, Interval: 10 * time.Second},
		events:        make(chan event, eventQueueSize),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(m)
	}
	return m
}

// Connect starts the manager loop and the first dial. Outcomes are
// asynchronous and observed through Subscribe and Status. The loop stops
// when ctx is done. Calling Connect again has no effect.
func (m *Manager) Connect(ctx context.Context, h Handler) {
	m.startOnce.Do(func() {
		if h == nil {
			h = func(v1.RemoteEvent) {}
		}
		m.handler = h
		m.metrics.SetConnectionState(Disconnected.String(), allStates)
		go m.run(ctx)
	})
}

// Done is closed once the loop has stopped.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Status returns the current state.
func (m *Manager) Status() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers fn for state changes and returns its cancel func.
// fn runs on the manager loop and must not block.
func (m *Manager) Subscribe(fn func(StateChange)) (cancel func()) {
	m.mu.Lock()
	id := m.subID
	m.subID++
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

type subscriber struct {
	id int
	fn func(StateChange)
}

// ---- loop ----

type eventKind uint8

const (
	evDialed eventKind = iota + 1
	evFrame
	evReadErr
	evCheck
	evRetry
)

type event struct {
	kind eventKind
	gen  uint64
	ch   Channel
	data []byte
	err  error
	at   time.Time
}

func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	m.dial(ctx)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case ev := <-m.events:
			switch ev.kind {
			case evDialed:
				m.onDialed(ctx, ev)
			case evFrame:
				m.onFrame(ev)
			case evReadErr:
				m.onReadErr(ev)
			case evCheck:
				m.onCheck(ev)
			case evRetry:
				m.retry = nil
				if m.Status() == Disconnected {
					m.dial(ctx)
				}
			}
		}
	}
}

func (m *Manager) dial(ctx context.Context) {
	m.gen++
	gen := m.gen
	m.transition(Connecting, false, "dial")
	m.log.Debug("ws.dial", "attempt", gen)

	go func() {
		ch, err := m.dialer.Dial(ctx)
		m.post(event{kind: evDialed, gen: gen, ch: ch, err: err})
	}()
}

func (m *Manager) onDialed(ctx context.Context, ev event) {
	if ev.gen != m.gen {
		if ev.ch != nil {
			go func() { _ = ev.ch.Close("superseded") }()
		}
		return
	}
	if ev.err != nil {
		m.log.Info("ws.dial.fail", "attempt", ev.gen, "err", ev.err)
		m.drop("dial failed")
		return
	}

	now := m.clock.Now()
	m.ch = ev.ch
	m.deadline = now.Add(HeartbeatTimeout)

	rctx, cancel := context.WithCancel(ctx)
	m.cancelRead = cancel
	go m.readLoop(rctx, ev.gen, ev.ch)

	if m.checkLiveness {
		gen := ev.gen
		m.liveness = m.clock.Every(LivenessInterval, func() {
			m.post(event{kind: evCheck, gen: gen, at: m.clock.Now()})
		})
	}

	recovered := m.lost
	m.lost = false
	m.log.Info("ws.open", "attempt", ev.gen, "recovered", recovered)
	m.transition(Connected, recovered, "open")
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, ch Channel) {
	for {
		data, err := ch.Read(ctx)
		if err != nil {
			m.post(event{kind: evReadErr, gen: gen, err: err})
			return
		}
		m.post(event{kind: evFrame, gen: gen, data: data})
	}
}

func (m *Manager) onFrame(ev event) {
	if ev.gen != m.gen || m.ch == nil {
		return
	}

	re, err := v1.Decode(ev.data)
	if err != nil {
		m.metrics.IncMalformed()
		m.malformedLog.Do(func() {
			m.log.Warn("ws.frame.malformed", "bytes", len(ev.data), "err", err)
		})
		return
	}

	if _, ok := re.(v1.Heartbeat); ok {
		m.deadline = m.clock.Now().Add(HeartbeatTimeout)
		m.metrics.IncHeartbeat()
	}
	m.handler(re)
}

func (m *Manager) onReadErr(ev event) {
	if ev.gen != m.gen || m.ch == nil {
		return
	}
	kind := classifyReadErr(ev.err)
	m.log.Info("ws.close", "attempt", ev.gen, "reason", kind.String(), "err", ev.err)
	m.drop(kind.String())
}

func (m *Manager) onCheck(ev event) {
	if ev.gen != m.gen || m.ch == nil {
		return
	}
	if !ev.at.After(m.deadline) {
		return
	}

	m.log.Warn("ws.liveness.lost", "attempt", ev.gen, "deadline", m.deadline, "checked_at", ev.at)
	m.metrics.IncLivenessLost()
	m.transition(Degraded, false, "heartbeat deadline passed")
	m.drop("liveness lost")
}

// drop ends the current attempt and schedules the next one.
func (m *Manager) drop(reason string) {
	m.release(reason)

	m.retry = m.clock.AfterFunc(ReconnectDelay, func() {
		m.post(event{kind: evRetry})
	})
	m.metrics.IncReconnect()
	m.log.Info("ws.reconnect.scheduled", "in", ReconnectDelay, "reason", reason)

	m.transition(Disconnected, false, reason)
}

// release closes the current channel and invalidates its attempt.
func (m *Manager) release(reason string) {
	if m.liveness != nil {
		m.liveness.Stop()
		m.liveness = nil
	}
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	if m.ch != nil {
		ch := m.ch
		go func() { _ = ch.Close(reason) }()
		m.ch = nil
		m.lost = true
	}
	m.gen++
}

func (m *Manager) shutdown() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.release("shutdown")
	m.transition(Disconnected, false, "shutdown")
	m.log.Info("ws.stopped")
}

func (m *Manager) transition(to State, recovered bool, reason string) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	subs := make([]func(StateChange), 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s.fn)
	}
	m.mu.Unlock()

	m.metrics.SetConnectionState(to.String(), allStates)
	change := StateChange{From: from, To: to, Recovered: recovered, Reason: reason, At: m.clock.Now()}
	for _, fn := range subs {
		fn(change)
	}
}
