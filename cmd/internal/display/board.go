package display

import (
	"errors"
	"sync"
	"time"
)

// ErrPermanentNotice is returned when dismissing a notice that must stay up.
var ErrPermanentNotice = errors.New("notice cannot be dismissed")

// Board is a Sink that remembers the latest view, notice and connection
// status so a front-end can poll them.
type Board struct {
	now func() time.Time

	mu         sync.RWMutex
	view       View
	notice     Notice
	noticeAt   time.Time
	lastBeat   time.Time
	connection string
}

// BoardState is the polled form of a Board.
type BoardState struct {
	View          View       `json:"view"`
	Notice        *NoticeDTO `json:"notice,omitempty"`
	Connection    string     `json:"connection"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

type NoticeDTO struct {
	Level     Level  `json:"level"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text"`
	Permanent bool   `json:"permanent"`
}

func NewBoard(now func() time.Time) *Board {
	if now == nil {
		now = time.Now
	}
	return &Board{now: now, connection: "disconnected"}
}

func (b *Board) Render(v View) {
	b.mu.Lock()
	b.view = v
	b.mu.Unlock()
}

func (b *Board) Notify(n Notice) {
	b.mu.Lock()
	// A timed notice never hides a permanent one that is still showing.
	if !n.Permanent() && b.notice.Text != "" && b.notice.Permanent() {
		b.mu.Unlock()
		return
	}
	b.notice = n
	b.noticeAt = b.now()
	b.mu.Unlock()
}

// Dismiss hides the current timed notice before it expires.
// Permanent notices stay; dismissing with nothing showing is a no-op.
func (b *Board) Dismiss() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.notice.Text == "" {
		return nil
	}
	if b.notice.Permanent() {
		return ErrPermanentNotice
	}
	b.notice = Notice{}
	return nil
}

func (b *Board) Heartbeat(at time.Time) {
	b.mu.Lock()
	b.lastBeat = at
	b.mu.Unlock()
}

func (b *Board) Connection(state string, _ bool) {
	b.mu.Lock()
	b.connection = state
	b.mu.Unlock()
}

// Snapshot returns the current state; expired timed notices are omitted.
func (b *Board) Snapshot() BoardState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := BoardState{View: b.view, Connection: b.connection}
	if !b.lastBeat.IsZero() {
		at := b.lastBeat
		out.LastHeartbeat = &at
	}
	if b.notice.Text != "" && (b.notice.Permanent() || b.now().Before(b.noticeAt.Add(b.notice.Duration))) {
		out.Notice = &NoticeDTO{
			Level:     b.notice.Level,
			Title:     b.notice.Title,
			Text:      b.notice.Text,
			Permanent: b.notice.Permanent(),
		}
	}
	return out
}
