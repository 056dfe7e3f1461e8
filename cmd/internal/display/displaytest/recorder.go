// Package displaytest records display calls for assertions.
package displaytest

import (
	"sync"
	"time"

	"sigpad/cmd/internal/display"
)

// Recorder implements display.Sink and display.Surface.
type Recorder struct {
	mu          sync.Mutex
	views       []display.View
	notices     []display.Notice
	beats       []time.Time
	connections []string
	surface     []string
	activateErr error
}

var (
	_ display.Sink    = (*Recorder)(nil)
	_ display.Surface = (*Recorder)(nil)
)

// FailActivate makes every subsequent Activate return err.
func (r *Recorder) FailActivate(err error) {
	r.mu.Lock()
	r.activateErr = err
	r.mu.Unlock()
}

func (r *Recorder) Render(v display.View) {
	r.mu.Lock()
	r.views = append(r.views, v)
	r.mu.Unlock()
}

func (r *Recorder) Notify(n display.Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *Recorder) Heartbeat(at time.Time) {
	r.mu.Lock()
	r.beats = append(r.beats, at)
	r.mu.Unlock()
}

func (r *Recorder) Connection(state string, _ bool) {
	r.mu.Lock()
	r.connections = append(r.connections, state)
	r.mu.Unlock()
}

func (r *Recorder) Activate(m display.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.surface = append(r.surface, "activate:"+string(m))
	return r.activateErr
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.surface = append(r.surface, "reset")
	r.mu.Unlock()
}

func (r *Recorder) Release() {
	r.mu.Lock()
	r.surface = append(r.surface, "release")
	r.mu.Unlock()
}

// States returns the rendered state names in order.
func (r *Recorder) States() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.views))
	for _, v := range r.views {
		out = append(out, v.State)
	}
	return out
}

// Views returns a copy of every rendered view.
func (r *Recorder) Views() []display.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]display.View(nil), r.views...)
}

// Notices returns a copy of every notice.
func (r *Recorder) Notices() []display.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]display.Notice(nil), r.notices...)
}

// LastNotice returns the most recent notice, if any.
func (r *Recorder) LastNotice() (display.Notice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notices) == 0 {
		return display.Notice{}, false
	}
	return r.notices[len(r.notices)-1], true
}

// Surface returns the capture surface calls in order.
func (r *Recorder) Surface() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.surface...)
}

// Connections returns the connection states reported in order.
func (r *Recorder) Connections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.connections...)
}

// Heartbeats returns the number of heartbeats shown.
func (r *Recorder) Heartbeats() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.beats)
}
