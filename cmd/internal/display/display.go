// Package display defines the capabilities the workflow renders through:
// a Sink for views and notices and a Surface for camera/signature capture.
// Rendering itself is external; this package ships log-backed adapters and
// a Board that keeps the latest state for the local control surface.
package display

import (
	"time"
)

// AlertDuration is how long a timed notice stays visible.
const AlertDuration = 3 * time.Second

// Level classifies a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is an operator-facing message. A zero Duration means permanent.
type Notice struct {
	Level    Level
	Title    string
	Text     string
	Duration time.Duration
}

// Permanent reports whether the notice stays until replaced.
func (n Notice) Permanent() bool { return n.Duration <= 0 }

// Timed builds a notice that disappears after AlertDuration.
func Timed(level Level, title, text string) Notice {
	return Notice{Level: level, Title: title, Text: text, Duration: AlertDuration}
}

// View is the render snapshot of the workflow.
type View struct {
	State      string `json:"state"`
	SessionID  string `json:"session_id,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Name       string `json:"name,omitempty"`
	FrontPhoto bool   `json:"front_photo"`
	BackPhoto  bool   `json:"back_photo"`
}

// Sink receives everything the kiosk shows.
type Sink interface {
	Render(View)
	Notify(Notice)
	Heartbeat(at time.Time)
	Connection(state string, recovered bool)
}

// Mode selects what the capture surface is used for.
type Mode string

const (
	ModeCamera    Mode = "camera"
	ModeSignature Mode = "signature"
)

// Surface is the capture hardware (camera preview or signature canvas).
type Surface interface {
	Activate(Mode) error
	Reset()
	Release()
}

type tee []Sink

// Tee fans every call out to sinks in order.
func Tee(sinks ...Sink) Sink {
	out := make(tee, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (t tee) Render(v View) {
	for _, s := range t {
		s.Render(v)
	}
}

func (t tee) Notify(n Notice) {
	for _, s := range t {
		s.Notify(n)
	}
}

func (t tee) Heartbeat(at time.Time) {
	for _, s := range t {
		s.Heartbeat(at)
	}
}

func (t tee) Connection(state string, recovered bool) {
	for _, s := range t {
		s.Connection(state, recovered)
	}
}
