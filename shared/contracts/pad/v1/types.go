package v1

import (
	"strings"
	"time"
)

// RemoteEvent is the decoded form of an inbound Frame.
// Concrete types: Heartbeat, Present, Error, Hide, Clear.
type RemoteEvent interface {
	remoteEvent()
}

// Heartbeat confirms channel liveness.
type Heartbeat struct {
	At time.Time
}

// Present names a subject to identify and capture.
type Present struct {
	SubjectRef string
}

// Error carries a server message for display.
type Error struct {
	Message string
}

// Hide withdraws the current subject.
type Hide struct {
	Reason string
}

// Clear asks for the signature surface to be wiped.
type Clear struct{}

func (Heartbeat) remoteEvent() {}
func (Present) remoteEvent()   {}
func (Error) remoteEvent()     {}
func (Hide) remoteEvent()      {}
func (Clear) remoteEvent()     {}

// RemoteEvent converts a validated frame into its tagged form.
// Call Validate first; unknown events map to nil.
func (f Frame) RemoteEvent() RemoteEvent {
	switch f.Event {
	case EventHeartbeat:
		var at time.Time
		if f.Timestamp > 0 {
			at = time.UnixMilli(f.Timestamp).UTC()
		}
		return Heartbeat{At: at}
	case EventShow:
		return Present{SubjectRef: strings.TrimSpace(f.Message)}
	case EventError:
		return Error{Message: f.Message}
	case EventHide, EventRemove:
		return Hide{Reason: f.Message}
	case EventClear:
		return Clear{}
	default:
		return nil
	}
}

// NewFrame builds an outbound frame the way servers emit them (used by test servers and tools).
func NewFrame(event, message string, now time.Time) Frame {
	return Frame{Event: event, Timestamp: now.UnixMilli(), Message: message}
}
