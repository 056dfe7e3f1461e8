// Package v1 defines the signature pad channel protocol v1.
//
// This package is intentionally stable and dependency-light.
// It is shared between the kiosk client and test servers to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SubprotocolCredential is the first WebSocket subprotocol offered by a pad.
// The second one is the pad UUID itself.
const SubprotocolCredential = "SIGNATURE_PAD_UUID"

// PadUUIDHeader carries the pad UUID on every HTTP capability call.
const PadUUIDHeader = "SIGNATURE_PAD_UUID"

// Event names (wire-stable).
const (
	// EventHeartbeat is a periodic liveness frame (server -> pad).
	EventHeartbeat = "heartbeat"
	// EventShow names a subject to identify and capture (server -> pad).
	EventShow = "show"
	// EventError carries a display message (server -> pad).
	EventError = "error"

	// EventHide withdraws the current subject, e.g. after a server side timeout.
	EventHide = "hide"
	// EventRemove is an older alias of EventHide still sent by some servers.
	EventRemove = "remove"
	// EventClear asks the pad to wipe the signature surface.
	EventClear = "clear"
)

// Subprotocols returns the subprotocol list a pad offers when dialing.
func Subprotocols(padID string) []string {
	return []string{SubprotocolCredential, padID}
}

// Frame is the canonical inbound wire object.
type Frame struct {
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Validate performs strict structural validation for a Frame.
func (f Frame) Validate() error {
	if strings.TrimSpace(f.Event) == "" {
		return errors.New("missing field: event")
	}

	switch f.Event {
	case EventHeartbeat, EventError, EventHide, EventRemove, EventClear:
		return nil
	case EventShow:
		if strings.TrimSpace(f.Message) == "" {
			return errors.New("show: missing subject reference")
		}
		return nil
	default:
		return fmt.Errorf("unknown event: %q", f.Event)
	}
}

// Decode parses and validates a raw frame into a RemoteEvent.
func Decode(data []byte) (RemoteEvent, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("bad json: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f.RemoteEvent(), nil
}
