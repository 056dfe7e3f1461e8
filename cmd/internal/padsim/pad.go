package padsim

import (
	"sync"

	v1 "sigpad/shared/contracts/pad/v1"
)

// Pad is one connected signature pad channel.
//
// Send is never closed by the server so concurrent pushers cannot panic;
// done tells the writer to stop. Close is idempotent.
type Pad struct {
	ID     string
	ConnID string
	Send   chan v1.Frame

	done      chan struct{}
	closeOnce sync.Once
}

// NewPad constructs a Pad with a bounded send queue.
func NewPad(padID, connID string, sendQueueSize int) *Pad {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueue
	}
	return &Pad{
		ID:     padID,
		ConnID: connID,
		Send:   make(chan v1.Frame, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Done is closed when the channel is shutting down.
func (p *Pad) Done() <-chan struct{} {
	if p == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

// Close signals the pad goroutines to stop.
func (p *Pad) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() { close(p.done) })
}

// offer queues f without blocking; false means the frame was dropped.
func (p *Pad) offer(f v1.Frame) bool {
	select {
	case <-p.Done():
		return false
	default:
	}
	select {
	case p.Send <- f:
		return true
	default:
		return false
	}
}
