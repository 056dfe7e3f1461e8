package padsim

import (
	"log/slog"
	"sort"
	"sync"

	v1 "sigpad/shared/contracts/pad/v1"
)

// Hub tracks connected pads by pad id. A pad may hold more than one channel
// while a stale connection is being torn down.
type Hub struct {
	log *slog.Logger

	mu   sync.RWMutex
	pads map[string]map[string]*Pad
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, pads: make(map[string]map[string]*Pad)}
}

// Join registers p.
func (h *Hub) Join(p *Pad) {
	if h == nil || p == nil || p.ConnID == "" {
		return
	}

	h.mu.Lock()
	conns := h.pads[p.ID]
	if conns == nil {
		conns = make(map[string]*Pad)
		h.pads[p.ID] = conns
	}
	conns[p.ConnID] = p
	h.mu.Unlock()

	h.log.Info("padsim.pad.join", "pad_id", p.ID, "conn_id", p.ConnID)
}

// Leave unregisters p and then closes it, so no pusher holds a closed pad.
func (h *Hub) Leave(p *Pad) {
	if h == nil || p == nil {
		return
	}

	h.mu.Lock()
	if conns := h.pads[p.ID]; conns != nil {
		delete(conns, p.ConnID)
		if len(conns) == 0 {
			delete(h.pads, p.ID)
		}
	}
	h.mu.Unlock()

	p.Close()
	h.log.Info("padsim.pad.leave", "pad_id", p.ID, "conn_id", p.ConnID)
}

// Push queues f on every channel of padID and returns how many accepted it.
// It never blocks; full queues drop the frame.
func (h *Hub) Push(padID string, f v1.Frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, p := range h.pads[padID] {
		if p.offer(f) {
			n++
		} else {
			h.log.Warn("padsim.push.dropped", "pad_id", padID, "conn_id", p.ConnID, "event", f.Event)
		}
	}
	return n
}

// Kick closes every channel of padID and returns how many were open.
func (h *Hub) Kick(padID string) int {
	h.mu.RLock()
	pads := make([]*Pad, 0, len(h.pads[padID]))
	for _, p := range h.pads[padID] {
		pads = append(pads, p)
	}
	h.mu.RUnlock()

	for _, p := range pads {
		p.Close()
	}
	return len(pads)
}

// Connected lists the pad ids with at least one open channel.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.pads))
	for id := range h.pads {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
