// Package identity resolves subjects and binds the result to exactly one live session.
//
// Lookups cannot be aborted once sent, so every request is tagged with a Ticket.
// Only the result carrying the most recently issued ticket is accepted; anything
// older arrives for a superseded session and is discarded.
package identity

import (
	"context"
	"log/slog"
	"sync"

	"sigpad/cmd/internal/fault"
)

// Lookup is the capability that maps a SubjectRef to an Identity.
type Lookup interface {
	LookupIdentity(ctx context.Context, ref SubjectRef) (Identity, error)
}

// Ticket tags one resolution request.
type Ticket struct {
	SessionID string
	Ref       SubjectRef
	seq       uint64
}

// Result is a completed resolution; Err is nil, fault.ErrNotFound or fault.ErrTransport.
type Result struct {
	Ticket   Ticket
	Identity Identity
	Err      error
}

// Resolver tracks which subject the live session is waiting for.
type Resolver struct {
	log    *slog.Logger
	lookup Lookup

	mu     sync.Mutex
	seq    uint64
	active *Ticket
}

// NewResolver constructs a Resolver over lookup.
func NewResolver(lookup Lookup, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{log: log, lookup: lookup}
}

// Begin issues a ticket for ref and makes it the only acceptable one.
// Any resolution still in flight becomes stale.
func (r *Resolver) Begin(sessionID string, ref SubjectRef) Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	t := Ticket{SessionID: sessionID, Ref: ref, seq: r.seq}
	r.active = &t
	return t
}

// Resolve performs the lookup for t. It blocks; callers run it off the event loop.
func (r *Resolver) Resolve(ctx context.Context, t Ticket) Result {
	const op = "identity.Resolve"

	if t.Ref.IsZero() {
		return Result{Ticket: t, Err: fault.Validation(op, "empty subject reference")}
	}

	id, err := r.lookup.LookupIdentity(ctx, t.Ref)
	if err != nil {
		// Anything the lookup did not classify (including a cancelled context) is a transport failure.
		if !fault.IsNotFound(err) && !fault.IsTransport(err) {
			err = fault.Transport(op, err)
		}
		return Result{Ticket: t, Err: err}
	}
	return Result{Ticket: t, Identity: id}
}

// Accept reports whether res belongs to the active ticket.
// Stale results are dropped.
func (r *Resolver) Accept(res Result) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil || r.active.seq != res.Ticket.seq || r.active.Ref != res.Ticket.Ref {
		r.log.Debug("identity.result.stale",
			"session_id", res.Ticket.SessionID,
			"subject", res.Ticket.Ref.String(),
		)
		return Identity{}, false
	}

	r.active = nil
	if res.Err != nil {
		return Identity{}, true
	}
	return res.Identity, true
}

// Reset drops the active ticket.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = nil
}
