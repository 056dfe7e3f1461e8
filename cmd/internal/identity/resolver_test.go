package identity

import (
	"context"
	"errors"
	"testing"

	"sigpad/cmd/internal/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lookupFunc func(ctx context.Context, ref SubjectRef) (Identity, error)

func (f lookupFunc) LookupIdentity(ctx context.Context, ref SubjectRef) (Identity, error) {
	return f(ctx, ref)
}

func directory(ctx context.Context, ref SubjectRef) (Identity, error) {
	switch ref.Value {
	case "A":
		return Identity{UID: "uid-a", FirstName: "Alice"}, nil
	case "B":
		return Identity{UID: "uid-b", FirstName: "Bob"}, nil
	case "down":
		return Identity{}, errors.New("connection refused")
	default:
		return Identity{}, fault.OpError{Op: "test", Kind: fault.ErrNotFound}
	}
}

func TestResolver_LaterBeginSupersedesEarlierResult(t *testing.T) {
	t.Parallel()

	r := NewResolver(lookupFunc(directory), nil)

	ta := r.Begin("s1", SubjectID("A"))
	tb := r.Begin("s2", SubjectID("B"))

	// B completes first, A arrives late.
	resB := r.Resolve(context.Background(), tb)
	resA := r.Resolve(context.Background(), ta)

	id, ok := r.Accept(resB)
	require.True(t, ok)
	assert.Equal(t, "uid-b", id.UID)

	_, ok = r.Accept(resA)
	assert.False(t, ok, "A's result belongs to a superseded session")

	_, ok = r.Accept(resB)
	assert.False(t, ok, "a result is accepted once")
}

func TestResolver_SameSubjectPresentedTwice(t *testing.T) {
	t.Parallel()

	r := NewResolver(lookupFunc(directory), nil)

	first := r.Begin("s1", SubjectID("A"))
	second := r.Begin("s2", SubjectID("A"))

	_, ok := r.Accept(r.Resolve(context.Background(), first))
	assert.False(t, ok, "same subject, older ticket")

	_, ok = r.Accept(r.Resolve(context.Background(), second))
	assert.True(t, ok)
}

func TestResolver_ErrorClassification(t *testing.T) {
	t.Parallel()

	r := NewResolver(lookupFunc(directory), nil)

	res := r.Resolve(context.Background(), r.Begin("s1", SubjectID("missing")))
	assert.True(t, fault.IsNotFound(res.Err))

	res = r.Resolve(context.Background(), r.Begin("s2", SubjectID("down")))
	assert.True(t, fault.IsTransport(res.Err))

	id, ok := r.Accept(res)
	assert.True(t, ok, "a failed result for the active ticket is still accepted")
	assert.Zero(t, id)

	res = r.Resolve(context.Background(), r.Begin("s3", SubjectID("  ")))
	assert.True(t, fault.IsValidation(res.Err))
}

func TestResolver_ResetDiscardsInFlight(t *testing.T) {
	t.Parallel()

	r := NewResolver(lookupFunc(directory), nil)
	tk := r.Begin("s1", SubjectID("A"))
	r.Reset()

	_, ok := r.Accept(r.Resolve(context.Background(), tk))
	assert.False(t, ok)
}
