package signing

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sigpad/cmd/internal/capture"
	"sigpad/cmd/internal/device"
	"sigpad/cmd/internal/device/devicetest"
	"sigpad/cmd/internal/fault"
	"sigpad/cmd/internal/identity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var issued = time.Date(2025, 6, 2, 9, 30, 15, 500_000_000, time.UTC)

func testInput(t *testing.T) Input {
	t.Helper()
	return Input{
		Device:    devicetest.Identity(t, devicetest.PadID, "Front desk"),
		Subject:   &identity.Identity{UID: "0000000123", FirstName: "Ada", LastName: "Lovelace", Mail: "ada@example.org"},
		Signature: &capture.Signature{PNG: []byte("png-bytes"), SVG: []byte("<svg/>"), Strokes: 3},
	}
}

func TestBuildAssertion(t *testing.T) {
	t.Parallel()

	a, err := BuildAssertion(testInput(t), issued)
	require.NoError(t, err)

	assert.Equal(t, devicetest.PadID, a.Issuer)
	assert.Equal(t, "Front desk", a.PadLabel)
	assert.Equal(t, "0000000123", a.SubjectID)
	assert.Equal(t, "Ada Lovelace", a.SubjectName)
	assert.Equal(t, "ada@example.org", a.SubjectMail)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), a.SignaturePNG)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("<svg/>")), a.SignatureSVG)
	assert.Equal(t, issued.Truncate(time.Second), a.IssuedAt)
}

func TestBuildAssertion_Rejects(t *testing.T) {
	t.Parallel()

	in := testInput(t)
	in.Signature = &capture.Signature{}
	_, err := BuildAssertion(in, issued)
	assert.True(t, fault.IsValidation(err), "blank canvas")

	in = testInput(t)
	in.Signature = nil
	_, err = BuildAssertion(in, issued)
	assert.True(t, fault.IsValidation(err), "no signature")

	in = testInput(t)
	in.Subject = nil
	_, err = BuildAssertion(in, issued)
	assert.True(t, fault.IsValidation(err), "no identity")

	in = testInput(t)
	in.Device = device.Identity{}
	_, err = BuildAssertion(in, issued)
	assert.True(t, fault.IsConfiguration(err), "unregistered device")
}

func TestSign_DeterministicAndVerifiable(t *testing.T) {
	t.Parallel()

	in := testInput(t)
	a, err := BuildAssertion(in, issued)
	require.NoError(t, err)

	s := NewSigner(in.Device)
	first, err := s.Sign(a)
	require.NoError(t, err)
	second, err := s.Sign(a)
	require.NoError(t, err)
	assert.Equal(t, first.Token, second.Token)
	assert.Len(t, strings.Split(first.Token, "."), 3)

	key, err := in.Device.SigningKey()
	require.NoError(t, err)

	got, err := Verify(first.Token, key.Public(), key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestSign_Ed25519(t *testing.T) {
	t.Parallel()

	k := devicetest.Ed25519Key(t)
	ident, err := device.NewIdentity(devicetest.PadID, "ed", &device.SigningKey{KeyID: "ed-1", Private: k})
	require.NoError(t, err)

	in := testInput(t)
	in.Device = ident
	a, err := BuildAssertion(in, issued)
	require.NoError(t, err)

	sa, err := NewSigner(ident).Sign(a)
	require.NoError(t, err)

	got, err := Verify(sa.Token, k.Public(), "ed-1")
	require.NoError(t, err)
	assert.Equal(t, "0000000123", got.SubjectID)
}

func TestVerify_RejectsTamperingAndWrongKey(t *testing.T) {
	t.Parallel()

	in := testInput(t)
	a, err := BuildAssertion(in, issued)
	require.NoError(t, err)
	sa, err := NewSigner(in.Device).Sign(a)
	require.NoError(t, err)
	key, _ := in.Device.SigningKey()

	parts := strings.Split(sa.Token, ".")
	other := a
	other.SubjectID = "someone-else"
	forged, err := NewSigner(in.Device).Sign(other)
	require.NoError(t, err)
	tampered := parts[0] + "." + strings.Split(forged.Token, ".")[1] + "." + parts[2]

	_, err = Verify(tampered, key.Public(), key.KeyID)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = Verify(sa.Token, key.Public(), "another-kid")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = Verify(sa.Token, devicetest.Ed25519Key(t).Public(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSign_MissingKeyIsConfigurationError(t *testing.T) {
	t.Parallel()

	ident, err := device.NewIdentity(devicetest.PadID, "no key", nil)
	require.NoError(t, err)

	in := testInput(t)
	in.Device = ident
	a, err := BuildAssertion(in, issued)
	require.NoError(t, err)

	_, err = NewSigner(ident).Sign(a)
	assert.True(t, fault.IsConfiguration(err))
	assert.ErrorIs(t, err, device.ErrSigningKeyMissing)
}

type gatewayFunc func(ctx context.Context, token string) error

func (f gatewayFunc) SubmitSignature(ctx context.Context, token string) error { return f(ctx, token) }

func TestSubmitter_ExactlyOncePerSession(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	sub := NewSubmitter(gatewayFunc(func(_ context.Context, token string) error {
		calls.Add(1)
		if token == "bad" {
			return fault.RejectionError{Op: "test", Status: 500, Body: "signature rejected"}
		}
		return nil
	}), nil)

	require.NoError(t, sub.Submit(context.Background(), "s1", SignedAssertion{Token: "ok"}))
	assert.ErrorIs(t, sub.Submit(context.Background(), "s1", SignedAssertion{Token: "ok"}), ErrAlreadySubmitted)

	err := sub.Submit(context.Background(), "s2", SignedAssertion{Token: "bad"})
	body, ok := fault.RejectionText(err)
	require.True(t, ok)
	assert.Equal(t, "signature rejected", body)
	assert.ErrorIs(t, sub.Submit(context.Background(), "s2", SignedAssertion{Token: "ok"}), ErrAlreadySubmitted, "no retry after rejection")

	assert.EqualValues(t, 2, calls.Load())
}

func TestSubmitter_RemembersRecentSessionsOnly(t *testing.T) {
	t.Parallel()

	sub := NewSubmitter(gatewayFunc(func(context.Context, string) error { return nil }), nil)
	ctx := context.Background()

	total := recentSessions + 4
	for i := 0; i < total; i++ {
		require.NoError(t, sub.Submit(ctx, fmt.Sprintf("s%02d", i), SignedAssertion{Token: "ok"}))
	}

	for i := total - recentSessions; i < total; i++ {
		assert.ErrorIs(t, sub.Submit(ctx, fmt.Sprintf("s%02d", i), SignedAssertion{Token: "ok"}), ErrAlreadySubmitted)
	}
	assert.Len(t, sub.sent, recentSessions)
}

func TestSubmitter_UnclassifiedErrorsAreTransport(t *testing.T) {
	t.Parallel()

	sub := NewSubmitter(gatewayFunc(func(context.Context, string) error { return errors.New("reset by peer") }), nil)
	err := sub.Submit(context.Background(), "s1", SignedAssertion{Token: "x"})
	assert.True(t, fault.IsTransport(err))
}
