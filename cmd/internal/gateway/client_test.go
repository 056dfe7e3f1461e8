package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sigpad/cmd/internal/capture"
	"sigpad/cmd/internal/fault"
	"sigpad/cmd/internal/identity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPad = "6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f"

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, testPad, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "ftp://x", "http://", "::"} {
		_, err := New(in, testPad)
		assert.True(t, fault.IsConfiguration(err), "url %q", in)
	}
	_, err := New("http://localhost", " ")
	assert.True(t, fault.IsConfiguration(err))
}

func TestLookupIdentity(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/userinfo", r.URL.Path)
		assert.Equal(t, testPad, r.Header.Get("SIGNATURE_PAD_UUID"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		switch {
		case r.URL.Query().Get("userid") == "0000000123":
			_, _ = io.WriteString(w, `{"uid":"0000000123","firstname":"Ada","lastname":"Lovelace","mail":"ada@example.org","home":{"city":"London","country":"UK"}}`)
		case r.URL.Query().Get("card") == "123456789012":
			_, _ = io.WriteString(w, `{"uid":"u-2","firstname":"Grace","lastname":"Hopper"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	got, err := c.LookupIdentity(context.Background(), identity.SubjectID("0000000123"))
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", got.Name())
	assert.Equal(t, "ada@example.org", got.Mail)
	assert.Equal(t, "London, UK", got.Home.Line())

	got, err = c.LookupIdentity(context.Background(), identity.CardCode("123456789012"))
	require.NoError(t, err)
	assert.Equal(t, "u-2", got.UID)

	_, err = c.LookupIdentity(context.Background(), identity.SubjectID("nobody"))
	assert.True(t, fault.IsNotFound(err))
	assert.False(t, fault.IsTransport(err))
}

func TestLookupIdentity_TransportFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, testPad)
	require.NoError(t, err)

	_, err = c.LookupIdentity(context.Background(), identity.SubjectID("x"))
	assert.True(t, fault.IsTransport(err))
	assert.False(t, fault.IsNotFound(err))
}

func TestLookupIdentity_BadPayloadIsTransport(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"uid":`)
	})
	_, err := c.LookupIdentity(context.Background(), identity.SubjectID("x"))
	assert.True(t, fault.IsTransport(err))
}

func TestUploadPhoto(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/signature-pad/photo", r.URL.Path)
		assert.Equal(t, testPad, r.Header.Get("SIGNATURE_PAD_UUID"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "123456789012", r.FormValue("cardNumber"))
		assert.Equal(t, "back", r.FormValue("side"))

		f, fh, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		assert.Equal(t, "card-back.jpg", fh.Filename)
		b, _ := io.ReadAll(f)
		assert.Equal(t, []byte{0xff, 0xd8, 0xff}, b)

		_, _ = io.WriteString(w, `{}`)
	})

	err := c.UploadPhoto(context.Background(), identity.CardCode("123456789012"), capture.Back, capture.Photo{
		Filename:    "card-back.jpg",
		ContentType: "image/jpeg",
		Data:        []byte{0xff, 0xd8, 0xff},
	})
	require.NoError(t, err)
}

func TestUploadPhoto_SubjectIDField(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "0000000123", r.FormValue("subjectId"))
		assert.Empty(t, r.FormValue("cardNumber"))
		assert.Equal(t, "front", r.FormValue("side"))
		w.WriteHeader(http.StatusOK)
	})

	err := c.UploadPhoto(context.Background(), identity.SubjectID("0000000123"), capture.Front, capture.Photo{Data: []byte{1}})
	require.NoError(t, err)
}

func TestSubmitSignature(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/signature-pad/signature", r.URL.Path)
		assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		if string(b) == "good.token.sig" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "signature rejected")
	})

	require.NoError(t, c.SubmitSignature(context.Background(), "good.token.sig"))

	err := c.SubmitSignature(context.Background(), "bad.token.sig")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrServerRejection))
	var re fault.RejectionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusInternalServerError, re.Status)
	assert.Equal(t, "signature rejected", re.Body)
}

func TestCancelSignature(t *testing.T) {
	t.Parallel()

	at := time.UnixMilli(1700000000123)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/signature-pad/cancel", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var p map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "u-1", p["subjectId"])
		assert.EqualValues(t, 1700000000123, p["timestamp"])
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.CancelSignature(context.Background(), "u-1", at))
}
