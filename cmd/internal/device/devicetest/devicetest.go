// Package devicetest provides device identities and key material for tests.
package devicetest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"sigpad/cmd/internal/device"

	"github.com/lestrrat-go/jwx/jwk"
	"github.com/stretchr/testify/require"
)

// PadID is a stable registered pad UUID for tests.
const PadID = "6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f"

var (
	rsaOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

// RSAKey returns a process-wide 2048 bit test key (generated once).
func RSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	rsaOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = k
	})
	return rsaKey
}

// Ed25519Key returns a fresh Ed25519 key.
func Ed25519Key(t testing.TB) ed25519.PrivateKey {
	t.Helper()
	_, k, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return k
}

// Identity returns a registered identity signing with the shared RSA key.
func Identity(t testing.TB, padID, label string) device.Identity {
	t.Helper()
	ident, err := device.NewIdentity(padID, label, &device.SigningKey{KeyID: padID + "-1", Private: RSAKey(t)})
	require.NoError(t, err)
	return ident
}

// PrivateJWK encodes key as a JSON Web Key carrying kid.
func PrivateJWK(t testing.TB, key interface{}, kid string) string {
	t.Helper()
	k, err := jwk.New(key)
	require.NoError(t, err)
	if kid != "" {
		require.NoError(t, k.Set(jwk.KeyIDKey, kid))
	}
	b, err := json.Marshal(k)
	require.NoError(t, err)
	return string(b)
}

// PrivatePEM encodes key as a PKCS#8 PEM block.
func PrivatePEM(t testing.TB, key interface{}) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

// WriteFile writes content as a device file inside a temp dir and returns its path.
func WriteFile(t testing.TB, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}
