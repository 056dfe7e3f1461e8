// Package device loads the pad's immutable identity from local storage.
//
// The identity is read once at startup. A missing or invalid pad UUID puts the
// kiosk into the unregistered state; a missing or corrupt key keeps the pad
// registered but makes every signing attempt fail with a configuration error.
package device

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"sigpad/cmd/internal/fault"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/jwk"
	"gopkg.in/yaml.v3"
)

// DefaultLabel is shown when the device file carries no label.
const DefaultLabel = "Signature pad"

var (
	// ErrUnregistered means the pad has no valid UUID and must not run sessions.
	ErrUnregistered = fmt.Errorf("device unregistered: %w", fault.ErrConfiguration)

	// ErrSigningKeyMissing means the device file names no private key.
	ErrSigningKeyMissing = fmt.Errorf("signing key missing: %w", fault.ErrConfiguration)

	// ErrSigningKeyInvalid means the key material could not be imported.
	ErrSigningKeyInvalid = fmt.Errorf("signing key invalid: %w", fault.ErrConfiguration)
)

// SigningKey is the pad's private key plus the key id servers look it up by.
type SigningKey struct {
	KeyID   string
	Private crypto.Signer
}

// Public returns the verification half of the key.
func (k *SigningKey) Public() crypto.PublicKey {
	if k == nil || k.Private == nil {
		return nil
	}
	return k.Private.Public()
}

// Identity is the pad's identity for the process lifetime.
type Identity struct {
	PadID    string
	PadLabel string

	key    *SigningKey
	keyErr error
}

// NewIdentity builds an Identity from already imported material (used by tests and tools).
func NewIdentity(padID, label string, key *SigningKey) (Identity, error) {
	id, err := normalizePadID(padID)
	if err != nil {
		return Identity{}, err
	}
	if strings.TrimSpace(label) == "" {
		label = DefaultLabel
	}
	ident := Identity{PadID: id, PadLabel: strings.TrimSpace(label), key: key}
	if key == nil || key.Private == nil {
		ident.key = nil
		ident.keyErr = ErrSigningKeyMissing
	}
	return ident, nil
}

// SigningKey returns the device key or the configuration error that prevents signing.
func (i Identity) SigningKey() (*SigningKey, error) {
	if i.keyErr != nil {
		return nil, i.keyErr
	}
	if i.key == nil {
		return nil, ErrSigningKeyMissing
	}
	return i.key, nil
}

// Registered reports whether the identity carries a usable pad UUID.
func (i Identity) Registered() bool { return i.PadID != "" }

// fileFormat is the on-disk layout of the device file.
type fileFormat struct {
	PadID          string `yaml:"pad_id"`
	PadLabel       string `yaml:"pad_label"`
	KeyID          string `yaml:"key_id"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyFile string `yaml:"private_key_file"`
}

// Load reads the device file at path.
// It returns ErrUnregistered when the file or its pad UUID is missing or invalid.
// Key problems do not fail Load; they surface from Identity.SigningKey.
func Load(path string) (Identity, error) {
	if strings.TrimSpace(path) == "" {
		return Identity{}, ErrUnregistered
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Identity{}, ErrUnregistered
		}
		return Identity{}, fault.Configuration("device.Load", "read device file", err)
	}

	var ff fileFormat
	if err := yaml.Unmarshal(raw, &ff); err != nil {
		return Identity{}, fmt.Errorf("%w: parse device file: %v", ErrUnregistered, err)
	}

	padID, err := normalizePadID(ff.PadID)
	if err != nil {
		return Identity{}, err
	}

	label := strings.TrimSpace(ff.PadLabel)
	if label == "" {
		label = DefaultLabel
	}

	ident := Identity{PadID: padID, PadLabel: label}
	ident.key, ident.keyErr = loadKey(ff, filepath.Dir(path))
	return ident, nil
}

func normalizePadID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrUnregistered
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: pad_id: %v", ErrUnregistered, err)
	}
	return id.String(), nil
}

func loadKey(ff fileFormat, baseDir string) (*SigningKey, error) {
	material := strings.TrimSpace(ff.PrivateKey)
	if material == "" && strings.TrimSpace(ff.PrivateKeyFile) != "" {
		p := strings.TrimSpace(ff.PrivateKeyFile)
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSigningKeyMissing, err)
		}
		material = strings.TrimSpace(string(b))
	}
	if material == "" {
		return nil, ErrSigningKeyMissing
	}
	return ParseSigningKey([]byte(material), ff.KeyID)
}

// ParseSigningKey imports a private JWK or PEM block.
// keyID overrides the JWK "kid"; one of the two must be present.
func ParseSigningKey(material []byte, keyID string) (*SigningKey, error) {
	isPEM := strings.HasPrefix(strings.TrimSpace(string(material)), "-----BEGIN")

	k, err := jwk.ParseKey(material, jwk.WithPEM(isPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningKeyInvalid, err)
	}

	var raw interface{}
	if err := k.Raw(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningKeyInvalid, err)
	}

	var signer crypto.Signer
	switch pk := raw.(type) {
	case *rsa.PrivateKey:
		if pk.N.BitLen() < 2048 {
			return nil, fmt.Errorf("%w: rsa key shorter than 2048 bits", ErrSigningKeyInvalid)
		}
		signer = pk
	case ed25519.PrivateKey:
		signer = pk
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrSigningKeyInvalid, raw)
	}

	kid := strings.TrimSpace(keyID)
	if kid == "" {
		kid = strings.TrimSpace(k.KeyID())
	}
	if kid == "" {
		return nil, fmt.Errorf("%w: key id missing", ErrSigningKeyInvalid)
	}

	return &SigningKey{KeyID: kid, Private: signer}, nil
}
