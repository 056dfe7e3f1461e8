package signing

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"sigpad/cmd/internal/device"
	"sigpad/cmd/internal/fault"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token fails verification.
var ErrInvalidToken = errors.New("invalid capture token")

// SignedAssertion is an assertion together with its compact JWS.
type SignedAssertion struct {
	Assertion CaptureAssertion
	Token     string
}

// Signer signs assertions with the device key.
// The algorithm is fixed by the key type and never negotiated.
type Signer struct {
	key    *device.SigningKey
	keyErr error
}

// NewSigner binds a Signer to the device identity. Key problems surface from Sign.
func NewSigner(ident device.Identity) *Signer {
	k, err := ident.SigningKey()
	return &Signer{key: k, keyErr: err}
}

// KeyID returns the key id placed in every token header, or "" when no key is loaded.
func (s *Signer) KeyID() string {
	if s == nil || s.key == nil {
		return ""
	}
	return s.key.KeyID
}

// Sign produces the compact JWS for a.
// Failures are fault.ErrConfiguration: a pad that cannot sign is misconfigured.
func (s *Signer) Sign(a CaptureAssertion) (SignedAssertion, error) {
	const op = "signing.Sign"

	if s == nil || s.keyErr != nil || s.key == nil {
		err := device.ErrSigningKeyMissing
		if s != nil && s.keyErr != nil {
			err = s.keyErr
		}
		return SignedAssertion{}, fault.Configuration(op, "signing key unavailable", err)
	}

	method, err := methodFor(s.key.Private)
	if err != nil {
		return SignedAssertion{}, fault.Configuration(op, "unsupported signing key", err)
	}

	tok := jwt.NewWithClaims(method, a.claims())
	tok.Header["kid"] = s.key.KeyID

	signed, err := tok.SignedString(s.key.Private)
	if err != nil {
		return SignedAssertion{}, fault.Configuration(op, "signing failed", err)
	}
	return SignedAssertion{Assertion: a, Token: signed}, nil
}

// Verify checks token against pub and the expected key id and returns its assertion.
func Verify(token string, pub crypto.PublicKey, keyID string) (CaptureAssertion, error) {
	var c captureClaims

	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &c, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid in header")
		}
		if keyID != "" && kid != keyID {
			return nil, fmt.Errorf("unexpected kid: %s", kid)
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		return CaptureAssertion{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return c.assertion(), nil
}

func methodFor(k crypto.Signer) (jwt.SigningMethod, error) {
	switch k.(type) {
	case *rsa.PrivateKey:
		return jwt.SigningMethodRS256, nil
	case ed25519.PrivateKey:
		return jwt.SigningMethodEdDSA, nil
	default:
		return nil, fmt.Errorf("key type %T", k)
	}
}
