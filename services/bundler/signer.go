package bundler

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	envAgeSecretKey = "AGE_SECRET_KEY"
	envAgePublicKey = "AGE_PUBLIC_KEY"
	ageSecretHRP    = "age-secret-key-"
)

var errNoKey = errors.New("signer has no key")

// Signer signs and verifies bundle manifests with an Ed25519 key whose seed is
// the 32 bytes of an age X25519 identity. A signer built from a public key
// alone can only verify.
type Signer struct {
	private   ed25519.PrivateKey
	public    ed25519.PublicKey
	recipient string
}

// NewSignerFromEnv reads AGE_SECRET_KEY and AGE_PUBLIC_KEY.
func NewSignerFromEnv() (*Signer, error) {
	return NewSigner(os.Getenv(envAgeSecretKey), os.Getenv(envAgePublicKey))
}

// NewSigner builds a Signer from an age secret key, a base64 Ed25519 public
// key, or both. When both are given they must belong together.
func NewSigner(secret, pub string) (*Signer, error) {
	secret, pub = strings.TrimSpace(secret), strings.TrimSpace(pub)
	if secret == "" && pub == "" {
		return nil, fmt.Errorf("%s or %s must be set", envAgeSecretKey, envAgePublicKey)
	}

	var s Signer
	if secret != "" {
		identity, err := age.ParseX25519Identity(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgeSecretKey, err)
		}
		seed, err := ageSeed(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgeSecretKey, err)
		}
		s.private = ed25519.NewKeyFromSeed(seed)
		s.public = s.private.Public().(ed25519.PublicKey)
		s.recipient = identity.Recipient().String()
	}
	if pub == "" {
		return &s, nil
	}

	key, err := parsePublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envAgePublicKey, err)
	}
	if s.public != nil && !s.public.Equal(key) {
		return nil, fmt.Errorf("%s does not match %s", envAgePublicKey, envAgeSecretKey)
	}
	s.public = key
	return &s, nil
}

// Sign returns the base64 signature of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil || s.private == nil {
		return "", fmt.Errorf("sign: %w", errNoKey)
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.private, payload)), nil
}

// Verify checks signature over payload. embeddedKey is the key recorded in the
// manifest; when present it must be the signer's own key.
func (s *Signer) Verify(payload []byte, signature, embeddedKey string) error {
	if s == nil || s.public == nil {
		return fmt.Errorf("verify: %w", errNoKey)
	}
	if embeddedKey != "" {
		key, err := parsePublicKey(embeddedKey)
		if err != nil {
			return fmt.Errorf("manifest public key: %w", err)
		}
		if !s.public.Equal(key) {
			return errors.New("manifest signed by unexpected key")
		}
	}

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(s.public, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 is the verification key as recorded in manifests.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || s.public == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.public)
}

// Recipient is the age recipient of the secret key, empty for verify-only signers.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func parsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ageSeed extracts the 32 key bytes from the bech32 body of an age secret key.
func ageSeed(secret string) ([]byte, error) {
	hrp, groups, err := bech32.Decode(secret)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(hrp) != ageSecretHRP {
		return nil, fmt.Errorf("unexpected prefix %q", hrp)
	}
	seed, err := bech32.ConvertBits(groups, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return seed, nil
}
