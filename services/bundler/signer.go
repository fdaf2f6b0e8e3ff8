package bundler

import (
	"bytes"
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
	envSigningKey       = "OTAD_SIGNING_KEY"
	envSigningPublicKey = "OTAD_SIGNING_PUBLIC_KEY"
)

// Signer signs and verifies manifests with an Ed25519 key derived from an
// age X25519 identity. Operators keep a single age key for bundles.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// NewSignerFromEnv reads OTAD_SIGNING_KEY and OTAD_SIGNING_PUBLIC_KEY.
// Importers only need the public key.
func NewSignerFromEnv() (*Signer, error) {
	return NewSigner(os.Getenv(envSigningKey), os.Getenv(envSigningPublicKey))
}

// NewSigner builds a Signer from an age secret key, a base64 Ed25519 public
// key, or both. When both are given they must belong together.
func NewSigner(secretKey, publicKey string) (*Signer, error) {
	secretKey = strings.TrimSpace(secretKey)
	publicKey = strings.TrimSpace(publicKey)
	if secretKey == "" && publicKey == "" {
		return nil, fmt.Errorf("%s or %s must be set", envSigningKey, envSigningPublicKey)
	}

	s := &Signer{}
	if secretKey != "" {
		identity, err := age.ParseX25519Identity(secretKey)
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		seed, err := decodeAgeSecretKey(secretKey)
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = s.privateKey.Public().(ed25519.PublicKey)
		s.recipient = identity.Recipient().String()
	}

	if publicKey != "" {
		decoded, err := decodePublicKey(publicKey)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envSigningPublicKey, err)
		}
		if s.publicKey != nil && !bytes.Equal(s.publicKey, decoded) {
			return nil, errors.New("signing public key does not match signing key")
		}
		s.publicKey = decoded
	}
	return s, nil
}

// GenerateKey returns a fresh age identity usable as OTAD_SIGNING_KEY.
func GenerateKey() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", err
	}
	return identity.String(), nil
}

// Sign returns a base64 Ed25519 signature over payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil || len(s.privateKey) == 0 {
		return "", errors.New("signer has no signing key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload)), nil
}

// Verify checks signature over payload against the trusted public key. A
// key embedded in the manifest must equal the trusted one; it is never
// trusted on its own.
func (s *Signer) Verify(payload []byte, signature, embeddedKey string) error {
	if s == nil || len(s.publicKey) == 0 {
		return errors.New("signer has no public key")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}
	if embeddedKey != "" {
		decoded, err := decodePublicKey(embeddedKey)
		if err != nil {
			return fmt.Errorf("manifest public key: %w", err)
		}
		if !bytes.Equal(decoded, s.publicKey) {
			return errors.New("manifest signed by unexpected key")
		}
	}
	if !ed25519.Verify(s.publicKey, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 returns the Ed25519 public key in base64 form.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Recipient is the age recipient of the signing key, if known.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodePublicKey(v string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("must decode to %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
