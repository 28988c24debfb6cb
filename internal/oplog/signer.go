package oplog

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/regionmesh/regiond/internal/storage"
	"golang.org/x/sync/semaphore"
)

const signingKeyMetadata = "signing_key"

// Signer is the node's single writing identity. Its permit serialises the
// whole read-head, sign, persist sequence of Log.Append.
type Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	permit  *semaphore.Weighted
}

func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		permit:  semaphore.NewWeighted(1),
	}
}

func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewSigner(priv), nil
}

// PublicKey is the hex encoded public key, used as author and node id.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data))
}

func (s *Signer) acquire(ctx context.Context) error {
	return s.permit.Acquire(ctx, 1)
}

func (s *Signer) release() {
	s.permit.Release(1)
}

// VerifySignature checks a hex signature against a hex public key.
func VerifySignature(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}

	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size")
	}

	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// KeyStore persists the signing key seed.
type KeyStore interface {
	GetMetadata(key string) (string, error)
	SetMetadata(key, value string) error
}

// LoadOrCreateKey returns the persisted identity, generating one on first use.
func LoadOrCreateKey(store KeyStore) (*Signer, error) {
	seedHex, err := store.GetMetadata(signingKeyMetadata)
	if err == nil {
		seed, err := hex.DecodeString(seedHex)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("stored signing key is corrupt")
		}
		return NewSigner(ed25519.NewKeyFromSeed(seed)), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	signer, err := GenerateSigner()
	if err != nil {
		return nil, err
	}
	if err := store.SetMetadata(signingKeyMetadata, hex.EncodeToString(signer.privKey.Seed())); err != nil {
		return nil, fmt.Errorf("failed to persist signing key: %w", err)
	}
	return signer, nil
}
