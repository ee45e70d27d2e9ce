package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"

	"github.com/bryanwahyu/scanvault/internal/domain/signing"
)

// KeySet holds ed25519 keys per identity. Signatures are deterministic, so
// signing the same bytes twice yields the same signature.
type KeySet struct {
	mu   sync.RWMutex
	priv map[string]ed25519.PrivateKey
	pub  map[string]ed25519.PublicKey
}

func NewKeySet() *KeySet {
	return &KeySet{
		priv: make(map[string]ed25519.PrivateKey),
		pub:  make(map[string]ed25519.PublicKey),
	}
}

// SeedFromSecret stretches a configured secret into an ed25519 seed.
func SeedFromSecret(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// AddSeed registers a signing key for identity.
func (k *KeySet) AddSeed(identity string, seed []byte) error {
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("ed25519 seed for %s must be %d bytes", identity, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.priv[identity] = priv
	k.pub[identity] = priv.Public().(ed25519.PublicKey)
	return nil
}

// AddPublic registers a verify-only key for identity.
func (k *KeySet) AddPublic(identity string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pub[identity] = pub
}

func (k *KeySet) Sign(ctx context.Context, data []byte, identity string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.RLock()
	priv, ok := k.priv[identity]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", signing.ErrUnknownIdentity, identity)
	}
	return ed25519.Sign(priv, data), nil
}

func (k *KeySet) Verify(ctx context.Context, data, signature []byte, identity string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k.mu.RLock()
	pub, ok := k.pub[identity]
	k.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", signing.ErrUnknownIdentity, identity)
	}
	if len(signature) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(pub, data, signature), nil
}

// PublicKeyPEM returns the PKIX PEM encoding of identity's public key.
func (k *KeySet) PublicKeyPEM(identity string) ([]byte, error) {
	k.mu.RLock()
	pub, ok := k.pub[identity]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", signing.ErrUnknownIdentity, identity)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

var _ signing.Client = (*KeySet)(nil)
