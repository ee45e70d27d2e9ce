// Package signing holds the signature backends: an OpenPGP keyring for the
// producer's inner signatures, an ed25519 key set for the service's own
// outer and evidence signatures, and a remote HTTP signer.
package signing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/bryanwahyu/scanvault/internal/domain/signing"
)

const armoredSigPrefix = "-----BEGIN PGP SIGNATURE-----"

// Keyring verifies (and, for entities with private keys, creates) detached
// OpenPGP signatures. Identities are matched on the user id email.
type Keyring struct {
	mu      sync.RWMutex
	keyring openpgp.EntityList
	config  *packet.Config
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keyring: make(openpgp.EntityList, 0)}
}

// Add appends entities to the keyring.
func (k *Keyring) Add(entities ...*openpgp.Entity) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keyring = append(k.keyring, entities...)
}

// ImportArmored reads an armored key block.
func (k *Keyring) ImportArmored(r io.Reader) error {
	entities, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return fmt.Errorf("failed to parse armored keyring: %w", err)
	}
	if len(entities) == 0 {
		return fmt.Errorf("no keys found in keyring")
	}
	k.Add(entities...)
	return nil
}

// ImportKeyFile imports an armored or binary key file.
func (k *Keyring) ImportKeyFile(path string) error {
	f, err := os.Open(path) //nolint:gosec // operator supplied keyring path
	if err != nil {
		return fmt.Errorf("failed to open key file: %w", err)
	}
	defer f.Close()

	entities, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		if _, seekErr := f.Seek(0, io.SeekStart); seekErr != nil {
			return fmt.Errorf("failed to reset file: %w", seekErr)
		}
		entities, err = openpgp.ReadKeyRing(f)
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
	}
	if len(entities) == 0 {
		return fmt.Errorf("no keys found in file")
	}
	k.Add(entities...)
	return nil
}

// Size returns the number of entities.
func (k *Keyring) Size() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keyring)
}

func (k *Keyring) entityFor(identity string) *openpgp.Entity {
	for _, e := range k.keyring {
		if entityHasIdentity(e, identity) {
			return e
		}
	}
	return nil
}

func entityHasIdentity(e *openpgp.Entity, identity string) bool {
	for _, id := range e.Identities {
		if id.UserId == nil {
			continue
		}
		if strings.EqualFold(id.UserId.Email, identity) || id.UserId.Id == identity {
			return true
		}
	}
	return false
}

// Sign creates an armored detached signature with the identity's private key.
func (k *Keyring) Sign(ctx context.Context, data []byte, identity string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.RLock()
	e := k.entityFor(identity)
	k.mu.RUnlock()
	if e == nil || e.PrivateKey == nil {
		return nil, fmt.Errorf("%w: %s", signing.ErrUnknownIdentity, identity)
	}
	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, e, bytes.NewReader(data), k.config); err != nil {
		return nil, fmt.Errorf("pgp sign: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify checks a detached signature (armored or binary) and that the key
// that made it belongs to identity.
func (k *Keyring) Verify(ctx context.Context, data, signature []byte, identity string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k.mu.RLock()
	ring := append(openpgp.EntityList(nil), k.keyring...)
	k.mu.RUnlock()
	if len(ring) == 0 {
		return false, fmt.Errorf("%w: empty keyring", signing.ErrUnknownIdentity)
	}

	var (
		signer *openpgp.Entity
		err    error
	)
	if bytes.HasPrefix(bytes.TrimSpace(signature), []byte(armoredSigPrefix)) {
		signer, err = openpgp.CheckArmoredDetachedSignature(ring, bytes.NewReader(data), bytes.NewReader(signature), k.config)
	} else {
		signer, err = openpgp.CheckDetachedSignature(ring, bytes.NewReader(data), bytes.NewReader(signature), k.config)
	}
	if err != nil || signer == nil {
		return false, nil
	}
	return entityHasIdentity(signer, identity), nil
}

var _ signing.Client = (*Keyring)(nil)
