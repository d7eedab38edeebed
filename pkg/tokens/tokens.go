// Package tokens issues and verifies per-batch callback tokens. The token
// itself is handed to the agent container and never persisted; the store
// keeps only a salted PBKDF2 digest, so a leaked database cannot be used to
// forge callbacks.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/curious-containers/agency/pkg/storage"
	"github.com/curious-containers/agency/pkg/types"
)

const (
	tokenBytes = 24
	saltBytes  = 16
	iterations = 4096
	digestLen  = 32
)

// ErrInvalidToken is returned when a presented token does not match the
// stored digest or no digest exists for the batch.
var ErrInvalidToken = errors.New("invalid callback token")

// Issuer mints and checks callback tokens against the store.
type Issuer struct {
	store storage.Store
}

// NewIssuer creates an issuer backed by store.
func NewIssuer(store storage.Store) *Issuer {
	return &Issuer{store: store}
}

// Issue mints a fresh token for batchID, persists its digest and returns the
// plaintext token. A previously issued token for the batch is superseded.
func (i *Issuer) Issue(batchID string) (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate callback token: %w", err)
	}
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate token salt: %w", err)
	}

	token := hex.EncodeToString(raw)
	digest := pbkdf2.Key([]byte(token), salt, iterations, digestLen, sha256.New)

	err := i.store.PutCallbackToken(&types.CallbackToken{
		BatchID:   batchID,
		Salt:      hex.EncodeToString(salt),
		Digest:    hex.EncodeToString(digest),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("persist callback token for batch %s: %w", batchID, err)
	}
	return token, nil
}

// Verify checks a presented token against the digest stored for batchID.
func (i *Issuer) Verify(batchID, token string) error {
	stored, err := i.store.GetCallbackToken(batchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidToken
		}
		return fmt.Errorf("load callback token for batch %s: %w", batchID, err)
	}

	salt, err := hex.DecodeString(stored.Salt)
	if err != nil {
		return fmt.Errorf("decode token salt for batch %s: %w", batchID, err)
	}
	want, err := hex.DecodeString(stored.Digest)
	if err != nil {
		return fmt.Errorf("decode token digest for batch %s: %w", batchID, err)
	}

	got := pbkdf2.Key([]byte(token), salt, iterations, len(want), sha256.New)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// Revoke drops the digest for batchID. Revoking an unknown batch is a no-op.
func (i *Issuer) Revoke(batchID string) error {
	return i.store.DeleteCallbackToken(batchID)
}
