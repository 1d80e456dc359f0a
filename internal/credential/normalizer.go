// Package credential authenticates bind secrets against the canonical
// password hash and keeps the LDAP-compatible crypt derivative in sync
// with it.
package credential

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/memberbase/ldapbridge/internal/logger"
	"github.com/memberbase/ldapbridge/internal/privilege"
)

var (
	// ErrInvalidCredentials is returned uniformly for unknown principals
	// and wrong secrets, so a bind failure never reveals whether the DN
	// exists.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrNotFound reports a missing credential row to internal callers.
	// Authenticate never surfaces it.
	ErrNotFound = errors.New("credential record not found")
)

// Record pairs the canonical password hash with its crypt-format
// derivative. The two are written together and must never diverge.
type Record struct {
	Canonical string
	Crypt     string
}

// Backend is the slice of the relational store the normalizer needs.
type Backend interface {
	// Credential returns the credential record for a member key.
	// A missing row is ErrNotFound; store trouble is its own error.
	Credential(ctx context.Context, key string) (Record, error)
	// Roles returns the member's role grants as of now.
	Roles(ctx context.Context, key string) ([]string, error)
	// SetCryptHash stores a recomputed crypt derivative.
	SetCryptHash(ctx context.Context, key string, hash string) error
	// CredentialKeys lists every member key holding a credential row.
	CredentialKeys(ctx context.Context) ([]string, error)
}

// Normalizer validates bind credentials and derives crypt hashes.
type Normalizer struct {
	backend Backend
}

func NewNormalizer(b Backend) *Normalizer {
	return &Normalizer{backend: b}
}

// Authenticate verifies the supplied secret against the canonical hash for
// the member key and, on success, returns a principal carrying the role set
// resolved at this instant. Verification always uses the canonical hash,
// never the crypt derivative, so a weaker derived format cannot become a
// downgrade path.
func (n *Normalizer) Authenticate(ctx context.Context, dn, key, secret string) (*privilege.Principal, error) {
	rec, err := n.backend.Credential(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(rec.Canonical), []byte(secret)) != nil {
		return nil, ErrInvalidCredentials
	}

	roles, err := n.backend.Roles(ctx, key)
	if err != nil {
		return nil, err
	}

	return &privilege.Principal{DN: dn, Key: key, Roles: roles}, nil
}

// SyncHash recomputes the crypt derivative from the stored canonical hash
// and writes it back. Idempotent: an unchanged canonical hash always yields
// the same derivative.
func (n *Normalizer) SyncHash(ctx context.Context, key string) error {
	rec, err := n.backend.Credential(ctx, key)
	if err != nil {
		return err
	}

	derived, err := DeriveCrypt(rec.Canonical)
	if err != nil {
		return fmt.Errorf("sync hash for %q: %w", key, err)
	}
	if derived == rec.Crypt {
		return nil
	}

	logger.Ctx(ctx).Debug().Str("key", key).Msg("crypt hash out of sync, rewriting")
	return n.backend.SetCryptHash(ctx, key, derived)
}

// SyncAll re-runs SyncHash over every credential row.
func (n *Normalizer) SyncAll(ctx context.Context) (int, error) {
	keys, err := n.backend.CredentialKeys(ctx)
	if err != nil {
		return 0, err
	}
	for i, key := range keys {
		if err := n.SyncHash(ctx, key); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

// NewCanonical hashes a new plaintext secret into the canonical format.
func NewCanonical(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// DeriveCrypt converts a canonical hash into the representation directory
// software verifies natively. The canonical format is bcrypt, which is a
// crypt(3) scheme, so the derivative is the canonical hash under a {CRYPT}
// prefix; deriving is deterministic and needs no plaintext.
func DeriveCrypt(canonical string) (string, error) {
	if _, err := bcrypt.Cost([]byte(canonical)); err != nil {
		return "", fmt.Errorf("canonical hash is not bcrypt: %w", err)
	}
	return "{CRYPT}" + canonical, nil
}
