// Package secret implements credential hashing and verification for stored
// account secrets.
//
// The persisted secret format is a self-describing tagged string: "$2a$"/
// "$2b$"/"$2y$" marks a bcrypt hash, "$argon2" marks an argon2 PHC string,
// and any other value is a bare legacy secret compared by exact or scrambled
// equality. The tag prefix is the sole dispatch mechanism for Verify, so the
// prefixes are part of the storage contract and must not change.
package secret

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/mkarev/credvault/internal/logger"
	"github.com/mkarev/credvault/models"
)

// Scheme selects the hash algorithm applied to new secrets.
type Scheme string

const (
	SchemeBcrypt Scheme = "bcrypt"
	SchemeArgon2 Scheme = "argon2"
)

// MinBcryptCost is the floor for the configurable bcrypt cost factor.
const MinBcryptCost = 12

// storedKind is the decoded variant of a persisted secret string. Decoding
// is an explicit tagged-union step so every branch of Verify is exhaustive
// and testable on its own.
type storedKind int

const (
	kindPlain storedKind = iota
	kindBcrypt
	kindArgon2
)

func parseStored(stored string) storedKind {
	switch {
	case strings.HasPrefix(stored, "$2a$"),
		strings.HasPrefix(stored, "$2b$"),
		strings.HasPrefix(stored, "$2y$"):
		return kindBcrypt
	case strings.HasPrefix(stored, "$argon2"):
		return kindArgon2
	default:
		return kindPlain
	}
}

// Hook mutates an account record just before it is persisted, e.g. to
// federate the credential to an external system. The first hook error
// aborts the store operation.
type Hook func(ctx context.Context, rec *models.Account) error

// Hasher turns plaintext secrets into stored hashes and verifies supplied
// plaintexts against every supported stored form. It is safe for concurrent
// use after construction.
type Hasher struct {
	scheme     Scheme
	bcryptCost int
	argon2     Argon2Params
	logger     *logger.Logger

	mu    sync.RWMutex
	hooks map[string][]Hook
}

// NewHasher constructs a Hasher for the given scheme. A bcrypt cost below
// MinBcryptCost is raised to it; zero argon2 parameters get defaults.
func NewHasher(scheme Scheme, bcryptCost int, argon2 Argon2Params, log *logger.Logger) *Hasher {
	if bcryptCost < MinBcryptCost {
		bcryptCost = MinBcryptCost
	}
	return &Hasher{
		scheme:     scheme,
		bcryptCost: bcryptCost,
		argon2:     argon2.withDefaults(),
		logger:     log,
		hooks:      make(map[string][]Hook),
	}
}

// RegisterHook appends a pre-store hook for the given login. Hooks run in
// registration order during Prepare, after the secret has been hashed.
func (h *Hasher) RegisterHook(login string, fn Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[login] = append(h.hooks[login], fn)
}

// Prepare replaces rec.Secret with its stored hash form, or clears the field
// entirely when no secret is supplied (an empty secret is never persisted).
// Registered hooks for rec.Login run afterwards; the first hook error is
// propagated and aborts the caller's store operation.
func (h *Hasher) Prepare(ctx context.Context, rec *models.Account) error {
	if rec.Secret != "" {
		hashed, err := h.hash(rec.Secret)
		if err != nil {
			return err
		}
		rec.Secret = hashed
	}

	h.mu.RLock()
	hooks := h.hooks[rec.Login]
	h.mu.RUnlock()

	for _, fn := range hooks {
		if err := fn(ctx, rec); err != nil {
			return fmt.Errorf("pre-store hook for %q: %w", rec.Login, err)
		}
	}
	return nil
}

func (h *Hasher) hash(plaintext string) (string, error) {
	switch h.scheme {
	case SchemeBcrypt:
		out, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.bcryptCost)
		if err != nil {
			return "", fmt.Errorf("bcrypt hashing: %w", err)
		}
		return string(out), nil
	case SchemeArgon2:
		return argon2Hash(plaintext, h.argon2)
	default:
		return "", ErrUnknownScheme
	}
}

// Scramble is the legacy credential transform: a hex-encoded HMAC-SHA256 of
// the plaintext keyed by the login name. It survives for compatibility with
// records migrated from the pre-hash era and is a deprecation candidate;
// do not extend its use.
func Scramble(login, plaintext string) string {
	mac := hmac.New(sha256.New, []byte(login))
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the supplied plaintext against a stored secret. The stored
// value is decoded by its tag prefix and the matching branch tries, in order:
//
//	plain:  exact equality, then scrambled equality
//	bcrypt: bcrypt(plaintext), then bcrypt(scrambled)
//	argon2: argon2(plaintext), then argon2(scrambled)
//
// The scrambled re-checks cover secrets historically hashed from the
// scrambled form rather than the raw plaintext. The first match wins. On no
// match, or when either input is absent, the result is ErrInvalidSecret with
// no indication of which check failed.
func (h *Hasher) Verify(stored, plaintext, login string) error {
	if stored == "" || plaintext == "" {
		return ErrInvalidSecret
	}

	scrambled := Scramble(login, plaintext)

	switch parseStored(stored) {
	case kindPlain:
		if subtle.ConstantTimeCompare([]byte(stored), []byte(plaintext)) == 1 {
			return nil
		}
		if subtle.ConstantTimeCompare([]byte(stored), []byte(scrambled)) == 1 {
			return nil
		}
	case kindBcrypt:
		if bcrypt.CompareHashAndPassword([]byte(stored), []byte(plaintext)) == nil {
			return nil
		}
		if bcrypt.CompareHashAndPassword([]byte(stored), []byte(scrambled)) == nil {
			return nil
		}
	case kindArgon2:
		if argon2Compare(stored, plaintext) {
			return nil
		}
		if argon2Compare(stored, scrambled) {
			return nil
		}
	}
	return ErrInvalidSecret
}

// VerifyRecord is Verify over an account record's stored secret field.
func (h *Hasher) VerifyRecord(rec models.Account, plaintext string) error {
	return h.Verify(rec.Secret, plaintext, rec.Login)
}
