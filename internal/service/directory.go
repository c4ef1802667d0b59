// Package service implements the account directory: lookup, create, modify
// and remove over a query.Translator, with secret hashing on every write and
// id-to-login resolution for the two identifier forms.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/mkarev/credvault/internal/logger"
	"github.com/mkarev/credvault/internal/query"
	"github.com/mkarev/credvault/internal/secret"
	"github.com/mkarev/credvault/models"
)

// DefaultIDPrefix is the type-discriminating prefix of server-generated
// account ids.
const DefaultIDPrefix = "usr-"

// Options carries per-call directory knobs.
type Options struct {
	// Admin permits setting the internal-only Type and Expires fields.
	Admin bool

	// Expected is the optimistic-concurrency predicate forwarded to
	// conditional writes.
	Expected map[string]any
}

// Directory is the account credential store facade. All reads and writes go
// through the configured query translator; secrets pass through the hasher
// before ever reaching the store.
type Directory struct {
	store    query.Translator
	hasher   *secret.Hasher
	logger   *logger.Logger
	table    string
	idPrefix string

	// overrides short-circuits id lookups for preloaded accounts, ahead of
	// any store read.
	overrides map[string]models.Account
}

// New constructs a Directory over the given translator and hasher.
func New(store query.Translator, hasher *secret.Hasher, log *logger.Logger) *Directory {
	return &Directory{
		store:     store,
		hasher:    hasher,
		logger:    log,
		table:     models.Account{}.TableName(),
		idPrefix:  DefaultIDPrefix,
		overrides: make(map[string]models.Account),
	}
}

// RegisterOverride preloads an account served directly on id lookups,
// bypassing the store. Intended for bootstrap/service accounts. Not safe for
// concurrent use with Lookup: all registrations must complete before the
// Directory starts serving.
func (d *Directory) RegisterOverride(rec models.Account) {
	d.overrides[rec.ID] = rec
}

// IsID reports whether an identifier is in id form: the configured prefix
// followed by a UUID. Anything else is treated as a login.
func (d *Directory) IsID(identifier string) bool {
	rest, ok := strings.CutPrefix(identifier, d.idPrefix)
	if !ok {
		return false
	}
	return uuid.Validate(rest) == nil
}

// Lookup fetches an account by login or by id. The id path consults the
// override map first, then the id index; when the index projection could not
// supply every attribute, the record is re-read by its resolved login.
// Returns query.ErrNotFound on a miss.
func (d *Directory) Lookup(ctx context.Context, identifier string) (models.Account, error) {
	if !d.IsID(identifier) {
		row, err := d.store.Get(ctx, d.table, map[string]any{models.ColLogin: identifier}, query.Options{})
		if err != nil {
			return models.Account{}, err
		}
		return models.AccountFromRow(row), nil
	}

	if rec, ok := d.overrides[identifier]; ok {
		return rec, nil
	}

	res, err := d.store.Select(ctx, d.table,
		map[string]any{models.ColID: identifier},
		query.Options{Limit: 1})
	if err != nil {
		return models.Account{}, err
	}
	if len(res.Rows) == 0 {
		return models.Account{}, query.ErrNotFound
	}

	rec := models.AccountFromRow(res.Rows[0])
	if res.Partial {
		row, err := d.store.Get(ctx, d.table, map[string]any{models.ColLogin: rec.Login}, query.Options{})
		if err != nil {
			return models.Account{}, err
		}
		rec = models.AccountFromRow(row)
	}
	return rec, nil
}

// Create validates and persists a new account. The caller never supplies the
// id; Type and Expires are accepted only from admin callers. The secret is
// hashed, and pre-store hooks run, before anything is written, so a hook
// failure leaves no partial state. A login collision is
// query.ErrAlreadyExists.
func (d *Directory) Create(ctx context.Context, fields models.Account, opts Options) (models.Account, error) {
	if fields.Login == "" || len(fields.Login) > models.MaxLoginLength {
		return models.Account{}, ErrInvalidUser
	}
	if fields.Secret == "" {
		return models.Account{}, ErrInvalidPasswd
	}
	if fields.Name == "" {
		return models.Account{}, ErrInvalidName
	}

	rec := fields
	rec.ID = d.idPrefix + uuid.NewString()
	if !opts.Admin {
		rec.Type = nil
		rec.Expires = 0
	}
	now := time.Now().UnixMilli()
	rec.Ctime = now
	rec.Mtime = now

	if err := d.hasher.Prepare(ctx, &rec); err != nil {
		return models.Account{}, fmt.Errorf("preparing account %q: %w", rec.Login, err)
	}

	if err := d.store.Add(ctx, d.table, rec.Row(), query.Options{}); err != nil {
		return models.Account{}, err
	}
	d.logger.Info().Str("login", rec.Login).Str("id", rec.ID).Msg("account created")
	return rec, nil
}

// Modify overlays the supplied fields onto the stored account and writes the
// result back. The id is never writable; Type and Expires stay admin-only.
// Empty fields never overwrite stored values. An id-form identifier that
// resolves to nothing is ErrInvalidID; opts.Expected rides through to the
// conditional update.
func (d *Directory) Modify(ctx context.Context, identifier string, fields models.Account, opts Options) (models.Account, error) {
	current, err := d.resolve(ctx, identifier)
	if err != nil {
		return models.Account{}, err
	}

	fields.Login = ""
	fields.ID = ""
	if !opts.Admin {
		fields.Type = nil
		fields.Expires = 0
	}
	fields.Ctime = 0

	updated := current
	if err := mergo.Merge(&updated, fields, mergo.WithOverride); err != nil {
		return models.Account{}, fmt.Errorf("merging fields for %q: %w", current.Login, err)
	}

	if fields.Secret != "" {
		updated.Secret = fields.Secret
		if err := d.hasher.Prepare(ctx, &updated); err != nil {
			return models.Account{}, fmt.Errorf("preparing account %q: %w", current.Login, err)
		}
	}
	updated.Mtime = time.Now().UnixMilli()
	if updated.Mtime <= current.Mtime {
		updated.Mtime = current.Mtime + 1
	}

	values := updated.Row()
	delete(values, models.ColLogin)

	err = d.store.Update(ctx, d.table,
		map[string]any{models.ColLogin: current.Login},
		values,
		query.Options{Expected: opts.Expected})
	if err != nil {
		return models.Account{}, err
	}
	return updated, nil
}

// Remove deletes an account and returns its prior state. Identifier
// resolution follows the same rules as Modify.
func (d *Directory) Remove(ctx context.Context, identifier string) (models.Account, error) {
	current, err := d.resolve(ctx, identifier)
	if err != nil {
		return models.Account{}, err
	}

	prior, err := d.store.Delete(ctx, d.table,
		map[string]any{models.ColLogin: current.Login}, query.Options{})
	if err != nil {
		return models.Account{}, err
	}
	d.logger.Info().Str("login", current.Login).Msg("account removed")
	return models.AccountFromRow(prior), nil
}

// VerifySecret authenticates a plaintext against the account's stored
// credential. Every failure mode, including an unknown identifier and an
// expired account, collapses to secret.ErrInvalidSecret so the caller learns
// nothing about which check failed.
func (d *Directory) VerifySecret(ctx context.Context, identifier, plaintext string) (models.Account, error) {
	rec, err := d.Lookup(ctx, identifier)
	if err != nil {
		d.logger.Debug().Str("identifier", identifier).Msg("verify: lookup failed")
		return models.Account{}, secret.ErrInvalidSecret
	}
	if rec.Expired() {
		d.logger.Debug().Str("login", rec.Login).Msg("verify: account expired")
		return models.Account{}, secret.ErrInvalidSecret
	}
	if err := d.hasher.VerifyRecord(rec, plaintext); err != nil {
		return models.Account{}, secret.ErrInvalidSecret
	}
	return rec, nil
}

// resolve maps either identifier form to the stored account. An id-form miss
// is ErrInvalidID so callers can distinguish a bad reference from a bad
// login.
func (d *Directory) resolve(ctx context.Context, identifier string) (models.Account, error) {
	rec, err := d.Lookup(ctx, identifier)
	if err != nil {
		if d.IsID(identifier) && errors.Is(err, query.ErrNotFound) {
			return models.Account{}, ErrInvalidID
		}
		return models.Account{}, err
	}
	return rec, nil
}
