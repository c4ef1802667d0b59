package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarev/credvault/internal/logger"
	"github.com/mkarev/credvault/internal/query"
	"github.com/mkarev/credvault/internal/secret"
	"github.com/mkarev/credvault/models"
)

// memStore is an in-memory query.Translator keyed by login, with an id
// lookup path mimicking the secondary index. partialID simulates an index
// with a restricted projection: id selects return only login and id.
type memStore struct {
	rows      map[string]map[string]any
	partialID bool

	lastUpdateExpected map[string]any
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]map[string]any)}
}

func (m *memStore) Introspect(ctx context.Context, tables []string) error { return nil }
func (m *memStore) Catalog(table string) (*query.Catalog, bool)           { return nil, false }

func (m *memStore) Get(ctx context.Context, table string, key map[string]any, opts query.Options) (map[string]any, error) {
	login, _ := key[models.ColLogin].(string)
	row, ok := m.rows[login]
	if !ok {
		return nil, query.ErrNotFound
	}
	return copyRow(row), nil
}

func (m *memStore) Select(ctx context.Context, table string, predicate map[string]any, opts query.Options) (*query.Result, error) {
	id, _ := predicate[models.ColID].(string)
	for _, row := range m.rows {
		if row[models.ColID] != id {
			continue
		}
		out := copyRow(row)
		if m.partialID {
			out = map[string]any{
				models.ColLogin: row[models.ColLogin],
				models.ColID:    row[models.ColID],
			}
		}
		return &query.Result{Rows: []map[string]any{out}, Partial: m.partialID}, nil
	}
	return &query.Result{}, nil
}

func (m *memStore) Add(ctx context.Context, table string, row map[string]any, opts query.Options) error {
	login, _ := row[models.ColLogin].(string)
	if _, ok := m.rows[login]; ok {
		return query.ErrAlreadyExists
	}
	m.rows[login] = copyRow(row)
	return nil
}

func (m *memStore) Put(ctx context.Context, table string, row map[string]any, opts query.Options) error {
	login, _ := row[models.ColLogin].(string)
	m.rows[login] = copyRow(row)
	return nil
}

func (m *memStore) Update(ctx context.Context, table string, key, values map[string]any, opts query.Options) error {
	m.lastUpdateExpected = opts.Expected

	login, _ := key[models.ColLogin].(string)
	row, ok := m.rows[login]
	if !ok {
		if opts.Expected != nil {
			return query.ErrNotFound
		}
		return nil
	}
	for col, want := range opts.Expected {
		if row[col] != want {
			return query.ErrNotFound
		}
	}
	for col, v := range values {
		row[col] = v
	}
	return nil
}

func (m *memStore) Incr(ctx context.Context, table string, key map[string]any, values map[string]int64, opts query.Options) error {
	return errors.New("not implemented")
}

func (m *memStore) Delete(ctx context.Context, table string, key map[string]any, opts query.Options) (map[string]any, error) {
	login, _ := key[models.ColLogin].(string)
	row, ok := m.rows[login]
	if !ok {
		return nil, query.ErrNotFound
	}
	delete(m.rows, login)
	return row, nil
}

func (m *memStore) CreateTable(ctx context.Context, spec query.TableSpec) error { return nil }
func (m *memStore) DropTable(ctx context.Context, table string) error           { return nil }
func (m *memStore) Upgrade(ctx context.Context, spec query.TableSpec) error     { return nil }

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func newTestDirectory(t *testing.T) (*Directory, *memStore) {
	t.Helper()
	store := newMemStore()
	// Minimum cost keeps the hashing in these tests fast enough.
	hasher := secret.NewHasher(secret.SchemeBcrypt, secret.MinBcryptCost, secret.Argon2Params{}, logger.Nop())
	return New(store, hasher, logger.Nop()), store
}

func mustCreate(t *testing.T, d *Directory, login, pass, name string) models.Account {
	t.Helper()
	rec, err := d.Create(context.Background(), models.Account{
		Login:  login,
		Secret: pass,
		Name:   name,
	}, Options{})
	require.NoError(t, err)
	return rec
}

func TestCreateValidation(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.Create(ctx, models.Account{Secret: "pw", Name: "n"}, Options{})
	assert.ErrorIs(t, err, ErrInvalidUser)

	long := make([]byte, models.MaxLoginLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = d.Create(ctx, models.Account{Login: string(long), Secret: "pw", Name: "n"}, Options{})
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = d.Create(ctx, models.Account{Login: "alice", Name: "n"}, Options{})
	assert.ErrorIs(t, err, ErrInvalidPasswd)

	_, err = d.Create(ctx, models.Account{Login: "alice", Secret: "pw"}, Options{})
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestCreateAssignsServerFields(t *testing.T) {
	d, _ := newTestDirectory(t)

	rec, err := d.Create(context.Background(), models.Account{
		Login:   "alice",
		Secret:  "opensesame",
		Name:    "Alice",
		ID:      "usr-caller-supplied",
		Type:    []string{"admin"},
		Expires: 12345,
	}, Options{})
	require.NoError(t, err)

	assert.True(t, d.IsID(rec.ID), "id %q should be server generated", rec.ID)
	assert.NotEqual(t, "usr-caller-supplied", rec.ID)
	assert.Nil(t, rec.Type, "non-admin caller cannot set type")
	assert.Zero(t, rec.Expires, "non-admin caller cannot set expiry")
	assert.Equal(t, rec.Ctime, rec.Mtime)
	assert.NotEqual(t, "opensesame", rec.Secret, "secret must be stored hashed")
}

func TestCreateAdminKeepsInternalFields(t *testing.T) {
	d, _ := newTestDirectory(t)

	rec, err := d.Create(context.Background(), models.Account{
		Login:   "svc",
		Secret:  "pw",
		Name:    "Service",
		Type:    []string{"robot"},
		Expires: 99,
	}, Options{Admin: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"robot"}, rec.Type)
	assert.Equal(t, int64(99), rec.Expires)
}

func TestCreateDuplicateLoginIsAlreadyExists(t *testing.T) {
	d, _ := newTestDirectory(t)
	mustCreate(t, d, "alice", "pw", "Alice")

	_, err := d.Create(context.Background(), models.Account{
		Login: "alice", Secret: "pw2", Name: "Other",
	}, Options{})
	assert.ErrorIs(t, err, query.ErrAlreadyExists)
}

func TestCreateHookFailureWritesNothing(t *testing.T) {
	store := newMemStore()
	hasher := secret.NewHasher(secret.SchemeBcrypt, secret.MinBcryptCost, secret.Argon2Params{}, logger.Nop())
	hasher.RegisterHook("alice", func(ctx context.Context, rec *models.Account) error {
		return errors.New("downstream rejected")
	})
	d := New(store, hasher, logger.Nop())

	_, err := d.Create(context.Background(), models.Account{
		Login: "alice", Secret: "pw", Name: "Alice",
	}, Options{})
	require.Error(t, err)
	assert.Empty(t, store.rows, "a hook failure must not leave a partial write")
}

func TestLookupByLoginAndByID(t *testing.T) {
	d, _ := newTestDirectory(t)
	created := mustCreate(t, d, "alice", "pw", "Alice")
	ctx := context.Background()

	byLogin, err := d.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byLogin.ID)

	byID, err := d.Lookup(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Login)
	assert.Equal(t, "Alice", byID.Name)
}

func TestLookupMissReturnsNotFound(t *testing.T) {
	d, _ := newTestDirectory(t)

	_, err := d.Lookup(context.Background(), "ghost")
	assert.ErrorIs(t, err, query.ErrNotFound)

	_, err = d.Lookup(context.Background(), "usr-00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestLookupByIDRefetchesOnPartialProjection(t *testing.T) {
	d, store := newTestDirectory(t)
	created := mustCreate(t, d, "alice", "pw", "Alice")

	store.partialID = true
	rec, err := d.Lookup(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", rec.Name, "partial projection must trigger a full re-read")
	assert.NotEmpty(t, rec.Secret)
}

func TestLookupOverrideShortCircuits(t *testing.T) {
	d, store := newTestDirectory(t)
	override := models.Account{
		Login: "boot",
		ID:    "usr-11111111-2222-3333-4444-555555555555",
		Name:  "Bootstrap",
	}
	d.RegisterOverride(override)

	rec, err := d.Lookup(context.Background(), override.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bootstrap", rec.Name)
	assert.Empty(t, store.rows, "override lookups never touch the store")
}

func TestModifyMergesAndAdvancesMtime(t *testing.T) {
	d, _ := newTestDirectory(t)
	created := mustCreate(t, d, "alice", "pw", "Alice")

	updated, err := d.Modify(context.Background(), "alice", models.Account{
		Status: "locked",
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "locked", updated.Status)
	assert.Equal(t, "Alice", updated.Name, "unset fields keep their stored values")
	assert.Greater(t, updated.Mtime, created.Mtime)
	assert.Equal(t, created.Ctime, updated.Ctime)
	assert.Equal(t, created.ID, updated.ID)
}

func TestModifyEmptyNameNeverOverwrites(t *testing.T) {
	d, _ := newTestDirectory(t)
	mustCreate(t, d, "alice", "pw", "Alice")

	updated, err := d.Modify(context.Background(), "alice", models.Account{
		Name:   "",
		Status: "ok",
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Alice", updated.Name)
}

func TestModifyStripsCallerID(t *testing.T) {
	d, _ := newTestDirectory(t)
	created := mustCreate(t, d, "alice", "pw", "Alice")

	updated, err := d.Modify(context.Background(), "alice", models.Account{
		ID: "usr-spoofed",
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
}

func TestModifyByUnknownIDIsInvalidID(t *testing.T) {
	d, _ := newTestDirectory(t)

	_, err := d.Modify(context.Background(),
		"usr-00000000-0000-0000-0000-000000000000",
		models.Account{Status: "x"}, Options{})
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestModifyRehashesSuppliedSecret(t *testing.T) {
	d, _ := newTestDirectory(t)
	mustCreate(t, d, "alice", "old-pw", "Alice")
	ctx := context.Background()

	_, err := d.Modify(ctx, "alice", models.Account{Secret: "new-pw"}, Options{})
	require.NoError(t, err)

	_, err = d.VerifySecret(ctx, "alice", "new-pw")
	assert.NoError(t, err)
	_, err = d.VerifySecret(ctx, "alice", "old-pw")
	assert.ErrorIs(t, err, secret.ErrInvalidSecret)
}

func TestModifyExpectedPassthrough(t *testing.T) {
	d, store := newTestDirectory(t)
	mustCreate(t, d, "alice", "pw", "Alice")
	ctx := context.Background()

	_, err := d.Modify(ctx, "alice", models.Account{Status: "ok"},
		Options{Expected: map[string]any{models.ColStatus: "missing"}})
	assert.ErrorIs(t, err, query.ErrNotFound)
	assert.Equal(t, map[string]any{models.ColStatus: "missing"}, store.lastUpdateExpected)

	_, err = d.Modify(ctx, "alice", models.Account{Status: "locked"},
		Options{Expected: map[string]any{models.ColName: "Alice"}})
	assert.NoError(t, err)
}

func TestRemoveReturnsPriorRecord(t *testing.T) {
	d, _ := newTestDirectory(t)
	created := mustCreate(t, d, "alice", "pw", "Alice")
	ctx := context.Background()

	prior, err := d.Remove(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", prior.Login)

	_, err = d.Lookup(ctx, "alice")
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestRemoveUnknownIDIsInvalidID(t *testing.T) {
	d, _ := newTestDirectory(t)

	_, err := d.Remove(context.Background(), "usr-00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestVerifySecretScenarios(t *testing.T) {
	d, _ := newTestDirectory(t)
	created := mustCreate(t, d, "alice", "opensesame", "Alice")
	ctx := context.Background()

	rec, err := d.VerifySecret(ctx, "alice", "opensesame")
	require.NoError(t, err)
	assert.Equal(t, created.ID, rec.ID)

	// By id as well as by login.
	_, err = d.VerifySecret(ctx, created.ID, "opensesame")
	assert.NoError(t, err)

	_, err = d.VerifySecret(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, secret.ErrInvalidSecret)

	_, err = d.VerifySecret(ctx, "ghost", "opensesame")
	assert.ErrorIs(t, err, secret.ErrInvalidSecret)
}

func TestVerifySecretExpiredAccount(t *testing.T) {
	d, _ := newTestDirectory(t)
	mustCreate(t, d, "alice", "pw", "Alice")

	_, err := d.Modify(context.Background(), "alice",
		models.Account{Expires: 1}, Options{Admin: true})
	require.NoError(t, err)

	_, err = d.VerifySecret(context.Background(), "alice", "pw")
	assert.ErrorIs(t, err, secret.ErrInvalidSecret)
}

func TestIsIDClassification(t *testing.T) {
	d, _ := newTestDirectory(t)

	assert.True(t, d.IsID("usr-"+"123e4567-e89b-12d3-a456-426614174000"))
	assert.False(t, d.IsID("alice"))
	assert.False(t, d.IsID("usr-not-a-uuid"))
	assert.False(t, d.IsID("acc-123e4567-e89b-12d3-a456-426614174000"))
}
