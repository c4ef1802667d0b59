package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarev/credvault/internal/logger"
	"github.com/mkarev/credvault/internal/query"
)

func newTestTranslator(t *testing.T) (*Translator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.Nop()
	tr := New(db, log)
	tr.catalogs["accounts"] = &query.Catalog{
		Table: "accounts",
		Keys:  []query.KeyColumn{{Name: "login", Rank: 0}},
		Indexes: []query.Index{
			{Name: "accounts_id_idx", Keys: []query.KeyColumn{{Name: "id", Rank: 0}}, Global: true},
		},
	}
	return tr, mock
}

func TestGetReturnsRow(t *testing.T) {
	tr, mock := newTestTranslator(t)

	rows := sqlmock.NewRows([]string{"login", "name"}).AddRow("alice", "Alice")
	mock.ExpectQuery("SELECT \\* FROM accounts WHERE login = \\$1 LIMIT 1").
		WithArgs("alice").
		WillReturnRows(rows)

	got, err := tr.Get(context.Background(), "accounts", map[string]any{"login": "alice"}, query.Options{})
	require.NoError(t, err)
	assert.Equal(t, "Alice", got["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissReturnsNotFound(t *testing.T) {
	tr, mock := newTestTranslator(t)

	mock.ExpectQuery("SELECT \\* FROM accounts").
		WillReturnRows(sqlmock.NewRows([]string{"login"}))

	_, err := tr.Get(context.Background(), "accounts", map[string]any{"login": "ghost"}, query.Options{})
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestSelectTranslatesComparisons(t *testing.T) {
	tr, mock := newTestTranslator(t)

	rows := sqlmock.NewRows([]string{"login", "expires"}).AddRow("alice", int64(100))
	mock.ExpectQuery("SELECT \\* FROM accounts WHERE expires < \\$1 AND status = \\$2 ORDER BY expires ASC LIMIT 100 OFFSET 0").
		WithArgs(int64(200), "active").
		WillReturnRows(rows)

	res, err := tr.Select(context.Background(), "accounts",
		map[string]any{"status": "active", "expires": int64(200)},
		query.Options{
			SortColumn:  "expires",
			Comparisons: map[string]query.Comparison{"expires": query.CmpLt},
		})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Nil(t, res.Cursor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectPaginatesAcrossOffsets(t *testing.T) {
	tr, mock := newTestTranslator(t)
	ctx := context.Background()

	first := sqlmock.NewRows([]string{"login"})
	for i := 0; i < 5; i++ {
		first.AddRow("user")
	}
	mock.ExpectQuery("LIMIT 5 OFFSET 0").WillReturnRows(first)

	res, err := tr.Select(ctx, "accounts",
		map[string]any{"status": "active"}, query.Options{Limit: 5})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 5)
	// The page was full, so a continuation cursor is handed back.
	require.NotNil(t, res.Cursor)
	assert.Equal(t, 5, res.Cursor["offset"])

	mock.ExpectQuery("LIMIT 5 OFFSET 5").
		WillReturnRows(sqlmock.NewRows([]string{"login"}).AddRow("last"))

	res, err = tr.Select(ctx, "accounts",
		map[string]any{"status": "active"},
		query.Options{Limit: 5, Cursor: res.Cursor})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
	assert.Nil(t, res.Cursor, "short page means enumeration is complete")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectShortPageEndsPagination(t *testing.T) {
	tr, mock := newTestTranslator(t)

	mock.ExpectQuery("LIMIT 100 OFFSET 0").
		WillReturnRows(sqlmock.NewRows([]string{"login"}).AddRow("only"))

	res, err := tr.Select(context.Background(), "accounts",
		map[string]any{"status": "active"}, query.Options{})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
	assert.Nil(t, res.Cursor)
}

func TestSelectResumesFromCursor(t *testing.T) {
	tr, mock := newTestTranslator(t)

	mock.ExpectQuery("LIMIT 5 OFFSET 40").
		WillReturnRows(sqlmock.NewRows([]string{"login"}).AddRow("resumed"))

	res, err := tr.Select(context.Background(), "accounts",
		map[string]any{"status": "active"},
		query.Options{Limit: 5, Cursor: query.Cursor{"offset": 40}})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectTotalMode(t *testing.T) {
	tr, mock := newTestTranslator(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM accounts WHERE status = \\$1").
		WithArgs("active").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	res, err := tr.Select(context.Background(), "accounts",
		map[string]any{"status": "active"}, query.Options{Total: true})
	require.NoError(t, err)
	assert.Equal(t, 42, res.Total)
	assert.Empty(t, res.Rows)
}

func TestAddUniqueViolationIsAlreadyExists(t *testing.T) {
	tr, mock := newTestTranslator(t)

	mock.ExpectExec("INSERT INTO accounts \\(login,name\\) VALUES \\(\\$1,\\$2\\)").
		WithArgs("alice", "Alice").
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})

	err := tr.Add(context.Background(), "accounts",
		map[string]any{"login": "alice", "name": "Alice"}, query.Options{})
	assert.ErrorIs(t, err, query.ErrAlreadyExists)
}

func TestAddInsertsRow(t *testing.T) {
	tr, mock := newTestTranslator(t)

	mock.ExpectExec("INSERT INTO accounts \\(login,name\\) VALUES \\(\\$1,\\$2\\)").
		WithArgs("bob", "Bob").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := tr.Add(context.Background(), "accounts",
		map[string]any{"login": "bob", "name": "Bob"}, query.Options{})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPutUpsertsOnPrimaryKey(t *testing.T) {
	tr, mock := newTestTranslator(t)

	mock.ExpectExec("INSERT INTO accounts \\(login,name\\) VALUES \\(\\$1,\\$2\\) ON CONFLICT \\(login\\) DO UPDATE SET name = EXCLUDED.name").
		WithArgs("alice", "Alice").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := tr.Put(context.Background(), "accounts",
		map[string]any{"login": "alice", "name": "Alice"}, query.Options{})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateExplicitExpectationFailureIsNotFound(t *testing.T) {
	tr, mock := newTestTranslator(t)

	mock.ExpectExec("UPDATE accounts SET name = \\$1 WHERE login = \\$2 AND status = \\$3").
		WithArgs("New", "alice", "active").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := tr.Update(context.Background(), "accounts",
		map[string]any{"login": "alice"},
		map[string]any{"name": "New"},
		query.Options{Expected: map[string]any{"status": "active"}})
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestUpdateDefaultExpectationFailureIsSilent(t *testing.T) {
	tr, mock := newTestTranslator(t)

	mock.ExpectExec("UPDATE accounts SET name = \\$1 WHERE login = \\$2").
		WithArgs("New", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := tr.Update(context.Background(), "accounts",
		map[string]any{"login": "ghost"},
		map[string]any{"name": "New"},
		query.Options{})
	assert.NoError(t, err)
}

func TestIncrZeroRowsIsNotFound(t *testing.T) {
	tr, mock := newTestTranslator(t)

	mock.ExpectExec("UPDATE accounts SET uses = COALESCE\\(uses, 0\\) \\+ \\$1 WHERE login = \\$2").
		WithArgs(int64(1), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := tr.Incr(context.Background(), "accounts",
		map[string]any{"login": "ghost"},
		map[string]int64{"uses": 1},
		query.Options{})
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestDeleteReturnsPriorState(t *testing.T) {
	tr, mock := newTestTranslator(t)

	rows := sqlmock.NewRows([]string{"login", "name"}).AddRow("alice", "Alice")
	mock.ExpectQuery("DELETE FROM accounts WHERE login = \\$1 RETURNING \\*").
		WithArgs("alice").
		WillReturnRows(rows)

	prior, err := tr.Delete(context.Background(), "accounts",
		map[string]any{"login": "alice"}, query.Options{})
	require.NoError(t, err)
	assert.Equal(t, "Alice", prior["name"])
}

func TestDeleteMissingRecordIsNotFound(t *testing.T) {
	tr, mock := newTestTranslator(t)

	mock.ExpectQuery("DELETE FROM accounts").
		WillReturnRows(sqlmock.NewRows([]string{"login"}))

	_, err := tr.Delete(context.Background(), "accounts",
		map[string]any{"login": "ghost"}, query.Options{})
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestIntrospectBuildsCatalog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tr := New(db, logger.Nop())

	rows := sqlmock.NewRows([]string{"relname", "indisprimary", "attname", "rank"}).
		AddRow("accounts_pkey", true, "login", 0).
		AddRow("accounts_id_idx", false, "id", 0).
		AddRow("accounts_status_idx", false, "status", 0).
		AddRow("accounts_status_idx", false, "expires", 1)
	mock.ExpectQuery("FROM pg_index").
		WithArgs("accounts").
		WillReturnRows(rows)

	require.NoError(t, tr.Introspect(context.Background(), []string{"accounts"}))

	cat, ok := tr.Catalog("accounts")
	require.True(t, ok)
	assert.Equal(t, "login", cat.PartitionKey())
	require.Len(t, cat.Indexes, 2)
	assert.Equal(t, "accounts_id_idx", cat.Indexes[0].Name)

	status, ok := cat.IndexByName("accounts_status_idx")
	require.True(t, ok)
	assert.Len(t, status.Keys, 2)
}

func TestIntrospectNoPrimaryKeyFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tr := New(db, logger.Nop())

	mock.ExpectQuery("FROM pg_index").
		WillReturnRows(sqlmock.NewRows([]string{"relname", "indisprimary", "attname", "rank"}))

	err = tr.Introspect(context.Background(), []string{"heap"})
	assert.ErrorIs(t, err, query.ErrNoCatalog)
}

func TestUpgradeOnlyCreatesMissingIndexes(t *testing.T) {
	tr, mock := newTestTranslator(t)

	mock.ExpectExec("CREATE INDEX accounts_expires_idx ON accounts \\(expires\\)").
		WillReturnResult(sqlmock.NewResult(0, 0))
	reintrospect := sqlmock.NewRows([]string{"relname", "indisprimary", "attname", "rank"}).
		AddRow("accounts_pkey", true, "login", 0).
		AddRow("accounts_expires_idx", false, "expires", 0).
		AddRow("accounts_id_idx", false, "id", 0)
	mock.ExpectQuery("FROM pg_index").WillReturnRows(reintrospect)

	err := tr.Upgrade(context.Background(), query.TableSpec{
		Table: "accounts",
		Indexes: []query.Index{
			{Name: "accounts_id_idx", Keys: []query.KeyColumn{{Name: "id", Rank: 0}}, Global: true},
			{Name: "accounts_expires_idx", Keys: []query.KeyColumn{{Name: "expires", Rank: 0}}, Global: true},
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	cat, _ := tr.Catalog("accounts")
	_, ok := cat.IndexByName("accounts_expires_idx")
	assert.True(t, ok)
}
