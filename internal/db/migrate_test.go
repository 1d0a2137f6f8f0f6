package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMigrations = fstest.MapFS{
	"migrations/002_second.sql": {Data: []byte("CREATE TABLE b (id INT)")},
	"migrations/001_first.sql":  {Data: []byte("CREATE TABLE a (id INT)")},
	"migrations/README.md":      {Data: []byte("ignored")},
}

func expectBookkeeping(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectExists(mock sqlmock.Sqlmock, version string, exists bool) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)")).
		WithArgs(version).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

func TestRunMigrationsAppliesPendingInOrder(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	expectBookkeeping(mock)
	expectExists(mock, "001_first.sql", true)
	expectExists(mock, "002_second.sql", false)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id INT)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version) VALUES ($1)")).
		WithArgs("002_second.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := runMigrations(context.Background(), database, testMigrations)
	require.NoError(t, err)
	assert.Equal(t, []string{"002_second.sql"}, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrationsRollsBackFailedScript(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	expectBookkeeping(mock)
	expectExists(mock, "001_first.sql", false)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE a (id INT)")).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	applied, err := runMigrations(context.Background(), database, testMigrations)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute migration 001_first.sql")
	assert.Empty(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	versions, err := migrationVersions(migrationFiles)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_accounts.sql", "002_subscriptions.sql"}, versions)
}
