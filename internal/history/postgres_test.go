package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set LEAFY_TEST_POSTGRES_DSN to run against a real database.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("LEAFY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEAFY_TEST_POSTGRES_DSN not set")
	}
	s, err := OpenPostgres(context.Background(), PostgresConfig{DSN: dsn, MaxOpenConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	user := "pg-" + uuid.NewString()

	older := NewRecord(UserID(user), "leaf_detections/a.jpg", "potato", "Late Blight", 0.81)
	older.CreatedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	newer := NewRecord(UserID(user), "leaf_detections/b.jpg", "potato", "Healthy", 0.64)
	newer.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.Save(ctx, older))
	require.NoError(t, s.Save(ctx, newer))

	got, err := s.Get(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, older, got)

	list, err := s.ListByUser(ctx, user, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)

	removed, err := s.DeleteByUser(ctx, user)
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	_, err = s.Get(ctx, older.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	_, err := OpenPostgres(context.Background(), PostgresConfig{})
	assert.Error(t, err)
}

func TestLimitClause(t *testing.T) {
	assert.Empty(t, limitClause(0))
	assert.Empty(t, limitClause(-3))
	assert.Equal(t, " limit 5", limitClause(5))
}
