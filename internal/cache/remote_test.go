package cache

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPGStore(t *testing.T) (*PGStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPGStoreWithDB(mock), mock
}

func TestPGStore_Get_Hit(t *testing.T) {
	s, mock := newMockPGStore(t)

	mock.ExpectQuery(`SELECT value FROM cache_kv`).
		WithArgs("ns:k").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("v")))

	v, ok, err := s.Get(context.Background(), "ns:k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_Get_MissIsNotAnError(t *testing.T) {
	s, mock := newMockPGStore(t)

	mock.ExpectQuery(`SELECT value FROM cache_kv`).
		WithArgs("ns:unseen").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := s.Get(context.Background(), "ns:unseen")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_Set_Upserts(t *testing.T) {
	s, mock := newMockPGStore(t)

	mock.ExpectExec(`INSERT INTO cache_kv`).
		WithArgs("ns:k", []byte("v"), time.Hour).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Set(context.Background(), "ns:k", []byte("v"), time.Hour))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_ZRangeByScore(t *testing.T) {
	s, mock := newMockPGStore(t)

	mock.ExpectQuery(`SELECT member FROM cache_zset`).
		WithArgs("esc", float64(0), float64(100)).
		WillReturnRows(pgxmock.NewRows([]string{"member"}).AddRow("fp-1").AddRow("fp-2"))

	members, err := s.ZRangeByScore(context.Background(), "esc", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"fp-1", "fp-2"}, members)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_ZCard(t *testing.T) {
	s, mock := newMockPGStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM cache_zset`).
		WithArgs("esc").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))

	n, err := s.ZCard(context.Background(), "esc")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
