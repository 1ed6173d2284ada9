package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// RemoteStore is the shared L2 tier plus the raw sorted-set primitives used
// for cooldown bookkeeping. Implementations must be safe for concurrent use.
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)
}

// DB is the subset of pgxpool.Pool the postgres store needs; pgxmock
// satisfies it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore implements RemoteStore over two postgres tables:
//
//	cache_kv   (key text primary key, value bytea, expires_at timestamptz)
//	cache_zset (key text, member text, score double precision,
//	            primary key (key, member))
type PGStore struct {
	db      DB
	closeFn func()
}

// NewPGStore connects a pgx pool and ensures the schema exists.
func NewPGStore(ctx context.Context, connString string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, eris.Wrap(err, "cache: connect remote store")
	}
	s := &PGStore{db: pool, closeFn: pool.Close}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPGStoreWithDB wraps an existing connection; used by tests.
func NewPGStoreWithDB(db DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache_kv (
			key text PRIMARY KEY,
			value bytea NOT NULL,
			expires_at timestamptz NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cache_zset (
			key text NOT NULL,
			member text NOT NULL,
			score double precision NOT NULL,
			PRIMARY KEY (key, member)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return eris.Wrap(err, "cache: migrate remote store")
		}
	}
	return nil
}

// Get returns the value for key if present and unexpired.
func (s *PGStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(ctx,
		`SELECT value FROM cache_kv WHERE key = $1 AND expires_at > now()`,
		key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, eris.Wrap(err, "cache: remote get")
	}
	return value, true, nil
}

// Set upserts a value with its expiry.
func (s *PGStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO cache_kv (key, value, expires_at) VALUES ($1, $2, now() + $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, ttl)
	if err != nil {
		return eris.Wrap(err, "cache: remote set")
	}
	return nil
}

// ZAdd upserts a scored member.
func (s *PGStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO cache_zset (key, member, score) VALUES ($1, $2, $3)
		 ON CONFLICT (key, member) DO UPDATE SET score = EXCLUDED.score`,
		key, member, score)
	if err != nil {
		return eris.Wrap(err, "cache: remote zadd")
	}
	return nil
}

// ZRangeByScore returns members with min <= score <= max, ascending.
func (s *PGStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT member FROM cache_zset WHERE key = $1 AND score BETWEEN $2 AND $3 ORDER BY score`,
		key, min, max)
	if err != nil {
		return nil, eris.Wrap(err, "cache: remote zrange")
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, eris.Wrap(err, "cache: remote zrange scan")
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "cache: remote zrange rows")
	}
	return members, nil
}

// ZCard returns the member count for key.
func (s *PGStore) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM cache_zset WHERE key = $1`, key).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "cache: remote zcard")
	}
	return n, nil
}

// Close releases the underlying pool.
func (s *PGStore) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}
