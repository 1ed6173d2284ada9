// Package registry is the stage-1 lookup: a local sqlite snapshot of known
// businesses mapping normalized name and province to tax id and domain.
// Read-only at run time; a missing database degrades to misses.
package registry

import (
	"context"
	"database/sql"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/resolve-cli/internal/normalize"
)

// Entry is one known business.
type Entry struct {
	Name     string `json:"name"`
	Province string `json:"province,omitempty"`
	TaxID    string `json:"tax_id,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

// Store is the registry handle. A zero-valued db means degraded mode where
// every lookup misses.
type Store struct {
	db *sql.DB
}

// Open opens the registry database at path. An empty or missing path is not
// an error: the store runs degraded and every lookup misses.
func Open(path string) (*Store, error) {
	if path == "" {
		return &Store{}, nil
	}
	if path != ":memory:" {
		if _, err := os.Stat(path); err != nil {
			zap.L().Info("registry: database absent, lookups will miss",
				zap.String("path", path))
			return &Store{}, nil
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "registry: exec %s", pragma)
		}
	}
	return &Store{db: db}, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS businesses (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	name_key TEXT NOT NULL,
	province TEXT NOT NULL DEFAULT '',
	tax_id   TEXT,
	domain   TEXT
);

CREATE INDEX IF NOT EXISTS idx_businesses_key ON businesses(name_key, province);
`

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "registry: migrate")
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LoadSeed ingests a CSV seed (header: name,province,tax_id,domain).
// Rows without a name are skipped.
func (s *Store) LoadSeed(ctx context.Context, r io.Reader) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return 0, eris.Wrap(err, "registry: read seed header")
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}

	loaded := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return loaded, eris.Wrap(err, "registry: read seed row")
		}
		name := field(row, col, "name")
		if name == "" {
			continue
		}
		e := Entry{
			Name:     name,
			Province: strings.ToUpper(field(row, col, "province")),
			TaxID:    field(row, col, "tax_id"),
			Domain:   field(row, col, "domain"),
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO businesses (id, name, name_key, province, tax_id, domain)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), e.Name, nameKey(e.Name), e.Province, e.TaxID, e.Domain)
		if err != nil {
			return loaded, eris.Wrap(err, "registry: insert seed row")
		}
		loaded++
	}
	zap.L().Info("registry: seed loaded", zap.Int("businesses", loaded))
	return loaded, nil
}

// Lookup finds a business by normalized name and province. Misses and
// degraded mode both return ok=false without error.
func (s *Store) Lookup(ctx context.Context, name, province string) (*Entry, bool) {
	if s.db == nil || name == "" {
		return nil, false
	}

	key := nameKey(name)
	province = strings.ToUpper(strings.TrimSpace(province))

	row := s.db.QueryRowContext(ctx,
		`SELECT name, province, COALESCE(tax_id, ''), COALESCE(domain, '')
		 FROM businesses
		 WHERE name_key = ? AND (province = ? OR province = '' OR ? = '')
		 ORDER BY province = ? DESC
		 LIMIT 1`,
		key, province, province, province)

	var e Entry
	if err := row.Scan(&e.Name, &e.Province, &e.TaxID, &e.Domain); err != nil {
		if err != sql.ErrNoRows {
			zap.L().Warn("registry: lookup failed", zap.Error(err))
		}
		return nil, false
	}
	return &e, true
}

// nameKey is the match key: legal suffix stripped, slugged.
func nameKey(name string) string {
	return normalize.Slug(normalize.StripLegalSuffix(name))
}

func field(row []string, col map[string]int, name string) string {
	i, ok := col[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
