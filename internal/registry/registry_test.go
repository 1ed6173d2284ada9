package registry

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seed = `name,province,tax_id,domain
Rossi Impianti Srl,MI,01234567890,rossiimpianti.it
Bianchi Costruzioni Spa,TO,09876543210,
Verdi Trasporti,,11122233344,verditrasporti.it
,XX,0000,skipped.it
`

func newSeededStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	n, err := s.LoadSeed(context.Background(), strings.NewReader(seed))
	require.NoError(t, err)
	require.Equal(t, 3, n, "nameless rows are skipped")
	return s
}

func TestLookup_ByNameAndProvince(t *testing.T) {
	s := newSeededStore(t)

	e, ok := s.Lookup(context.Background(), "Rossi Impianti Srl", "MI")
	require.True(t, ok)
	assert.Equal(t, "01234567890", e.TaxID)
	assert.Equal(t, "rossiimpianti.it", e.Domain)
}

func TestLookup_LegalFormVariantsMatch(t *testing.T) {
	s := newSeededStore(t)

	// Seeded as "Srl", queried as "S.r.l." and bare.
	_, ok := s.Lookup(context.Background(), "Rossi Impianti S.r.l.", "MI")
	assert.True(t, ok)
	_, ok = s.Lookup(context.Background(), "rossi impianti", "MI")
	assert.True(t, ok)
}

func TestLookup_WrongProvinceMisses(t *testing.T) {
	s := newSeededStore(t)

	_, ok := s.Lookup(context.Background(), "Rossi Impianti Srl", "TO")
	assert.False(t, ok)
}

func TestLookup_ProvincelessSeedMatchesAnyProvince(t *testing.T) {
	s := newSeededStore(t)

	e, ok := s.Lookup(context.Background(), "Verdi Trasporti", "RM")
	require.True(t, ok)
	assert.Equal(t, "11122233344", e.TaxID)
}

func TestLookup_EmptyQueryProvinceMatches(t *testing.T) {
	s := newSeededStore(t)

	_, ok := s.Lookup(context.Background(), "Bianchi Costruzioni Spa", "")
	assert.True(t, ok)
}

func TestLookup_UnknownMisses(t *testing.T) {
	s := newSeededStore(t)

	_, ok := s.Lookup(context.Background(), "Sconosciuta Snc", "MI")
	assert.False(t, ok)
}

func TestDegradedStore_NeverErrors(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Migrate(context.Background()))
	n, err := s.LoadSeed(context.Background(), strings.NewReader(seed))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, ok := s.Lookup(context.Background(), "Rossi Impianti Srl", "MI")
	assert.False(t, ok)
}

func TestOpen_MissingFileDegrades(t *testing.T) {
	s, err := Open(t.TempDir() + "/absent.db")
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.Lookup(context.Background(), "Rossi Impianti Srl", "MI")
	assert.False(t, ok)
}
