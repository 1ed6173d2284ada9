package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/resolve-cli/internal/breaker"
	"github.com/sells-group/resolve-cli/internal/cache"
	"github.com/sells-group/resolve-cli/internal/ledger"
	"github.com/sells-group/resolve-cli/internal/model"
	"github.com/sells-group/resolve-cli/internal/oracle"
	"github.com/sells-group/resolve-cli/internal/pipeline"
	"github.com/sells-group/resolve-cli/internal/registry"
	"github.com/sells-group/resolve-cli/internal/router"
	"github.com/sells-group/resolve-cli/internal/search"
	"github.com/sells-group/resolve-cli/internal/valve"
	"github.com/sells-group/resolve-cli/internal/verify"
)

// newTestEnv assembles a real engine with no providers, no remote cache and
// no browser. Records below the quality floor resolve without any network.
func newTestEnv(t *testing.T) *resolverEnv {
	return newTestEnvValve(t, valve.DefaultConfig())
}

func newTestEnvValve(t *testing.T, vcfg valve.Config) *resolverEnv {
	t.Helper()

	led := ledger.New()
	c := cache.New(nil)
	reg, err := registry.Open("")
	require.NoError(t, err)

	prov := router.NewRegistry()
	rt := router.New(prov, c, led)
	v := valve.New(vcfg, led)
	brk := breaker.New(led, v)
	gate := verify.New(rt, c, led)
	guard := oracle.New(c)
	searcher := search.New(rt, nil)

	proc := pipeline.New(pipeline.DefaultConfig(), brk, reg, gate, searcher, guard, rt, v)

	env := &resolverEnv{
		Ledger:    led,
		Cache:     c,
		Registry:  reg,
		Providers: prov,
		Router:    rt,
		Valve:     v,
		Breaker:   brk,
		Processor: proc,
	}
	t.Cleanup(env.Close)
	return env
}

func TestServeHealth(t *testing.T) {
	mux := newServeMux(newTestEnv(t))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServeMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.Record(ledger.Entry{Module: "router", Provider: "ddg-serp", Success: true, DurationMs: 120})
	mux := newServeMux(env)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var m engineMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, 1, m.Ledger.TotalCalls)
	assert.False(t, m.Bleeding)
	assert.False(t, m.CacheL2)
	assert.GreaterOrEqual(t, m.Valve.CurrentConcurrency, 1)
}

func TestServeProviders_EmptyRoster(t *testing.T) {
	mux := newServeMux(newTestEnv(t))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/providers", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())
}

func TestServeResolve_RequiresName(t *testing.T) {
	mux := newServeMux(newTestEnv(t))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/resolve",
		strings.NewReader(`{"city":"Milano"}`)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "name is required")
}

func TestServeResolve_RejectsMalformedBody(t *testing.T) {
	mux := newServeMux(newTestEnv(t))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/resolve",
		strings.NewReader(`{not json`)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeResolve_LowQualityRecord(t *testing.T) {
	mux := newServeMux(newTestEnv(t))

	// A one-letter name scores below the quality floor, so resolution
	// terminates before any external call.
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/resolve",
		strings.NewReader(`{"name":"X"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	var res model.ResolveResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, model.StatusNotFound, res.Status)
	assert.Equal(t, "X", res.Input.Name)
	assert.Nil(t, res.Website)
}

func TestProviderListing_ReportsLedgerStats(t *testing.T) {
	env := newTestEnv(t)
	env.Providers.Register(stubProvider{})
	env.Ledger.Record(ledger.Entry{Provider: "stub", Success: false})
	env.Ledger.Record(ledger.Entry{Provider: "stub", Success: true})

	listing := providerListing(env)
	require.Len(t, listing, 1)
	assert.Equal(t, "stub", listing[0].Name)
	assert.Equal(t, 2, listing[0].CallsServed)
	assert.InDelta(t, 0.5, listing[0].ErrorRate, 0.001)
	assert.Equal(t, []string{string(model.TaskSearch)}, listing[0].Tasks)
}

type stubProvider struct{}

func (stubProvider) Name() string            { return "stub" }
func (stubProvider) Tier() int               { return 0 }
func (stubProvider) CostPerCall() float64    { return 0 }
func (stubProvider) Credits() *float64       { return nil }
func (stubProvider) Tasks() []model.TaskType { return []model.TaskType{model.TaskSearch} }
func (stubProvider) Execute(context.Context, model.Payload) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}
