package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/resolve-cli/internal/ledger"
	"github.com/sells-group/resolve-cli/internal/model"
	"github.com/sells-group/resolve-cli/internal/valve"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for on-demand resolution and metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initResolver(ctx)
		if err != nil {
			return eris.Wrap(err, "serve: init engine")
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newServeMux(env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "serve: listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newServeMux wires the HTTP surface over an assembled engine.
func newServeMux(env *resolverEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, collectMetrics(env))
	})

	r.Get("/providers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, providerListing(env))
	})

	r.Post("/resolve", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Name    string `json:"name"`
			City    string `json:"city"`
			Address string `json:"address"`
			Phone   string `json:"phone"`
			Email   string `json:"email"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if body.Name == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
			return
		}

		rec := model.Record{
			ID:      middleware.GetReqID(req.Context()),
			Name:    body.Name,
			City:    body.City,
			Address: body.Address,
			Phone:   body.Phone,
			Email:   body.Email,
		}
		res, err := valve.Execute(req.Context(), env.Valve, valve.PriorityHigh,
			func(ctx context.Context) (*model.ResolveResult, error) {
				return env.Processor.Process(ctx, rec, 0), nil
			})
		if err != nil {
			status := http.StatusServiceUnavailable
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	return r
}

// engineMetrics is the /metrics response shape.
type engineMetrics struct {
	Ledger   ledger.Snapshot `json:"ledger"`
	Valve    valve.Metrics   `json:"valve"`
	Bleeding bool            `json:"bleeding"`
	CacheL2  bool            `json:"cache_l2_healthy"`
}

func collectMetrics(env *resolverEnv) engineMetrics {
	return engineMetrics{
		Ledger:   env.Ledger.HealthSnapshot(5 * time.Minute),
		Valve:    env.Valve.Metrics(),
		Bleeding: env.Breaker.Bleeding(),
		CacheL2:  env.Cache.Healthy(),
	}
}

// providerInfo is one row of the /providers listing.
type providerInfo struct {
	Name        string   `json:"name"`
	Tier        int      `json:"tier"`
	CostEUR     float64  `json:"cost_eur"`
	CreditsEUR  *float64 `json:"credits_eur,omitempty"`
	Tasks       []string `json:"tasks"`
	ErrorRate   float64  `json:"error_rate"`
	CallsServed int      `json:"calls_served"`
}

func providerListing(env *resolverEnv) []providerInfo {
	var out []providerInfo
	for _, p := range env.Providers.List() {
		stats := env.Ledger.ProviderHealth(p.Name())
		var tasks []string
		for _, t := range p.Tasks() {
			tasks = append(tasks, string(t))
		}
		out = append(out, providerInfo{
			Name:        p.Name(),
			Tier:        p.Tier(),
			CostEUR:     p.CostPerCall(),
			CreditsEUR:  p.Credits(),
			Tasks:       tasks,
			ErrorRate:   stats.ErrorRate,
			CallsServed: stats.Calls,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
