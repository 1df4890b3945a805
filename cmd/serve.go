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

	"github.com/sells-group/csm-cli/internal/model"
	"github.com/sells-group/csm-cli/internal/monitoring"
	"github.com/sells-group/csm-cli/internal/store"
)

var servePort int

// serveAPI bundles what the HTTP handlers need: the store for run history,
// the metrics collector, and the extraction entry point.
type serveAPI struct {
	store     store.Store
	collector *monitoring.Collector
	lookback  int
	extract   func(ctx context.Context, set *model.DocumentSet)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the extraction HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store)

		if cfg.Monitoring.Enabled {
			alerter := monitoring.NewAlerter(cfg.Monitoring)
			checker := monitoring.NewChecker(collector, alerter, cfg.Monitoring)
			go checker.Run(ctx)
		}

		api := &serveAPI{
			store:     env.Store,
			collector: collector,
			lookback:  cfg.Monitoring.LookbackWindowHours,
			extract: func(ctx context.Context, set *model.DocumentSet) {
				result, err := env.Pipeline.Run(ctx, set)
				if err != nil {
					zap.L().Error("api extraction failed",
						zap.String("entity", set.Entity),
						zap.Error(err),
					)
					return
				}
				zap.L().Info("api extraction complete",
					zap.String("entity", set.Entity),
					zap.Int("records", len(result.Records)),
				)
			},
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func (a *serveAPI) router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))

	r.Get("/healthz", a.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/extract", a.handleExtract)
		r.Get("/runs", a.handleListRuns)
		r.Get("/runs/{id}", a.handleGetRun)
		r.Get("/metrics", a.handleMetrics)
	})
	return r
}

// requestLogger logs method, path, and duration for every request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (a *serveAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// extractRequest is the POST /v1/extract body: an inline document set, or
// an entity name referencing a stored one.
type extractRequest struct {
	Entity    string           `json:"entity"`
	Documents []model.Document `json:"documents,omitempty"`
}

func (a *serveAPI) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Entity == "" {
		writeError(w, http.StatusBadRequest, "entity is required")
		return
	}

	set := &model.DocumentSet{Entity: req.Entity, Documents: req.Documents}
	if len(set.Documents) == 0 {
		stored, err := a.store.GetDocumentSet(r.Context(), req.Entity)
		if err != nil {
			writeError(w, http.StatusNotFound, "no stored document set for entity")
			return
		}
		set = stored
	}

	// The request context dies with the response; extraction runs on its own.
	go a.extract(context.WithoutCancel(r.Context()), set)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"entity": req.Entity,
	})
}

func (a *serveAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Status: model.RunStatus(r.URL.Query().Get("status")),
		Entity: r.URL.Query().Get("entity"),
		Limit:  50,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		var limit int
		if _, err := fmt.Sscanf(v, "%d", &limit); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}

	runs, err := a.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *serveAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *serveAPI) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := a.collector.Collect(r.Context(), a.lookback)
	if err != nil {
		zap.L().Error("metrics collection failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "metrics collection failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
