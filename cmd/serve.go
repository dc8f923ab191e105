package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/feed"
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/report"
	"github.com/sells-group/pricescout/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger for scrape batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		s := newServer(ctx, env)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           s.routes(cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		s.wait()
		return nil
	},
}

// server is the HTTP trigger. It runs one batch per request and keeps the
// most recent completed batch for GET /report.
type server struct {
	env *engineEnv
	// base outlives requests so accepted batches finish after the response.
	base context.Context
	wg   sync.WaitGroup

	mu   sync.Mutex
	last *report.Batch
}

func newServer(base context.Context, env *engineEnv) *server {
	return &server{env: env, base: base}
}

func (s *server) wait() { s.wg.Wait() }

func (s *server) routes(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.env.Metrics.Registry, promhttp.HandlerOpts{}))
	r.Post("/scrape", s.handleScrape)
	r.Get("/report", s.handleReport)
	r.Get("/quotes/{retailer}", s.handleQuotes)
	return r
}

// scrapeRequest is the POST /scrape body. Either Targets or Source is set.
type scrapeRequest struct {
	Targets []model.ScrapeTarget `json:"targets"`
	// Source is a targets file URL (http, https or ftp).
	Source string `json:"source"`
	Format string `json:"format"`
	// Wait runs the batch before responding and returns its audit.
	Wait            bool `json:"wait"`
	DeadlineSeconds int  `json:"deadline_seconds"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "retailers": s.env.Registry.Len()}
	code := http.StatusOK
	if s.env.Store != nil {
		if err := s.env.Store.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["store"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, status)
}

func (s *server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	targets := req.Targets
	switch {
	case req.Source != "" && len(targets) > 0:
		writeError(w, http.StatusBadRequest, "give either targets or source, not both")
		return
	case req.Source != "":
		loaded, err := feed.Load(r.Context(), req.Source, feedOptions(s.env.cfg, req.Format, ""))
		if err != nil {
			zap.L().Warn("serve: feed load failed", zap.Error(err))
			writeError(w, http.StatusBadGateway, "could not load targets from source")
			return
		}
		targets = loaded
	default:
		for i := range targets {
			targets[i] = feed.Normalize(targets[i])
		}
	}
	if len(targets) == 0 {
		writeError(w, http.StatusBadRequest, "no targets")
		return
	}

	deadline := time.Duration(req.DeadlineSeconds) * time.Second
	if deadline <= 0 && s.env.cfg.Scrape.BatchDeadlineSecs > 0 {
		deadline = time.Duration(s.env.cfg.Scrape.BatchDeadlineSecs) * time.Second
	}

	if req.Wait {
		b := s.run(r.Context(), targets, deadline)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = b.Audit().WriteJSON(w)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.base, targets, deadline)
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"targets": len(targets),
	})
}

func (s *server) run(ctx context.Context, targets []model.ScrapeTarget, deadline time.Duration) *report.Batch {
	b := s.env.runBatch(ctx, targets, deadline)
	s.mu.Lock()
	s.last = b
	s.mu.Unlock()
	return b
}

func (s *server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	b := s.last
	s.mu.Unlock()
	if b == nil {
		writeError(w, http.StatusNotFound, "no batch has completed yet")
		return
	}
	sum := b.Summary()
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_ = report.WriteText(w, sum)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.WriteHTML(w, sum); err != nil {
		zap.L().Error("serve: render report", zap.Error(err))
	}
}

func (s *server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	if s.env.Store == nil {
		writeError(w, http.StatusNotImplemented, "no store configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	quotes, err := s.env.Store.LatestQuotes(r.Context(), chi.URLParam(r, "retailer"), limit)
	if err != nil {
		zap.L().Error("serve: latest quotes", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	if quotes == nil {
		quotes = []store.QuoteRecord{}
	}
	writeJSON(w, http.StatusOK, quotes)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
