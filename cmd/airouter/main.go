package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ledgerline/airouter/internal/backend"
	"github.com/ledgerline/airouter/internal/config"
	"github.com/ledgerline/airouter/internal/counterstore"
	"github.com/ledgerline/airouter/internal/metrics"
	"github.com/ledgerline/airouter/internal/router"
)

func main() {
	configPath := flag.String("config", "router_config.yaml", "path to router config")
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("main: %v", err)
	}

	rdb, err := counterstore.NewRedisClient(ctx)
	if err != nil {
		log.Fatalf("main: %v", err)
	}
	store := counterstore.New(rdb)

	backends, err := backend.Build(cfg.Providers)
	if err != nil {
		log.Fatalf("main: %v", err)
	}

	rt, err := router.New(cfg, store, backends, metrics.NewCollectors())
	if err != nil {
		log.Fatalf("main: %v", err)
	}

	go metrics.ListenAndServe(ctx)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      newHandler(rt, store),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("main: server shutdown: %v", err)
		}
	}()

	log.Printf("main: airouter listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("main: %v", err)
	}
}

func newHandler(rt *router.Router, store *counterstore.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := store.Ping(req.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/v1/generate", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Prompt string                   `json:"prompt"`
			Schema backend.SchemaDescriptor `json:"output_schema"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if body.Prompt == "" {
			writeError(w, http.StatusBadRequest, "prompt is required")
			return
		}

		resp, err := rt.Execute(req.Context(), router.Request{
			Prompt: body.Prompt,
			Schema: body.Schema,
		})
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, router.ErrNoEligibleProvider) {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"provider":   resp.Provider,
			"latency_ms": resp.Latency.Milliseconds(),
			"data":       resp.Raw,
		})
	})

	summary := func(w http.ResponseWriter, req *http.Request) {
		day := chi.URLParam(req, "day")
		out, err := rt.DailySummary(req.Context(), day)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
	r.Get("/v1/summary", summary)
	r.Get("/v1/summary/{day}", summary)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("main: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": msg}})
}
