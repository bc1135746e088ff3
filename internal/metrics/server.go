package metrics

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ListenAndServe starts a dedicated HTTP server for Prometheus metrics.
// It reads METRICS_PORT (default ":9090"); setting it to the empty string
// disables the server. Shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context) {
	port := os.Getenv("METRICS_PORT")
	if port == "" {
		if _, ok := os.LookupEnv("METRICS_PORT"); ok {
			log.Println("metrics: METRICS_PORT is empty, metrics server disabled")
			return
		}
		port = ":9090"
	}
	if port[0] != ':' {
		port = ":" + port
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("metrics: server shutdown error: %v", err)
		}
	}()

	log.Printf("metrics: server listening on %s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics: server error: %v", err)
	}
}
