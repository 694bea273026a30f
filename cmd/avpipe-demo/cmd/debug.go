package cmd

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/podfirst/node-av-go/mux"
	"github.com/podfirst/node-av-go/pipeline"
)

// newDebugServer builds the /healthz and /debug/pipeline endpoints exposing
// a running pipeline's ResourceMonitor samples and muxer Stats, in the
// teacher's chi-router-plus-middleware-chain convention.
func newDebugServer(addr string, logger *slog.Logger, monitor *pipeline.ResourceMonitor, muxer *mux.Muxer) *http.Server {
	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	router.Get("/debug/pipeline", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Resources pipeline.ResourceStats `json:"resources"`
			Mux       mux.Stats              `json:"mux"`
		}{
			Resources: monitor.Stats(),
			Mux:       muxer.Stats(),
		})
	})

	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
