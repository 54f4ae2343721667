package main

import (
	"encoding/json"
	"net/http"

	"github.com/Sternrassler/yt-harvester/pkg/credentials"
	"github.com/Sternrassler/yt-harvester/pkg/ratelimit"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// credentialView is the public view of a credential; the key never leaves
// the process.
type credentialView struct {
	Credential string `json:"credential"`
	Usage      int    `json:"usage"`
	Exhausted  bool   `json:"exhausted"`
}

type quotaView struct {
	Credentials []credentialView      `json:"credentials"`
	Available   bool                  `json:"available"`
	Ledger      *ratelimit.QuotaState `json:"ledger,omitempty"`
	LedgerError string                `json:"ledger_error,omitempty"`
}

// newOpsRouter builds the ops HTTP surface. tracker may be nil.
func newOpsRouter(pool *credentials.Pool, tracker *ratelimit.Tracker, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !pool.HasAvailable() {
			http.Error(w, "no credential available", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/quota", func(w http.ResponseWriter, r *http.Request) {
		view := quotaView{Available: pool.HasAvailable()}
		for _, c := range pool.Snapshot() {
			view.Credentials = append(view.Credentials, credentialView{
				Credential: c.Fingerprint(),
				Usage:      c.Usage,
				Exhausted:  c.Exhausted,
			})
		}
		if tracker != nil {
			state, err := tracker.GetState(r.Context())
			if err != nil {
				view.LedgerError = err.Error()
			} else {
				view.Ledger = state
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(view); err != nil {
			logger.Warn().Err(err).Msg("Failed to write quota response")
		}
	})

	return r
}
