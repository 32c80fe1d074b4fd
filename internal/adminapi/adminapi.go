// Package adminapi exposes a read-only HTTP surface for operators: health,
// Prometheus metrics, and borrower state, guarded by the bearer-JWT
// Authenticator adapted from the teacher's gateway/middleware router shape.
package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"liquidator/internal/registry"
	"liquidator/internal/statemachine"
)

// BorrowerView is the JSON-serializable projection of a registry.Borrower.
type BorrowerView struct {
	Address         string    `json:"address"`
	State           string    `json:"state"`
	PredictedHF     float64   `json:"predicted_hf"`
	OracleHF        float64   `json:"oracle_hf"`
	Hydrated        bool      `json:"hydrated"`
	HasCachedTx     bool      `json:"has_cached_tx"`
	PreparedBlock   uint64    `json:"prepared_block,omitempty"`
	LastSkipReason  string    `json:"last_skip_reason,omitempty"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
}

func toView(b registry.Borrower) BorrowerView {
	return BorrowerView{
		Address:        b.Address,
		State:          b.State.String(),
		PredictedHF:    b.PredictedHF,
		OracleHF:       b.OracleHF,
		Hydrated:       b.Hydrated,
		HasCachedTx:    b.CachedTx != nil,
		PreparedBlock:  b.PreparedBlock,
		LastSkipReason: b.LastSkipReason,
		LastUpdatedAt:  b.LastUpdatedAt,
		FirstSeenAt:    b.FirstSeenAt,
	}
}

// Server wires the admin HTTP surface.
type Server struct {
	Registry *registry.Registry
	Auth     *Authenticator
	Logger   *slog.Logger
}

// Router builds the chi router exposed by Server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/", func(protected chi.Router) {
		if s.Auth != nil {
			protected.Use(s.Auth.Middleware)
		}
		protected.Handle("/metrics", promhttp.Handler())
		protected.Get("/borrowers", s.listBorrowers)
		protected.Get("/borrowers/{addr}", s.getBorrower)
	})

	return r
}

func (s *Server) listBorrowers(w http.ResponseWriter, r *http.Request) {
	stateParam := r.URL.Query().Get("state")
	var borrowers []registry.Borrower
	if stateParam == "" {
		borrowers = s.Registry.All()
	} else {
		st, ok := parseState(stateParam)
		if !ok {
			http.Error(w, "unknown state filter", http.StatusBadRequest)
			return
		}
		borrowers = s.Registry.ByState(st)
	}

	views := make([]BorrowerView, 0, len(borrowers))
	for _, b := range borrowers {
		views = append(views, toView(b))
	}
	s.writeJSON(w, views)
}

func (s *Server) getBorrower(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "addr")
	b, ok := s.Registry.Get(addr)
	if !ok {
		http.Error(w, "borrower not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, toView(b))
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil && s.Logger != nil {
		s.Logger.Warn("adminapi: encode response failed", "error", err)
	}
}

func parseState(s string) (statemachine.State, bool) {
	switch s {
	case "safe":
		return statemachine.Safe, true
	case "watch":
		return statemachine.Watch, true
	case "critical":
		return statemachine.Critical, true
	case "liquidatable":
		return statemachine.Liquidatable, true
	default:
		return statemachine.Safe, false
	}
}
