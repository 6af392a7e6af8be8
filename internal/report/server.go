// Package report exposes the read-only HTTP surface: recent orders with
// their bracket legs, current per-instrument state, Prometheus metrics and
// a health probe.
package report

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pivotbot/internal/broker"
	"pivotbot/internal/state"
)

const defaultOrderLimit = 100

// OrderLister is the broker read surface the server queries.
type OrderLister interface {
	ListOrders(ctx context.Context, req broker.ListOrdersRequest) ([]broker.OrderDetail, error)
}

// StateLister returns every persisted instrument record.
type StateLister interface {
	All() ([]state.TickerRecord, error)
}

type Server struct {
	http *http.Server
	log  *slog.Logger
}

func NewServer(addr string, orders OrderLister, states StateLister, log *slog.Logger) *Server {
	s := &Server{log: log}

	r := mux.NewRouter()
	r.HandleFunc("/api/orders", s.handleOrders(orders)).Methods(http.MethodGet)
	r.HandleFunc("/api/state", s.handleState(states)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown; http.ErrServerClosed is swallowed.
func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleOrders(orders OrderLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := broker.ListOrdersRequest{
			Status: "all",
			Limit:  defaultOrderLimit,
			Nested: true,
		}
		q := r.URL.Query()
		if status := q.Get("status"); status != "" {
			req.Status = status
		}
		if raw := q.Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			req.Limit = limit
		}
		if raw := q.Get("after"); raw != "" {
			after, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, "after must be RFC 3339")
				return
			}
			req.After = after
		}

		details, err := orders.ListOrders(r.Context(), req)
		if err != nil {
			s.log.Error("order listing failed", "error", err)
			s.writeError(w, http.StatusBadGateway, "broker query failed")
			return
		}
		s.writeJSON(w, details)
	}
}

func (s *Server) handleState(states StateLister) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		recs, err := states.All()
		if err != nil {
			s.log.Error("state listing failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "state query failed")
			return
		}
		type tickerView struct {
			state.TickerRecord
			Phase state.Phase `json:"phase"`
		}
		views := make([]tickerView, 0, len(recs))
		for _, rec := range recs {
			views = append(views, tickerView{TickerRecord: rec, Phase: rec.Phase()})
		}
		s.writeJSON(w, views)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
