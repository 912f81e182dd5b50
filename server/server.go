// Package server is the thin HTTP layer over the control loop: request
// decoding, error mapping, and JSON responses. No control logic lives here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/cement-qc/cement-qc/qc"
)

// proposeTimeout bounds one advisor round trip independent of tick cadence.
const proposeTimeout = 30 * time.Second

// DisturbanceRequest is the POST /disturb payload.
type DisturbanceRequest struct {
	Type      string  `json:"type"`
	Magnitude float64 `json:"magnitude"`
	DurationS int     `json:"duration_s"`
}

// ConfigView is the GET /config response.
type ConfigView struct {
	Targets qc.Targets `json:"targets"`
	Limits  qc.Limits  `json:"limits"`
	Knobs   qc.Knobs   `json:"knobs"`
}

// ConfigPatch is the PATCH /config payload; nil fields are left unchanged.
type ConfigPatch struct {
	Targets *qc.Targets `json:"targets,omitempty"`
	Limits  *qc.Limits  `json:"limits,omitempty"`
}

// Server maps HTTP requests onto the control loop.
type Server struct {
	router *mux.Router
	loop   *qc.ControlLoop
}

// New builds the router over a control loop.
func New(loop *qc.ControlLoop) *Server {
	s := &Server{
		router: mux.NewRouter(),
		loop:   loop,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/state/current", s.handleCurrent).Methods("GET")
	s.router.HandleFunc("/state/series", s.handleSeries).Methods("GET")
	s.router.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	s.router.HandleFunc("/config", s.handlePatchConfig).Methods("PATCH")
	s.router.HandleFunc("/disturb", s.handleDisturb).Methods("POST")
	s.router.HandleFunc("/plan/propose", s.handlePropose).Methods("POST")
	s.router.HandleFunc("/plan/simulate", s.handleSimulate).Methods("POST")
	s.router.HandleFunc("/plan/apply", s.handleApply).Methods("POST")
	s.router.HandleFunc("/audit", s.handleAudit).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler())
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("encode response: %v", err)
	}
}

// writeErr maps pipeline errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, qc.ErrInsufficientData):
		status = http.StatusServiceUnavailable
	case errors.Is(err, qc.ErrNoIssueDetected):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true,
		"ts": time.Now().UTC(),
	})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	sample, ok, err := s.loop.Latest()
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, qc.ErrInsufficientData)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	lastSeconds := 600
	if v := r.URL.Query().Get("last_seconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "last_seconds must be a positive integer"})
			return
		}
		lastSeconds = n
	}
	samples, err := s.loop.Samples(time.Duration(lastSeconds) * time.Second)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	targets, limits, knobs := s.loop.ConfigSnapshot()
	writeJSON(w, http.StatusOK, ConfigView{Targets: targets, Limits: limits, Knobs: knobs})
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.loop.PatchConfig(patch.Targets, patch.Limits)
	targets, limits, knobs := s.loop.ConfigSnapshot()
	writeJSON(w, http.StatusOK, ConfigView{Targets: targets, Limits: limits, Knobs: knobs})
}

func (s *Server) handleDisturb(w http.ResponseWriter, r *http.Request) {
	var req DisturbanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Magnitude == 0 {
		req.Magnitude = 1.0
	}
	if req.DurationS <= 0 {
		req.DurationS = 30
	}
	if err := s.loop.InjectDisturbance(req.Type, req.Magnitude, time.Duration(req.DurationS)*time.Second); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "1" || r.URL.Query().Get("force") == "true"

	ctx, cancel := context.WithTimeout(r.Context(), proposeTimeout)
	defer cancel()

	dec, _, err := s.loop.Propose(ctx, force)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dec.Plan)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var plan qc.Plan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	result, err := s.loop.SimulateEffect(plan)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var plan qc.Plan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	result, err := s.loop.Apply(r.Context(), plan)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := s.loop.Audits(limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Run serves until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logrus.Info("server shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(ctx); err != nil {
			logrus.Errorf("graceful shutdown failed: %v", err)
		}
		close(done)
	}()

	logrus.Infof("serving on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	<-done
	logrus.Info("server stopped")
	return nil
}
