// Package panel serves the HTTP API the control panel UI talks to.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampd/internal/cycle"
	"github.com/dokzlo13/lampd/internal/kasa"
	"github.com/dokzlo13/lampd/internal/lamp"
	"github.com/dokzlo13/lampd/internal/ledger"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxBodyBytes        = 1 << 16
)

// Lamp is the controller surface the panel drives.
type Lamp interface {
	Connect(ctx context.Context) error
	Connected() bool
	LastError() error
	CurrentState() (kasa.LightState, bool)
	CurrentDevice() (kasa.Device, bool)
	Refresh(ctx context.Context) error
	IssueRandomColor(ctx context.Context) error
	TogglePower(ctx context.Context) error
	SetExactColor(ctx context.Context, hue, saturation, brightness int) error
}

// Cycle is the auto-cycle surface the panel drives.
type Cycle interface {
	Start(period time.Duration) error
	Pause() error
	Resume() error
	Stop()
	SetPeriod(period time.Duration) error
	Status() cycle.Status
}

// History returns recent ledger entries.
type History interface {
	Recent(limit int) ([]*ledger.Entry, error)
}

// Server is the panel HTTP server.
type Server struct {
	addr       string
	lamp       Lamp
	cycle      Cycle
	history    History
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer creates a panel server. history may be nil when the ledger is
// disabled.
func NewServer(host string, port int, l Lamp, c Cycle, history History) *Server {
	s := &Server{
		addr:    fmt.Sprintf("%s:%d", host, port),
		lamp:    l,
		cycle:   c,
		history: history,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)

	s.mux.HandleFunc("GET /api/state", s.handleState)
	s.mux.HandleFunc("POST /api/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/refresh", s.action(s.lamp.Refresh))
	s.mux.HandleFunc("POST /api/shuffle", s.action(s.lamp.IssueRandomColor))
	s.mux.HandleFunc("POST /api/power/toggle", s.action(s.lamp.TogglePower))
	s.mux.HandleFunc("POST /api/color", s.handleColor)

	s.mux.HandleFunc("POST /api/cycle/start", s.handleCycleStart)
	s.mux.HandleFunc("POST /api/cycle/pause", s.cycleAction(s.cycle.Pause))
	s.mux.HandleFunc("POST /api/cycle/resume", s.cycleAction(s.cycle.Resume))
	s.mux.HandleFunc("POST /api/cycle/stop", s.cycleAction(func() error { s.cycle.Stop(); return nil }))
	s.mux.HandleFunc("POST /api/cycle/period", s.handleCyclePeriod)

	s.mux.HandleFunc("GET /api/history", s.handleHistory)
}

// Handler returns the panel's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the panel server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting panel server")

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Panel server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type stateResponse struct {
	Connected bool             `json:"connected"`
	Device    *kasa.Device     `json:"device"`
	State     *kasa.LightState `json:"state"`
	Swatch    lamp.Swatch      `json:"swatch"`
	Cycle     cycle.Status     `json:"cycle"`
	Error     *errorBody       `json:"error"`
}

func (s *Server) snapshot() stateResponse {
	resp := stateResponse{
		Connected: s.lamp.Connected(),
		Swatch:    lamp.DefaultSwatch,
		Cycle:     s.cycle.Status(),
	}
	if dev, ok := s.lamp.CurrentDevice(); ok {
		resp.Device = &dev
	}
	if st, ok := s.lamp.CurrentState(); ok {
		resp.State = &st
		resp.Swatch = lamp.SwatchFor(st)
	}
	if err := s.lamp.LastError(); err != nil {
		body := describe(err)
		resp.Error = &body
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.lamp.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "connecting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.lamp.Connect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) action(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.snapshot())
	}
}

type colorRequest struct {
	Hue        *int `json:"hue"`
	Saturation *int `json:"saturation"`
	Brightness *int `json:"brightness"`
}

func (s *Server) handleColor(w http.ResponseWriter, r *http.Request) {
	var req colorRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if req.Hue == nil || req.Saturation == nil || req.Brightness == nil {
		writeError(w, badRequest("hue, saturation and brightness are required"))
		return
	}
	if err := s.lamp.SetExactColor(r.Context(), *req.Hue, *req.Saturation, *req.Brightness); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

type periodRequest struct {
	PeriodMs *int64 `json:"period_ms"`
}

func (s *Server) handleCycleStart(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	var period time.Duration
	if req.PeriodMs != nil {
		period = time.Duration(*req.PeriodMs) * time.Millisecond
	}
	if err := s.cycle.Start(period); err != nil {
		if !errors.Is(err, cycle.ErrInvalidTransition) {
			err = badRequest(err.Error())
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cycle.Status())
}

func (s *Server) handleCyclePeriod(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if req.PeriodMs == nil || *req.PeriodMs <= 0 {
		writeError(w, badRequest("period_ms must be positive"))
		return
	}
	if err := s.cycle.SetPeriod(time.Duration(*req.PeriodMs) * time.Millisecond); err != nil {
		writeError(w, badRequest(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, s.cycle.Status())
}

func (s *Server) cycleAction(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.cycle.Status())
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, badRequest("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries := []*ledger.Entry{}
	if s.history != nil {
		recent, err := s.history.Recent(limit)
		if err != nil {
			log.Error().Err(err).Msg("Failed to read history")
			writeError(w, err)
			return
		}
		if recent != nil {
			entries = recent
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

// decodeBody reads a JSON body into v. An empty body is accepted when
// optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return badRequest("failed to read request body")
	}
	if len(body) == 0 && optional {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

func describe(err error) errorBody {
	var kerr *kasa.Error
	var rerr *requestError
	switch {
	case errors.Is(err, lamp.ErrInvalidState):
		return errorBody{Kind: "request", Message: err.Error()}
	case errors.As(err, &kerr):
		return errorBody{Kind: string(kerr.Kind), Message: kerr.Message()}
	case errors.As(err, &rerr):
		return errorBody{Kind: "request", Message: rerr.msg}
	case errors.Is(err, cycle.ErrInvalidTransition):
		return errorBody{Kind: "cycle", Message: err.Error()}
	default:
		return errorBody{Kind: "internal", Message: err.Error()}
	}
}

func statusFor(kind string) int {
	switch kind {
	case "request":
		return http.StatusBadRequest
	case "cycle", string(kasa.KindTargetNotFound):
		return http.StatusConflict
	case string(kasa.KindAuth), string(kasa.KindDirectory), string(kasa.KindDecode), string(kasa.KindCommand):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := describe(err)
	writeJSON(w, statusFor(body.Kind), map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
