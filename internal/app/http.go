package app

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"grid-bot/internal/scheduler"

	"go.uber.org/zap"
)

// startHTTP serves metrics and the operator endpoints on the metrics listener.
func (a *App) startHTTP() (*http.Server, error) {
	if !a.cfg.Metrics.EnabledValue() {
		return nil, nil
	}
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           a.httpHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, err
	}
	a.log.Info("http listening", zap.String("address", srv.Addr), zap.String("metrics_path", a.cfg.Metrics.Path))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("http server stopped", zap.Error(err))
		}
	}()
	return srv, nil
}

func (a *App) httpHandler() http.Handler {
	mux := http.NewServeMux()
	if a.prom != nil {
		mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	}
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("POST /start", a.handleStart)
	mux.HandleFunc("POST /stop", a.handleStop)
	mux.HandleFunc("POST /cooldown/reset", a.handleCooldownReset)
	mux.HandleFunc("POST /orders/cancel-all", a.handleCancelAll)
	mux.HandleFunc("POST /orders/clear-history", a.handleClearHistory)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Status())
}

// POST /start?interval=5s
func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	interval, err := parseInterval(r.URL.Query().Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.Start(interval); err != nil {
		writeError(w, conflictStatus(err), err)
		return
	}
	a.recordOperator(r.Context(), "start", "http")
	writeJSON(w, http.StatusOK, a.Status())
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.Stop(); err != nil {
		writeError(w, conflictStatus(err), err)
		return
	}
	a.recordOperator(r.Context(), "stop", "http")
	writeJSON(w, http.StatusOK, a.Status())
}

func (a *App) handleCooldownReset(w http.ResponseWriter, r *http.Request) {
	a.ResetCooldown(r.Context())
	a.recordOperator(r.Context(), "reset", "http")
	writeJSON(w, http.StatusOK, a.Status())
}

func (a *App) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	if err := a.CancelAll(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	a.recordOperator(r.Context(), "cancelall", "http")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *App) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	a.ClearOrderHistory()
	a.recordOperator(r.Context(), "clear", "http")
	writeJSON(w, http.StatusOK, a.Status())
}

func conflictStatus(err error) int {
	if errors.Is(err, scheduler.ErrAlreadyRunning) || errors.Is(err, scheduler.ErrNotRunning) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
