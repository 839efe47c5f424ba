package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/loqalabs/readaloud/internal/protocol"
	"github.com/loqalabs/readaloud/internal/reader"
)

const maxBodyBytes = 1 << 20

type httpAPI struct {
	service *reader.Service
	ready   func() bool
	logger  *slog.Logger
}

// newHandler builds the daemon's HTTP surface. metrics and ws may be nil.
func newHandler(service *reader.Service, ws http.Handler, metrics http.Handler, ready func() bool, logger *slog.Logger) http.Handler {
	api := &httpAPI{service: service, ready: ready, logger: logger.With(slog.String("component", "http"))}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", api.handleHealth)
	mux.HandleFunc("/readyz", api.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	if ws != nil {
		mux.Handle("/ws", ws)
	}
	mux.HandleFunc("POST /read", api.handleRead)
	mux.HandleFunc("POST /stop", api.handleStop)
	mux.HandleFunc("GET /status", api.handleStatus)
	mux.HandleFunc("GET /sessions", api.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/events", api.handleSessionEvents)
	return otelhttp.NewHandler(mux, "readaloud")
}

func (a *httpAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *httpAPI) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *httpAPI) handleRead(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, protocol.ReadReply{Error: "decode request: " + err.Error()})
		return
	}
	reply, err := a.service.Read(req)
	if err != nil {
		reply.Error = err.Error()
		a.writeJSON(w, readStatusCode(err), reply)
		return
	}
	a.writeJSON(w, http.StatusAccepted, reply)
}

func (a *httpAPI) handleStop(w http.ResponseWriter, r *http.Request) {
	var req protocol.StopRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "decode request: "+err.Error(), http.StatusBadRequest)
		return
	}
	a.writeJSON(w, http.StatusOK, a.service.StopReading(req.SessionID))
}

func (a *httpAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.service.Status())
}

func (a *httpAPI) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := a.limit(w, r)
	if !ok {
		return
	}
	a.writeHistory(w, r, protocol.HistoryRequest{Limit: limit})
}

func (a *httpAPI) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := a.limit(w, r)
	if !ok {
		return
	}
	a.writeHistory(w, r, protocol.HistoryRequest{SessionID: r.PathValue("id"), Limit: limit})
}

func (a *httpAPI) writeHistory(w http.ResponseWriter, r *http.Request, req protocol.HistoryRequest) {
	reply, err := a.service.History(r.Context(), req)
	if err != nil {
		a.logger.Warn("history request failed", slog.String("error", err.Error()))
		reply.Error = err.Error()
		a.writeJSON(w, http.StatusInternalServerError, reply)
		return
	}
	a.writeJSON(w, http.StatusOK, reply)
}

// limit parses the optional ?limit= query parameter.
func (a *httpAPI) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func (a *httpAPI) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}

func readStatusCode(err error) int {
	switch {
	case errors.Is(err, reader.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, reader.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, reader.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
