// Package httpapi is the control surface: race lifecycle, flag commands,
// roster edits, pass ingestion, diagnostics, and the live websocket feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chronocore/backend/internal/diagnostics"
	"github.com/chronocore/backend/internal/engine"
	"github.com/chronocore/backend/internal/model"
)

// Pinger reports backing-store health for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server bundles the router's dependencies.
type Server struct {
	engine *engine.Engine
	store  Pinger
	diag   *diagnostics.Stream
	hub    *Hub
	logger *slog.Logger
}

// New builds the API server. The hub must already be running.
func New(eng *engine.Engine, store Pinger, diag *diagnostics.Stream, hub *Hub) *Server {
	return &Server{
		engine: eng,
		store:  store,
		diag:   diag,
		hub:    hub,
		logger: slog.With("component", "httpapi"),
	}
}

// Router wires all routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS for the operator and spectator frontends
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/race", s.handleLoadRace).Methods("POST")
	api.HandleFunc("/race/flag", s.handleSetFlag).Methods("POST")
	api.HandleFunc("/race/state", s.handleState).Methods("GET")
	api.HandleFunc("/passes", s.handlePass).Methods("POST")
	api.HandleFunc("/entrants/{id}/tag", s.handleAssignTag).Methods("PUT")
	api.HandleFunc("/entrants/{id}/enabled", s.handleSetEnabled).Methods("PUT")
	api.HandleFunc("/grid/freeze", s.handleFreezeGrid).Methods("POST")
	api.HandleFunc("/diagnostics", s.handleDiagnostics).Methods("GET")

	r.HandleFunc("/ws", s.hub.HandleWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "store": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLoadRace(w http.ResponseWriter, r *http.Request) {
	var req engine.LoadRaceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.LoadRace(req); err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := s.engine.Snapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type flagRequest struct {
	Flag       string  `json:"flag"`
	CountdownS float64 `json:"countdown_s,omitempty"`
}

func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	var req flagRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	flag, ok := model.ParseFlag(req.Flag)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown flag " + strconv.Quote(req.Flag)})
		return
	}
	res, err := s.engine.SetFlag(flag, req.CountdownS)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type passRequest struct {
	Tag      string `json:"tag"`
	TsNs     int64  `json:"ts_ns,omitempty"`
	Source   string `json:"source,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

func (s *Server) handlePass(w http.ResponseWriter, r *http.Request) {
	var req passRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	source := model.SourceTrack
	if req.Source != "" {
		parsed, ok := model.ParsePassSource(req.Source)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown source " + strconv.Quote(req.Source)})
			return
		}
		source = parsed
	}
	res := s.engine.IngestPass(model.Pass{
		Tag:      req.Tag,
		TsNs:     req.TsNs,
		Source:   source,
		DeviceID: req.DeviceID,
	})
	// Drops are outcomes, not errors: always 200.
	writeJSON(w, http.StatusOK, res)
}

type tagRequest struct {
	Tag string `json:"tag"`
}

func (s *Server) handleAssignTag(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req tagRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.AssignTag(id, req.Tag); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entrant_id": id, "tag": req.Tag})
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req enabledRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.SetEntrantEnabled(id, req.Enabled); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entrant_id": id, "enabled": req.Enabled})
}

type freezeGridRequest struct {
	SourceHeatID int64  `json:"source_heat_id"`
	Policy       string `json:"policy"`
}

func (s *Server) handleFreezeGrid(w http.ResponseWriter, r *http.Request) {
	var req freezeGridRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	slots, err := s.engine.FreezeGrid(req.SourceHeatID, model.GridPolicy(req.Policy))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source_heat_id": req.SourceHeatID,
		"policy":         req.Policy,
		"grid":           slots,
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     s.diag.Total(),
		"decisions": s.diag.Recent(limit),
	})
}

// --- error mapping ---

type errorBody struct {
	Error     string `json:"error"`
	Phase     string `json:"phase,omitempty"`
	Flag      string `json:"flag,omitempty"`
	Tag       string `json:"tag,omitempty"`
	HolderID  int64  `json:"holder_id,omitempty"`
	HolderNum string `json:"holder_number,omitempty"`
}

// writeError maps engine error kinds to HTTP statuses. Transition and
// conflict errors carry structured context so the operator UI can show
// what blocked the request.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}

	var trans *model.TransitionError
	var conflict *model.ConflictError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &trans):
		status = http.StatusConflict
		body.Phase = string(trans.Phase)
		body.Flag = string(trans.Flag)
	case errors.As(err, &conflict):
		status = http.StatusConflict
		body.Tag = conflict.Tag
		body.HolderID = conflict.HolderID
		body.HolderNum = conflict.HolderNum
	case errors.Is(err, model.ErrInvalidPayload):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrNoSession):
		status = http.StatusPreconditionFailed
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrIllegalTransition):
		status = http.StatusConflict
	default:
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, body)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &payloadError{err: err}
	}
	return nil
}

// payloadError wraps JSON decode failures into the invalid-payload kind.
type payloadError struct{ err error }

func (e *payloadError) Error() string { return "invalid payload: " + e.err.Error() }
func (e *payloadError) Unwrap() error { return model.ErrInvalidPayload }

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, &payloadError{err: errors.New("entrant id must be a positive integer")}
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
