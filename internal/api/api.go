// Package api implements the REST/WebSocket façade of spec.md §6: pull
// queries over the sample store, a write_register mutation routed to the
// owning poller, and a WebSocket stream of broadcast events.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lumberbarons/modbus-gateway/internal/engine"
	"github.com/lumberbarons/modbus-gateway/internal/model"
	"github.com/lumberbarons/modbus-gateway/internal/poller"
	"github.com/lumberbarons/modbus-gateway/internal/store"
)

// Server wires the sample store (pull reads) and engine (writes, poller
// lookup) behind a chi router, plus the WebSocket hub for pushed events.
type Server struct {
	store  *store.Store
	engine *engine.Engine
	hub    *Hub
	router chi.Router
}

// NewServer builds the router. hub should already be running (see
// NewHub/Hub.Run) so WebSocket clients receive live events.
func NewServer(s *store.Store, e *engine.Engine, hub *Hub) *Server {
	srv := &Server{store: s, engine: e, hub: hub}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)

	r.Get("/devices", srv.listDevices)
	r.Get("/devices/{deviceID}", srv.getDevice)
	r.Get("/devices/{deviceID}/registers", srv.listRegisters)
	r.Get("/devices/{deviceID}/registers/{name}", srv.getRegister)
	r.Put("/devices/{deviceID}/registers/{name}", srv.writeRegister)
	r.Get("/ws", hub.ServeHTTP)

	srv.router = r
	return srv
}

// ServeHTTP implements http.Handler, delegating to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListDevices())
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	status, err := s.store.GetDevice(deviceID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) listRegisters(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	samples, err := s.store.ListRegisters(deviceID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) getRegister(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	name := chi.URLParam(r, "name")
	sample, err := s.store.GetRegister(deviceID, name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

type writeRegisterRequest struct {
	Value any `json:"value"`
}

func (s *Server) writeRegister(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	name := chi.URLParam(r, "name")

	p := s.engine.Poller(deviceID)
	if p == nil {
		writeError(w, http.StatusNotFound, errors.New("device not found or not running"))
		return
	}

	var req writeRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := p.WriteRegister(r.Context(), name, req.Value); err != nil {
		var writeErr *poller.WriteError
		if errors.As(err, &writeErr) {
			writeError(w, statusForErrorKind(writeErr.Kind), writeErr)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func statusForErrorKind(kind model.ErrorKind) int {
	switch kind {
	case model.ErrorKindReadOnlyArea, model.ErrorKindOutOfRange:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
