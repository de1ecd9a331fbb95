package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/afehub-io/afehub/internal/hub/core"
	"github.com/afehub-io/afehub/internal/hub/core/model"
	"github.com/afehub-io/afehub/internal/hub/dispatch"
	"github.com/afehub-io/afehub/internal/hub/registry"
	"github.com/afehub-io/afehub/internal/hub/telemetry"
	"github.com/afehub-io/afehub/pkg/log"
	"github.com/afehub-io/afehub/pkg/mqtt"
)

// Handlers bundles the services the API fronts.
type Handlers struct {
	Registry   *registry.Registry
	Ingestor   *registry.Ingestor
	Dispatcher *dispatch.Dispatcher
	Telemetry  *telemetry.Service

	// Transport is consulted by the readiness probe; nil means the probe
	// only reports process liveness.
	Transport mqtt.Client

	logger log.Logger
}

func NewHandlers(reg *registry.Registry, ing *registry.Ingestor, d *dispatch.Dispatcher, tel *telemetry.Service, transport mqtt.Client) *Handlers {
	return &Handlers{
		Registry:   reg,
		Ingestor:   ing,
		Dispatcher: d,
		Telemetry:  tel,
		Transport:  transport,
		logger:     log.WithName("http.api"),
	}
}

type registerRequest struct {
	ID     string            `json:"id"`
	Name   string            `json:"name,omitempty"`
	Config map[string]string `json:"config,omitempty"`
}

type commandRequest struct {
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

type commandResponse struct {
	CorrelationID string       `json:"correlationId"`
	Result        model.Result `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handlers) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "device id is required")
		return
	}

	dev, err := h.Registry.Register(r.Context(), req.ID, req.Name, req.Config)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "device already registered")
			return
		}
		h.logger.Error(err, "Register failed", "deviceID", req.ID)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

func (h *Handlers) listDevices(w http.ResponseWriter, _ *http.Request) {
	devices := make([]*model.Device, 0)
	for dev := range h.Registry.List() {
		devices = append(devices, dev)
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *Handlers) getDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := h.Registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (h *Handlers) updateConfig(w http.ResponseWriter, r *http.Request) {
	var config map[string]string
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	dev, err := h.Registry.UpdateConfig(r.Context(), mux.Vars(r)["id"], config)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "config update failed")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// postHeartbeat is the HTTP fallback for devices that cannot reach the
// broker; the MQTT heartbeat topic is the primary path.
func (h *Handlers) postHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.Ingestor.Ingest(mux.Vars(r)["id"], nil); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// postCommand dispatches a command and blocks until it resolves or the
// client goes away. The correlation ID is returned either way so a client
// that timed out locally can still reason about logs and metrics.
func (h *Handlers) postCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	id, err := h.Dispatcher.Dispatch(r.Context(), deviceID, req.Command,
		req.Params, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrNotFound):
			writeError(w, http.StatusNotFound, "device not found")
		case errors.Is(err, core.ErrDeviceOffline):
			writeError(w, http.StatusConflict, "device is not online")
		default:
			h.logger.Error(err, "Dispatch failed", "deviceID", deviceID)
			writeError(w, http.StatusInternalServerError, "dispatch failed")
		}
		return
	}

	res, err := h.Dispatcher.AwaitResult(r.Context(), id)
	if err != nil {
		// The client disconnected or the record was evicted mid-wait; the
		// command itself keeps running to its own deadline.
		h.logger.Debug("Command wait abandoned", "correlationID", id, "error", err.Error())
		writeError(w, http.StatusRequestTimeout, "wait abandoned")
		return
	}

	status := http.StatusOK
	switch res.Outcome {
	case model.OutcomeTimeout:
		status = http.StatusGatewayTimeout
	case model.OutcomeDispatchFailed:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, commandResponse{CorrelationID: id, Result: res})
}

func (h *Handlers) listReadings(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	if _, err := h.Registry.Get(deviceID); err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	q := r.URL.Query()
	from, ok := parseTimeParam(q.Get("from"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid from timestamp")
		return
	}
	to, ok := parseTimeParam(q.Get("to"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid to timestamp")
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	readings := h.Telemetry.Query(deviceID, from, to, limit)
	if readings == nil {
		readings = []model.Reading{}
	}
	writeJSON(w, http.StatusOK, readings)
}

func (h *Handlers) ready(w http.ResponseWriter, _ *http.Request) {
	if h.Transport != nil && !h.Transport.IsConnected() {
		writeError(w, http.StatusServiceUnavailable, "mqtt disconnected")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func parseTimeParam(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
