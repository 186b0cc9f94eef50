package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/campusiot/relayd/internal/broadcast"
	"github.com/campusiot/relayd/internal/bulk"
	"github.com/campusiot/relayd/internal/control"
	"github.com/campusiot/relayd/internal/device"
	"github.com/campusiot/relayd/internal/ledger"
	"github.com/campusiot/relayd/internal/schedule"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type bulkToggleRequest struct {
	Actor   string        `json:"actor"`
	Toggles []bulk.Toggle `json:"toggles"`
}

func (s *Server) handleBulkToggle(w http.ResponseWriter, r *http.Request) {
	var req bulkToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Toggles) == 0 {
		writeBadRequest(w, bulk.ErrEmptyRequest.Error())
		return
	}
	for _, t := range req.Toggles {
		if t.DeviceID == "" || t.SwitchID == "" {
			writeBadRequest(w, "every toggle needs device_id and switch_id")
			return
		}
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	result := s.deps.Bulk.Toggle(r.Context(), req.Actor, req.Toggles)
	writeJSON(w, http.StatusOK, result)
}

type toggleRequest struct {
	State *bool  `json:"state"`
	Actor string `json:"actor"`
}

type toggleResponse struct {
	DeviceID      string `json:"device_id"`
	SwitchID      string `json:"switch_id"`
	PreviousState bool   `json:"previous_state"`
	State         bool   `json:"state"`
	Queued        bool   `json:"queued"`
	Seq           uint64 `json:"seq,omitempty"`
}

func (s *Server) handleToggleSwitch(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	switchID := chi.URLParam(r, "switchID")

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	out, err := s.deps.Switcher.Apply(r.Context(), control.Request{
		DeviceID: deviceID,
		SwitchID: switchID,
		State:    req.State,
		Source:   broadcast.SourceManual,
		Actor:    req.Actor,
	})
	switch {
	case errors.Is(err, device.ErrNotFound), errors.Is(err, device.ErrSwitchNotFound):
		writeNotFound(w, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Str("device_id", deviceID).Str("switch_id", switchID).Msg("Toggle failed")
		writeInternalError(w, "failed to apply switch change")
		return
	}

	writeJSON(w, http.StatusOK, toggleResponse{
		DeviceID:      deviceID,
		SwitchID:      switchID,
		PreviousState: out.PreviousState,
		State:         out.State,
		Queued:        out.Queued,
		Seq:           out.Dispatch.Seq,
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deps.Registry.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list devices")
		writeInternalError(w, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.deps.Registry.Find(r.Context(), chi.URLParam(r, "deviceID"))
	switch {
	case errors.Is(err, device.ErrNotFound):
		writeNotFound(w, err.Error())
	case err != nil:
		writeInternalError(w, "failed to load device")
	default:
		writeJSON(w, http.StatusOK, dev)
	}
}

func (s *Server) handleDeviceActivity(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.deps.History.RecentActivity(chi.URLParam(r, "deviceID"), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read activity log")
		writeInternalError(w, "failed to read activity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	alerts, err := s.deps.History.RecentAlerts(ledger.AlertType(r.URL.Query().Get("type")), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read alerts")
		writeInternalError(w, "failed to read alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

// handleSyncSchedule is called after a schedule record was created, edited
// or deleted so the job set matches the store.
func (s *Server) handleSyncSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scheduleID")

	sch, err := s.deps.Schedules.Get(r.Context(), id)
	if errors.Is(err, schedule.ErrNotFound) {
		removed := s.deps.Scheduler.RemoveJob(id)
		writeJSON(w, http.StatusOK, map[string]any{"schedule_id": id, "scheduled": false, "removed": removed})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("schedule_id", id).Msg("Failed to load schedule")
		writeInternalError(w, "failed to load schedule")
		return
	}

	if err := s.deps.Scheduler.UpdateSchedule(sch); err != nil {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule_id": id, "scheduled": s.deps.Scheduler.HasJob(id)})
}

func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scheduleID")

	sch, err := s.deps.Schedules.Get(r.Context(), id)
	if errors.Is(err, schedule.ErrNotFound) {
		writeNotFound(w, err.Error())
		return
	}
	if err != nil {
		writeInternalError(w, "failed to load schedule")
		return
	}
	if err := sch.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.deps.Scheduler.Execute(r.Context(), sch))
}

func (s *Server) handleSchedulesToday(w http.ResponseWriter, _ *http.Request) {
	tz := s.deps.Scheduler.Timezone()
	now := s.now().In(tz)
	writeJSON(w, http.StatusOK, map[string]any{
		"date":     now.Format("2006-01-02"),
		"timezone": tz.String(),
		"entries":  s.deps.Scheduler.EntriesForDay(now),
	})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeBadRequest(w, "limit must be a positive integer")
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}
