package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/registry"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/scheduler"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/store"
)

// --- Devices and relays ---

type deviceCreated struct {
	*store.Device
	DeviceKey string `json:"device_key"`
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	list, err := s.Devices.ListDevices(r.Context(), userID(r))
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	if list == nil {
		list = []store.Device{}
	}
	writeJSON(w, http.StatusOK, list)
}

// addDevice returns the device key once; it is never listed afterwards.
func (s *Server) addDevice(w http.ResponseWriter, r *http.Request) {
	var spec registry.DeviceSpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	d, err := s.Devices.AddDevice(r.Context(), userID(r), spec)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, deviceCreated{Device: d, DeviceKey: d.Secret})
}

func (s *Server) updateDevice(w http.ResponseWriter, r *http.Request) {
	var spec registry.DeviceSpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	d, err := s.Devices.UpdateDevice(r.Context(), userID(r), chi.URLParam(r, "deviceID"), spec)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) removeDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.Devices.RemoveDevice(r.Context(), userID(r), chi.URLParam(r, "deviceID")); err != nil {
		errs.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addRelay(w http.ResponseWriter, r *http.Request) {
	var spec registry.RelaySpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	rl, err := s.Devices.AddRelay(r.Context(), userID(r), chi.URLParam(r, "deviceID"), spec)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rl)
}

func (s *Server) updateRelay(w http.ResponseWriter, r *http.Request) {
	idx, ok := parseRelayParam(w, r)
	if !ok {
		return
	}
	var spec registry.RelaySpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	spec.Index = idx
	rl, err := s.Devices.UpdateRelay(r.Context(), userID(r), chi.URLParam(r, "deviceID"), idx, spec)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rl)
}

func (s *Server) removeRelay(w http.ResponseWriter, r *http.Request) {
	idx, ok := parseRelayParam(w, r)
	if !ok {
		return
	}
	if err := s.Devices.RemoveRelay(r.Context(), userID(r), chi.URLParam(r, "deviceID"), idx); err != nil {
		errs.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setRelayState(w http.ResponseWriter, r *http.Request) {
	idx, ok := parseRelayParam(w, r)
	if !ok {
		return
	}
	var body struct {
		IsOn *bool `json:"is_on"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.IsOn == nil {
		errs.WriteStatus(w, http.StatusBadRequest, "is_on is required")
		return
	}
	res, ack, err := s.Commands.SetRelay(r.Context(), userID(r), chi.URLParam(r, "deviceID"), idx, *body.IsOn)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome": res.Outcome.String(),
		"relay":   res.Relay,
		"topic":   ack.Topic,
	})
}

func (s *Server) latestSensor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := s.Devices.OwnedDevice(ctx, userID(r), chi.URLParam(r, "deviceID"))
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	var sample *store.SensorSample
	if s.Cache != nil {
		if sample, err = s.Cache.Get(ctx, d.DeviceID); err != nil {
			slog.Warn("latest reading cache read failed", "device_id", d.DeviceID, "error", err)
		}
	}
	// Readings recorded under a previous owner of the same device id are not served.
	if sample != nil && sample.UserID != d.UserID {
		sample = nil
	}
	if sample == nil {
		if sample, err = s.Readings.LatestSensorSample(ctx, d.DeviceID); err != nil {
			errs.WriteError(w, err)
			return
		}
	}
	if sample == nil || sample.UserID != d.UserID {
		errs.WriteStatus(w, http.StatusNotFound, "no sensor data")
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

// --- Schedules ---

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.Schedules.List(r.Context(), userID(r))
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	if list == nil {
		list = []store.Schedule{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) upsertSchedule(w http.ResponseWriter, r *http.Request) {
	var spec scheduler.RuleSpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	rule, err := s.Schedules.Upsert(r.Context(), userID(r), spec)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "scheduleID")
	if !ok {
		return
	}
	if err := s.Schedules.Delete(r.Context(), userID(r), id); err != nil {
		errs.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Notifications ---

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := s.Notifications.List(r.Context(), userID(r))
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	if list == nil {
		list = []store.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	if err := s.Notifications.MarkRead(r.Context(), userID(r), id); err != nil {
		errs.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type preferences struct {
	DisabledEventTypes []store.EventType `json:"disabled_event_types"`
}

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	types, err := s.Notifications.Preferences(r.Context(), userID(r))
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preferences{DisabledEventTypes: types})
}

func (s *Server) putPreferences(w http.ResponseWriter, r *http.Request) {
	var body preferences
	if !decodeJSON(w, r, &body) {
		return
	}
	types, err := s.Notifications.SetDisabled(r.Context(), userID(r), body.DisabledEventTypes)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preferences{DisabledEventTypes: types})
}

// --- Cameras ---

func (s *Server) listCameras(w http.ResponseWriter, r *http.Request) {
	list, err := s.Devices.ListCameras(r.Context(), userID(r))
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	if list == nil {
		list = []store.Camera{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) addCamera(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		IP   string `json:"ip"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	c, err := s.Devices.AddCamera(r.Context(), userID(r), body.Name, body.IP)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) removeCamera(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "cameraID")
	if !ok {
		return
	}
	if err := s.Devices.RemoveCamera(r.Context(), userID(r), id); err != nil {
		errs.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Device reports ---

type deviceCredentials struct {
	DeviceID  string `json:"device_id"`
	DeviceKey string `json:"device_key"`
	Relay     *int   `json:"relay"`
}

// readReport returns the raw body and the credentials it carries. The body is
// passed on unchanged so the payload decoders see the same fields as on the bus.
func readReport(w http.ResponseWriter, r *http.Request) ([]byte, deviceCredentials, bool) {
	var creds deviceCredentials
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		errs.WriteStatus(w, http.StatusBadRequest, "unreadable body")
		return nil, creds, false
	}
	if err := json.Unmarshal(body, &creds); err != nil {
		errs.WriteStatus(w, http.StatusBadRequest, "invalid json body")
		return nil, creds, false
	}
	creds.DeviceID = strings.TrimSpace(creds.DeviceID)
	if creds.DeviceID == "" || creds.DeviceKey == "" {
		errs.WriteStatus(w, http.StatusForbidden, "device credentials required")
		return nil, creds, false
	}
	return body, creds, true
}

func (s *Server) reportSensor(w http.ResponseWriter, r *http.Request) {
	body, creds, ok := readReport(w, r)
	if !ok {
		return
	}
	if err := s.Commands.ReportSensor(r.Context(), creds.DeviceID, creds.DeviceKey, body); err != nil {
		writeReportError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) reportStatus(w http.ResponseWriter, r *http.Request) {
	body, creds, ok := readReport(w, r)
	if !ok {
		return
	}
	if creds.Relay == nil {
		errs.WriteStatus(w, http.StatusBadRequest, "relay is required")
		return
	}
	res, err := s.Commands.ReportRelayStatus(r.Context(), creds.DeviceID, creds.DeviceKey, *creds.Relay, body)
	if err != nil {
		writeReportError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": res.Outcome.String()})
}
