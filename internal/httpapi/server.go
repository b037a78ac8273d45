package httpapi

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/command"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/observability"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/registry"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/scheduler"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/store"
)

const maxBodyBytes = 1 << 20

type Devices interface {
	ListDevices(ctx context.Context, userID string) ([]store.Device, error)
	OwnedDevice(ctx context.Context, userID, deviceID string) (*store.Device, error)
	AddDevice(ctx context.Context, userID string, spec registry.DeviceSpec) (*store.Device, error)
	UpdateDevice(ctx context.Context, userID, deviceID string, spec registry.DeviceSpec) (*store.Device, error)
	RemoveDevice(ctx context.Context, userID, deviceID string) error
	AddRelay(ctx context.Context, userID, deviceID string, spec registry.RelaySpec) (*store.Relay, error)
	UpdateRelay(ctx context.Context, userID, deviceID string, index int, spec registry.RelaySpec) (*store.Relay, error)
	RemoveRelay(ctx context.Context, userID, deviceID string, index int) error
	AddCamera(ctx context.Context, userID, name, ip string) (*store.Camera, error)
	ListCameras(ctx context.Context, userID string) ([]store.Camera, error)
	RemoveCamera(ctx context.Context, userID string, id uuid.UUID) error
}

type Commands interface {
	SetRelay(ctx context.Context, userID, deviceID string, relay int, on bool) (registry.Result, command.Ack, error)
	ReportSensor(ctx context.Context, deviceID, key string, body []byte) error
	ReportRelayStatus(ctx context.Context, deviceID, key string, relay int, body []byte) (registry.Result, error)
}

type Schedules interface {
	Upsert(ctx context.Context, userID string, spec scheduler.RuleSpec) (*store.Schedule, error)
	List(ctx context.Context, userID string) ([]store.Schedule, error)
	Delete(ctx context.Context, userID string, id uuid.UUID) error
}

type Notifications interface {
	List(ctx context.Context, userID string) ([]store.Notification, error)
	MarkRead(ctx context.Context, userID string, id uuid.UUID) error
	Preferences(ctx context.Context, userID string) ([]store.EventType, error)
	SetDisabled(ctx context.Context, userID string, types []store.EventType) ([]store.EventType, error)
}

// Readings serves the latest sensor sample of a device. Cache is consulted
// first when set.
type Readings interface {
	LatestSensorSample(ctx context.Context, deviceID string) (*store.SensorSample, error)
}

type ReadingCache interface {
	Get(ctx context.Context, deviceID string) (*store.SensorSample, error)
}

// Sessions upgrades a request to the live event channel of userID.
type Sessions interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string)
}

type Deps struct {
	Devices       Devices
	Commands      Commands
	Schedules     Schedules
	Notifications Notifications
	Readings      Readings
	Cache         ReadingCache
	Sessions      Sessions
	PublicKey     *rsa.PublicKey
	CORSOrigins   []string
	Metrics       http.Handler
	Tracer        oteltrace.Tracer
	ServiceName   string
}

type Server struct {
	Deps
}

func NewServer(d Deps) *Server {
	if d.ServiceName == "" {
		d.ServiceName = "relay-hub"
	}
	return &Server{Deps: d}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.Tracer != nil {
		r.Use(observability.MetricsAndTracingMiddleware(s.Tracer, s.ServiceName))
	}
	origins := s.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "Trace-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics)
	}

	r.Route("/api/report", func(r chi.Router) {
		r.Post("/sensor", s.reportSensor)
		r.Post("/status", s.reportStatus)
	})

	r.Group(func(r chi.Router) {
		r.Use(JWTAuthRS256(s.PublicKey))
		r.Get("/ws", s.serveWS)

		r.Route("/api/devices", func(r chi.Router) {
			r.Get("/", s.listDevices)
			r.Post("/", s.addDevice)
			r.Route("/{deviceID}", func(r chi.Router) {
				r.Put("/", s.updateDevice)
				r.Delete("/", s.removeDevice)
				r.Get("/sensor/latest", s.latestSensor)
				r.Post("/relays", s.addRelay)
				r.Put("/relays/{relay}", s.updateRelay)
				r.Delete("/relays/{relay}", s.removeRelay)
				r.Post("/relays/{relay}/state", s.setRelayState)
			})
		})

		r.Route("/api/schedules", func(r chi.Router) {
			r.Get("/", s.listSchedules)
			r.Put("/", s.upsertSchedule)
			r.Delete("/{scheduleID}", s.deleteSchedule)
		})

		r.Route("/api/notifications", func(r chi.Router) {
			r.Get("/", s.listNotifications)
			r.Get("/preferences", s.getPreferences)
			r.Put("/preferences", s.putPreferences)
			r.Post("/{id}/read", s.markRead)
		})

		r.Route("/api/cameras", func(r chi.Router) {
			r.Get("/", s.listCameras)
			r.Post("/", s.addCamera)
			r.Delete("/{cameraID}", s.removeCamera)
		})
	})
	return r
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.Sessions == nil {
		errs.WriteStatus(w, http.StatusServiceUnavailable, "live updates unavailable")
		return
	}
	s.Sessions.Serve(w, r, userID(r))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		errs.WriteStatus(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, name)))
	if err != nil {
		errs.WriteStatus(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func parseRelayParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "relay"))
	if err != nil {
		errs.WriteStatus(w, http.StatusBadRequest, "relay must be an integer")
		return 0, false
	}
	return n, true
}

// writeReportError maps credential failures on device reports to 403.
func writeReportError(w http.ResponseWriter, err error) {
	if errors.Is(err, errs.ErrNotFound) {
		errs.WriteStatus(w, http.StatusForbidden, "invalid device credentials")
		return
	}
	errs.WriteError(w, err)
}
