package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/command"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/events"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/mqtt"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/notify"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/observability"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/payload"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/registry"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/retry"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/store"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/topic"
)

// Devices is the registry surface the engine reads and mutates through.
type Devices interface {
	Resolve(ctx context.Context, deviceID string, relay int) (registry.Resolution, error)
	ApplyRelayState(ctx context.Context, deviceID string, relay int, on bool) (registry.Result, error)
	Device(ctx context.Context, deviceID string) (*store.Device, error)
	OwnedDevice(ctx context.Context, userID, deviceID string) (*store.Device, error)
	Owners(ctx context.Context) ([]string, error)
	AuthenticateDevice(ctx context.Context, deviceID, secret string) (*store.Device, error)
	CameraOwner(ctx context.Context, name string) (string, error)
}

type Samples interface {
	InsertSensorSample(ctx context.Context, s *store.SensorSample) error
	InsertPowerSample(ctx context.Context, p *store.PowerSample) error
}

type Notifier interface {
	Notify(ctx context.Context, n notify.Notice) (notify.Outcome, *store.Notification, error)
}

type Commander interface {
	Publish(ctx context.Context, deviceID string, relay int, on bool) (command.Ack, error)
}

// LatestCache holds the most recent sensor reading per device. Optional.
type LatestCache interface {
	Set(ctx context.Context, s store.SensorSample) error
}

type Deps struct {
	Router   topic.Router
	Devices  Devices
	Samples  Samples
	Notifier Notifier
	Commands Commander
	Events   events.Emitter
	Latest   LatestCache
}

// Engine turns bus messages and device reports into registry changes,
// stored samples, notifications and live events.
type Engine struct {
	Deps
	retry retry.Policy

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func New(d Deps) *Engine {
	return &Engine{Deps: d, retry: retry.Default}
}

func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.inflight.Add(1)
	return true
}

// Close rejects further messages and waits for in-flight ones.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.inflight.Wait()
}

// HandleMessage processes one bus message. It never returns an error:
// failures are logged and the message is dropped.
func (e *Engine) HandleMessage(ctx context.Context, msg mqtt.Message) {
	if !e.begin() {
		slog.Debug("engine closed, dropping message", "topic", msg.Topic())
		return
	}
	defer e.inflight.Done()

	t, body := msg.Topic(), msg.Payload()
	kind := "unknown"
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic handling bus message", "topic", t, "payload", payload.Prefix(body), "panic", r)
			observability.MessageHandled(kind, "panic")
		}
	}()

	in, err := e.Router.Parse(t)
	if err != nil {
		slog.Debug("ignoring bus message", "topic", t, "error", err)
		observability.MessageHandled(kind, "unrouted")
		return
	}
	kind = intentName(in)

	outcome, err := e.dispatch(ctx, in, body)
	if err != nil {
		outcome = failureOutcome(err)
		if errors.Is(err, errs.ErrDecode) {
			slog.Warn("dropping undecodable message", "topic", t, "payload", payload.Prefix(body), "error", err)
		} else {
			slog.Warn("bus message failed", "topic", t, "payload", payload.Prefix(body), "error", err)
		}
	}
	observability.MessageHandled(kind, outcome)
}

func (e *Engine) dispatch(ctx context.Context, in topic.Intent, body []byte) (string, error) {
	switch in := in.(type) {
	case topic.RelayAck:
		on, err := payload.DecodeRelayState(body)
		if err != nil {
			return "", err
		}
		return e.relayAck(ctx, in.DeviceID, in.Relay, on)
	case topic.SensorReading:
		s, err := payload.DecodeSensor(body)
		if err != nil {
			return "", err
		}
		return e.sensor(ctx, in.DeviceID, s)
	case topic.PowerTelemetry:
		p, err := payload.DecodePower(body)
		if err != nil {
			return "", err
		}
		return e.power(ctx, in.DeviceID, p)
	case topic.CameraEvent:
		c, err := payload.DecodeCamera(body)
		if err != nil {
			return "", err
		}
		return e.camera(ctx, in.CameraID, c)
	case topic.WeatherEvent:
		w, err := payload.DecodeWeather(body)
		if err != nil {
			return "", err
		}
		return e.weather(ctx, in.Location, w)
	default:
		return "", fmt.Errorf("unhandled intent %T", in)
	}
}

func intentName(in topic.Intent) string {
	switch in.(type) {
	case topic.RelayAck:
		return "relay"
	case topic.SensorReading:
		return "sensor"
	case topic.PowerTelemetry:
		return "power"
	case topic.CameraEvent:
		return "camera"
	case topic.WeatherEvent:
		return "weather"
	}
	return "unknown"
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, errs.ErrDecode):
		return "decode_error"
	case errors.Is(err, errs.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func (e *Engine) emit(name, userID string, p any) {
	if e.Events != nil {
		e.Events.Emit(events.Event{Name: name, UserID: userID, Payload: p})
	}
}

// notify never fails the caller; the state change it describes already happened.
func (e *Engine) notify(ctx context.Context, n notify.Notice) {
	if e.Notifier == nil {
		return
	}
	if _, _, err := e.Notifier.Notify(ctx, n); err != nil {
		slog.Warn("notification failed", "user_id", n.UserID, "event_type", n.EventType, "error", err)
	}
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func (e *Engine) relayAck(ctx context.Context, deviceID string, relay int, on bool) (string, error) {
	res, err := e.applyReported(ctx, deviceID, relay, on)
	if err != nil {
		return "", err
	}
	return res.Outcome.String(), nil
}

// applyReported records a state the device says it is in.
func (e *Engine) applyReported(ctx context.Context, deviceID string, relay int, on bool) (registry.Result, error) {
	res, err := e.Devices.ApplyRelayState(ctx, deviceID, relay, on)
	if err != nil {
		return registry.Result{}, err
	}
	switch res.Outcome {
	case registry.NotFound:
		slog.Debug("relay state for unknown target", "device_id", deviceID, "relay", relay)
	case registry.Changed:
		e.relayChanged(ctx, res)
	}
	return res, nil
}

func (e *Engine) relayChanged(ctx context.Context, res registry.Result) {
	e.emit(events.DeviceUpdated, res.UserID, res.Change())
	e.notify(ctx, notify.Notice{
		UserID:      res.UserID,
		Dashboard:   store.DashboardRoomControl,
		EventType:   store.EventDeviceStatus,
		Description: fmt.Sprintf("%s in %s turned %s", res.Relay.Type, res.DeviceName, onOff(res.Relay.IsOn)),
		DeviceID:    res.DeviceID,
		Metadata:    map[string]any{"relay": res.Relay.Index, "is_on": res.Relay.IsOn},
	})
}

func (e *Engine) sensor(ctx context.Context, deviceID string, s payload.Sensor) (string, error) {
	d, err := e.Devices.Device(ctx, deviceID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			slog.Debug("sensor reading for unknown device", "device_id", deviceID)
			return "no_owner", nil
		}
		return "", err
	}
	sample := &store.SensorSample{DeviceID: d.DeviceID, UserID: d.UserID, Temperature: s.Temperature, Humidity: s.Humidity}
	if err := e.retry.Do(ctx, "insert sensor sample", func() error {
		return e.Samples.InsertSensorSample(ctx, sample)
	}); err != nil {
		return "", fmt.Errorf("store sensor sample: %w", err)
	}
	if e.Latest != nil {
		if err := e.Latest.Set(ctx, *sample); err != nil {
			slog.Warn("latest reading cache write failed", "device_id", deviceID, "error", err)
		}
	}
	e.emit(events.SensorData, d.UserID, sample)
	e.notify(ctx, notify.Notice{
		UserID:      d.UserID,
		Dashboard:   store.DashboardDeviceData,
		EventType:   store.EventSensorUpdate,
		Description: fmt.Sprintf("Temperature in %s changed to %v°C, Humidity to %v%%", d.Name, s.Temperature, s.Humidity),
		DeviceID:    d.DeviceID,
		Metadata:    map[string]any{"temperature": s.Temperature, "humidity": s.Humidity},
	})
	return "stored", nil
}

func (e *Engine) power(ctx context.Context, deviceID string, p payload.Power) (string, error) {
	d, err := e.Devices.Device(ctx, deviceID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			slog.Debug("power telemetry for unknown device", "device_id", deviceID)
			return "no_owner", nil
		}
		return "", err
	}
	sample := &store.PowerSample{DeviceID: d.DeviceID, UserID: d.UserID, Voltage: p.Voltage, Current: p.Current}
	if err := e.retry.Do(ctx, "insert power sample", func() error {
		return e.Samples.InsertPowerSample(ctx, sample)
	}); err != nil {
		return "", fmt.Errorf("store power sample: %w", err)
	}
	e.emit(events.PowerUpdate, d.UserID, sample)
	e.notify(ctx, notify.Notice{
		UserID:      d.UserID,
		Dashboard:   store.DashboardPowerSupply,
		EventType:   store.EventPowerMetric,
		Description: fmt.Sprintf("Power update for %s: Voltage %vV, Current %vA", d.Name, p.Voltage, p.Current),
		DeviceID:    d.DeviceID,
		Metadata:    map[string]any{"voltage": p.Voltage, "current": p.Current, "power": p.Power()},
	})
	return "stored", nil
}

func (e *Engine) camera(ctx context.Context, cameraID string, c payload.Camera) (string, error) {
	userID, err := e.Devices.CameraOwner(ctx, cameraID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			slog.Debug("camera event for unknown camera", "camera", cameraID)
			return "no_owner", nil
		}
		return "", err
	}
	if c.Motion {
		e.notify(ctx, notify.Notice{
			UserID:      userID,
			Dashboard:   store.DashboardCamera,
			EventType:   store.EventMotionDetected,
			Description: fmt.Sprintf("Motion detected on camera %s", cameraID),
			DeviceID:    cameraID,
			Metadata:    map[string]any{"camera": cameraID},
		})
	}
	e.emit(events.CameraUpdate, userID, map[string]any{"camera": cameraID, "motion": c.Motion})
	return "delivered", nil
}

func (e *Engine) weather(ctx context.Context, location string, w payload.Weather) (string, error) {
	owners, err := e.Devices.Owners(ctx)
	if err != nil {
		return "", err
	}
	for _, u := range owners {
		e.notify(ctx, notify.Notice{
			UserID:      u,
			Dashboard:   store.DashboardWeather,
			EventType:   store.EventWeatherUpdate,
			Description: fmt.Sprintf("Weather update in %s: Temperature %v°C, %s", location, w.Temperature, w.Condition),
			Metadata:    map[string]any{"location": location, "temperature": w.Temperature, "condition": w.Condition},
		})
		e.emit(events.WeatherUpdate, u, map[string]any{"location": location, "temperature": w.Temperature, "condition": w.Condition})
	}
	return "delivered", nil
}
