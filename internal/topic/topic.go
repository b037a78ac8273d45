package topic

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
)

// MaxRelay is the highest relay index a controller can expose.
const MaxRelay = 100

// ErrUnrecognized is returned for topics outside the five known shapes.
var ErrUnrecognized = &errs.Error{Kind: errs.ErrNotFound, Message: "topic unrecognized"}

// Intent is the typed meaning of a bus topic. The set is closed.
type Intent interface {
	intent()
}

type RelayAck struct {
	DeviceID string
	Relay    int
}

type SensorReading struct {
	DeviceID string
}

type CameraEvent struct {
	CameraID string
}

type PowerTelemetry struct {
	DeviceID string
}

type WeatherEvent struct {
	Location string
}

func (RelayAck) intent()       {}
func (SensorReading) intent()  {}
func (CameraEvent) intent()    {}
func (PowerTelemetry) intent() {}
func (WeatherEvent) intent()   {}

// Router maps topics under Prefix to intents. An empty prefix matches the
// firmware's "/esp32/..." form.
type Router struct {
	Prefix string
}

func (r Router) base() string {
	return strings.Trim(strings.TrimSpace(r.Prefix), "/")
}

// Parse never touches state and is safe for concurrent use.
func (r Router) Parse(t string) (Intent, error) {
	rest := strings.Trim(t, "/")
	if b := r.base(); b != "" {
		if rest != b && !strings.HasPrefix(rest, b+"/") {
			return nil, fmt.Errorf("%q: %w", t, ErrUnrecognized)
		}
		rest = strings.TrimPrefix(strings.TrimPrefix(rest, b), "/")
	}
	parts := strings.Split(rest, "/")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%q: %w", t, ErrUnrecognized)
		}
	}

	switch {
	case len(parts) == 3 && parts[0] == "esp32" && parts[1] == "dht11":
		return SensorReading{DeviceID: parts[2]}, nil
	case len(parts) == 3 && parts[0] == "esp32" && strings.HasPrefix(parts[2], "relay"):
		n, ok := relayIndex(strings.TrimPrefix(parts[2], "relay"))
		if !ok {
			return nil, fmt.Errorf("%q: bad relay index: %w", t, ErrUnrecognized)
		}
		return RelayAck{DeviceID: parts[1], Relay: n}, nil
	case len(parts) == 2 && parts[0] == "camera":
		return CameraEvent{CameraID: parts[1]}, nil
	case len(parts) == 2 && parts[0] == "power":
		return PowerTelemetry{DeviceID: parts[1]}, nil
	case len(parts) == 2 && parts[0] == "weather":
		return WeatherEvent{Location: parts[1]}, nil
	}
	return nil, fmt.Errorf("%q: %w", t, ErrUnrecognized)
}

func relayIndex(s string) (int, bool) {
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > MaxRelay {
		return 0, false
	}
	return n, true
}

// RelayCommand is the topic a relay command for deviceID/relay is published on.
func (r Router) RelayCommand(deviceID string, relay int) string {
	return r.join("esp32", deviceID, "relay"+strconv.Itoa(relay))
}

// Subscriptions lists the filters the consumer needs.
func (r Router) Subscriptions() []string {
	return []string{
		r.join("esp32", "+", "+"),
		r.join("camera", "+"),
		r.join("power", "+"),
		r.join("weather", "+"),
	}
}

func (r Router) join(parts ...string) string {
	p := strings.Join(parts, "/")
	if b := r.base(); b != "" {
		return b + "/" + p
	}
	return "/" + p
}
