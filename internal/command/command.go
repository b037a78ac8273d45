package command

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/topic"
)

// Bus is the publish side of the broker connection.
type Bus interface {
	Publish(topic string, payload []byte) error
}

// Ack confirms a command was handed to the bus. It says nothing about
// whether the device received it.
type Ack struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// Publisher is the only path by which relay commands reach devices.
type Publisher struct {
	bus    Bus
	router topic.Router
}

func NewPublisher(bus Bus, router topic.Router) *Publisher {
	return &Publisher{bus: bus, router: router}
}

type relayCommand struct {
	IsOn bool `json:"is_on"`
}

func Validate(deviceID string, relay int) error {
	if strings.TrimSpace(deviceID) == "" {
		return errs.Validation("device id is required")
	}
	if strings.ContainsAny(deviceID, "/+#") {
		return errs.Validation("device id %q is not a valid topic segment", deviceID)
	}
	if relay < 0 || relay > topic.MaxRelay {
		return errs.Validation("relay must be an integer between 0 and %d", topic.MaxRelay)
	}
	return nil
}

// Publish sends {"is_on":on} to the relay's command topic.
func (p *Publisher) Publish(ctx context.Context, deviceID string, relay int, on bool) (Ack, error) {
	if err := Validate(deviceID, relay); err != nil {
		return Ack{}, err
	}
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	b, err := json.Marshal(relayCommand{IsOn: on})
	if err != nil {
		return Ack{}, err
	}
	t := p.router.RelayCommand(deviceID, relay)
	if err := p.bus.Publish(t, b); err != nil {
		slog.Warn("relay command publish failed", "topic", t, "error", err)
		return Ack{}, errs.Transport(err, "publish %s", t)
	}
	slog.Debug("relay command published", "topic", t, "is_on", on)
	return Ack{Topic: t, Payload: string(b)}, nil
}
