package reconcile

import (
	"context"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/command"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/payload"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/registry"
)

// SetRelay commands userID's relay and applies the commanded state locally.
// A device owned by someone else is reported as not found.
func (e *Engine) SetRelay(ctx context.Context, userID, deviceID string, relay int, on bool) (registry.Result, command.Ack, error) {
	if _, err := e.Devices.OwnedDevice(ctx, userID, deviceID); err != nil {
		return registry.Result{}, command.Ack{}, err
	}
	if _, err := e.Devices.Resolve(ctx, deviceID, relay); err != nil {
		return registry.Result{}, command.Ack{}, err
	}
	ack, err := e.Commands.Publish(ctx, deviceID, relay, on)
	if err != nil {
		return registry.Result{}, command.Ack{}, err
	}
	res, err := e.Devices.ApplyRelayState(ctx, deviceID, relay, on)
	if err != nil {
		return registry.Result{}, ack, err
	}
	if res.Outcome == registry.Changed {
		e.relayChanged(ctx, res)
	}
	return res, ack, nil
}

// ReportSensor handles a sensor reading posted by the device itself.
func (e *Engine) ReportSensor(ctx context.Context, deviceID, key string, body []byte) error {
	d, err := e.Devices.AuthenticateDevice(ctx, deviceID, key)
	if err != nil {
		return err
	}
	s, err := payload.DecodeSensor(body)
	if err != nil {
		return err
	}
	_, err = e.sensor(ctx, d.DeviceID, s)
	return err
}

// ReportRelayStatus handles a relay state posted by the device itself. It
// is treated exactly like a relay ack from the bus.
func (e *Engine) ReportRelayStatus(ctx context.Context, deviceID, key string, relay int, body []byte) (registry.Result, error) {
	d, err := e.Devices.AuthenticateDevice(ctx, deviceID, key)
	if err != nil {
		return registry.Result{}, err
	}
	on, err := payload.DecodeRelayState(body)
	if err != nil {
		return registry.Result{}, err
	}
	return e.applyReported(ctx, d.DeviceID, relay, on)
}
