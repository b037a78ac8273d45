package payload

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
)

const (
	MinTemperature = -40.0
	MaxTemperature = 80.0
	MinHumidity    = 0.0
	MaxHumidity    = 100.0

	// DefaultVoltage applies when a power meter omits the voltage field.
	DefaultVoltage = 220.0
)

type Sensor struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

type Power struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
}

func (p Power) Power() float64 { return p.Voltage * p.Current }

type Weather struct {
	Temperature float64 `json:"temperature"`
	Condition   string  `json:"condition"`
}

type Camera struct {
	Motion bool `json:"motion"`
}

var (
	sensorSchema = jsonschema.MustCompileString("sensor.json", `{
		"type": "object",
		"required": ["temperature", "humidity"],
		"properties": {
			"temperature": {"type": "number"},
			"humidity": {"type": "number"}
		}
	}`)
	relaySchema = jsonschema.MustCompileString("relay.json", `{
		"type": "object",
		"required": ["is_on"],
		"properties": {"is_on": {"type": "boolean"}}
	}`)
	powerSchema = jsonschema.MustCompileString("power.json", `{
		"type": "object",
		"required": ["current"],
		"properties": {
			"voltage": {"type": "number"},
			"current": {"type": "number"}
		}
	}`)
	weatherSchema = jsonschema.MustCompileString("weather.json", `{
		"type": "object",
		"required": ["temperature", "condition"],
		"properties": {
			"temperature": {"type": "number"},
			"condition": {"type": "string", "minLength": 1}
		}
	}`)
	cameraSchema = jsonschema.MustCompileString("camera.json", `{
		"type": "object",
		"properties": {"motion": {"type": "boolean"}}
	}`)
)

// structured decodes b as JSON and validates it. ok is false when b is not
// JSON at all, so callers can try a legacy encoding.
func structured(b []byte, schema *jsonschema.Schema, out any) (ok bool, err error) {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return false, nil
	}
	if err := schema.Validate(raw); err != nil {
		return true, errs.Decode("payload does not match %s: %v", schema.Location, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return true, errs.Decode("payload: %v", err)
	}
	return true, nil
}

// DecodeSensor accepts {"temperature":t,"humidity":h} or the legacy "t,h" pair.
func DecodeSensor(b []byte) (Sensor, error) {
	var s Sensor
	ok, err := structured(b, sensorSchema, &s)
	if err != nil {
		return Sensor{}, err
	}
	if !ok {
		parts := strings.Split(strings.TrimSpace(string(b)), ",")
		if len(parts) != 2 {
			return Sensor{}, errs.Decode("sensor payload %q is neither JSON nor a value pair", prefix(b))
		}
		t, err1 := parseFinite(parts[0])
		h, err2 := parseFinite(parts[1])
		if err1 != nil || err2 != nil {
			return Sensor{}, errs.Decode("sensor payload %q is not numeric", prefix(b))
		}
		s = Sensor{Temperature: t, Humidity: h}
	}
	if s.Temperature < MinTemperature || s.Temperature > MaxTemperature {
		return Sensor{}, errs.Decode("temperature %v outside %v..%v", s.Temperature, MinTemperature, MaxTemperature)
	}
	if s.Humidity < MinHumidity || s.Humidity > MaxHumidity {
		return Sensor{}, errs.Decode("humidity %v outside %v..%v", s.Humidity, MinHumidity, MaxHumidity)
	}
	return s, nil
}

// DecodeRelayState accepts {"is_on":bool} or the bare tokens ON and OFF.
func DecodeRelayState(b []byte) (bool, error) {
	var v struct {
		IsOn bool `json:"is_on"`
	}
	ok, err := structured(b, relaySchema, &v)
	if err != nil {
		return false, err
	}
	if ok {
		return v.IsOn, nil
	}
	switch string(bytes.TrimSpace(b)) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return false, errs.Decode("relay payload %q is not a state", prefix(b))
}

func DecodePower(b []byte) (Power, error) {
	p := Power{Voltage: DefaultVoltage}
	ok, err := structured(b, powerSchema, &p)
	if err != nil {
		return Power{}, err
	}
	if !ok {
		return Power{}, errs.Decode("power payload %q is not JSON", prefix(b))
	}
	return p, nil
}

func DecodeWeather(b []byte) (Weather, error) {
	var w Weather
	ok, err := structured(b, weatherSchema, &w)
	if err != nil {
		return Weather{}, err
	}
	if !ok {
		return Weather{}, errs.Decode("weather payload %q is not JSON", prefix(b))
	}
	return w, nil
}

func DecodeCamera(b []byte) (Camera, error) {
	c := Camera{Motion: true}
	ok, err := structured(b, cameraSchema, &c)
	if err != nil {
		return Camera{}, err
	}
	if !ok {
		return Camera{}, errs.Decode("camera payload %q is not JSON", prefix(b))
	}
	return c, nil
}

func parseFinite(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, strconv.ErrRange
	}
	return f, nil
}

// Prefix returns at most 64 bytes of b for log lines.
func Prefix(b []byte) string { return prefix(b) }

func prefix(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
