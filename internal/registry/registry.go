package registry

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/google/uuid"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/events"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/store"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/topic"
)

// Outcome of ApplyRelayState.
type Outcome int

const (
	NotFound Outcome = iota
	Unchanged
	Changed
)

func (o Outcome) String() string {
	switch o {
	case Changed:
		return "changed"
	case Unchanged:
		return "unchanged"
	default:
		return "not_found"
	}
}

// Resolution is the owner view of one relay.
type Resolution struct {
	UserID     string
	DeviceID   string
	DeviceName string
	Relay      store.Relay
}

type Result struct {
	Outcome Outcome
	Resolution
}

// RelayChange is the payload of deviceUpdated events for state transitions.
type RelayChange struct {
	DeviceID   string      `json:"device_id"`
	DeviceName string      `json:"device_name"`
	Relay      store.Relay `json:"relay"`
}

func (r Resolution) Change() RelayChange {
	return RelayChange{DeviceID: r.DeviceID, DeviceName: r.DeviceName, Relay: r.Relay}
}

// Registry is the authoritative source of relay state. All mutations of a
// device are serialized per device id.
type Registry struct {
	repo     *store.Repo
	events   events.Emitter
	locks    deviceLocks
	readings Invalidator
}

// Invalidator drops state derived from a device, such as its cached reading.
type Invalidator interface {
	Delete(ctx context.Context, deviceID string) error
}

// InvalidateOnRemove registers state to clear whenever a device is removed.
func (r *Registry) InvalidateOnRemove(inv Invalidator) { r.readings = inv }

func New(repo *store.Repo, em events.Emitter) *Registry {
	return &Registry{repo: repo, events: em}
}

func (r *Registry) emit(name, userID string, payload any) {
	if r.events == nil {
		return
	}
	r.events.Emit(events.Event{Name: name, UserID: userID, Payload: payload})
}

// Resolve finds the owner and current record of deviceID/relay. A missing
// device or relay is reported as errs.ErrNotFound.
func (r *Registry) Resolve(ctx context.Context, deviceID string, relay int) (Resolution, error) {
	d, err := r.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return Resolution{}, err
	}
	if d == nil {
		return Resolution{}, errs.NotFound("device %q not found", deviceID)
	}
	for _, rl := range d.Relays {
		if rl.Index == relay {
			return Resolution{UserID: d.UserID, DeviceID: d.DeviceID, DeviceName: d.Name, Relay: rl}, nil
		}
	}
	return Resolution{}, errs.NotFound("relay %d not found on device %q", relay, deviceID)
}

// ApplyRelayState is the single entry point for relay state changes.
func (r *Registry) ApplyRelayState(ctx context.Context, deviceID string, relay int, on bool) (Result, error) {
	unlock := r.locks.lock(deviceID)
	defer unlock()

	res, err := r.Resolve(ctx, deviceID, relay)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Result{Outcome: NotFound}, nil
		}
		return Result{}, err
	}
	if res.Relay.IsOn == on {
		return Result{Outcome: Unchanged, Resolution: res}, nil
	}
	changed, err := r.repo.SetRelayState(ctx, deviceID, relay, on)
	if err != nil {
		return Result{}, fmt.Errorf("set relay state: %w", err)
	}
	if !changed {
		// Another replica wrote the same state between our read and write.
		res.Relay.IsOn = on
		return Result{Outcome: Unchanged, Resolution: res}, nil
	}
	rl, err := r.repo.GetRelay(ctx, deviceID, relay)
	if err != nil {
		return Result{}, err
	}
	if rl != nil {
		res.Relay = *rl
	} else {
		res.Relay.IsOn = on
	}
	return Result{Outcome: Changed, Resolution: res}, nil
}

// Device returns the device record or errs.ErrNotFound.
func (r *Registry) Device(ctx context.Context, deviceID string) (*store.Device, error) {
	d, err := r.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errs.NotFound("device %q not found", deviceID)
	}
	return d, nil
}

// OwnedDevice is Device restricted to devices of userID.
func (r *Registry) OwnedDevice(ctx context.Context, userID, deviceID string) (*store.Device, error) {
	d, err := r.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.UserID != userID {
		return nil, errs.NotFound("device %q not found", deviceID)
	}
	return d, nil
}

func (r *Registry) ListDevices(ctx context.Context, userID string) ([]store.Device, error) {
	return r.repo.ListDevices(ctx, userID)
}

// Owners lists every user owning at least one device.
func (r *Registry) Owners(ctx context.Context) ([]string, error) {
	return r.repo.Owners(ctx)
}

// AuthenticateDevice matches a device-originated request by (deviceID, secret).
func (r *Registry) AuthenticateDevice(ctx context.Context, deviceID, secret string) (*store.Device, error) {
	if strings.TrimSpace(deviceID) == "" || strings.TrimSpace(secret) == "" {
		return nil, errs.NotFound("device credentials not recognized")
	}
	d, err := r.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d == nil || subtle.ConstantTimeCompare([]byte(d.Secret), []byte(secret)) != 1 {
		return nil, errs.NotFound("device credentials not recognized")
	}
	return d, nil
}

type DeviceSpec struct {
	DeviceID string      `json:"device_id" yaml:"device_id"`
	Name     string      `json:"name" yaml:"name"`
	IP       string      `json:"ip" yaml:"ip"`
	ImageURL string      `json:"image_url" yaml:"image_url"`
	Relays   []RelaySpec `json:"relays" yaml:"relays"`
}

type RelaySpec struct {
	Index    int    `json:"relay" yaml:"relay"`
	Type     string `json:"type" yaml:"type"`
	ImageURL string `json:"image_url" yaml:"image_url"`
}

func (s *DeviceSpec) normalize() error {
	s.DeviceID = strings.TrimSpace(s.DeviceID)
	s.Name = strings.TrimSpace(s.Name)
	s.IP = strings.TrimSpace(s.IP)
	s.ImageURL = strings.TrimSpace(s.ImageURL)
	if s.DeviceID == "" {
		return errs.Validation("device_id is required")
	}
	if strings.ContainsAny(s.DeviceID, "/+#") {
		return errs.Validation("device_id must not contain topic separators")
	}
	if s.Name == "" {
		return errs.Validation("name is required")
	}
	if s.IP != "" {
		addr, err := netip.ParseAddr(s.IP)
		if err != nil || !addr.Is4() {
			return errs.Validation("invalid ip address %q", s.IP)
		}
	}
	seen := map[int]struct{}{}
	for i := range s.Relays {
		if err := s.Relays[i].normalize(); err != nil {
			return err
		}
		if _, dup := seen[s.Relays[i].Index]; dup {
			return errs.Conflict("relay %d listed twice", s.Relays[i].Index)
		}
		seen[s.Relays[i].Index] = struct{}{}
	}
	return nil
}

func (s *RelaySpec) normalize() error {
	s.Type = strings.TrimSpace(s.Type)
	s.ImageURL = strings.TrimSpace(s.ImageURL)
	if s.Index < 0 || s.Index > topic.MaxRelay {
		return errs.Validation("relay must be an integer between 0 and %d", topic.MaxRelay)
	}
	if s.Type == "" {
		return errs.Validation("relay type is required")
	}
	return nil
}

func newSecret() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// AddDevice registers a controller for userID with a fresh device secret.
func (r *Registry) AddDevice(ctx context.Context, userID string, spec DeviceSpec) (*store.Device, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errs.Validation("user is required")
	}
	if err := spec.normalize(); err != nil {
		return nil, err
	}
	secret, err := newSecret()
	if err != nil {
		return nil, fmt.Errorf("device secret: %w", err)
	}
	d := &store.Device{
		DeviceID: spec.DeviceID,
		UserID:   userID,
		Name:     spec.Name,
		ImageURL: spec.ImageURL,
		Secret:   secret,
	}
	if spec.IP != "" {
		ip := spec.IP
		d.IP = &ip
	}
	for _, rs := range spec.Relays {
		d.Relays = append(d.Relays, store.Relay{Index: rs.Index, Type: rs.Type, ImageURL: rs.ImageURL})
	}

	unlock := r.locks.lock(spec.DeviceID)
	defer unlock()
	if err := r.repo.CreateDevice(ctx, d); err != nil {
		return nil, err
	}
	slog.Info("device registered", "device_id", d.DeviceID, "user_id", userID, "relays", len(d.Relays))
	r.emit(events.RoomAdded, userID, d)
	return d, nil
}

// UpdateDevice changes name, ip and image. Relays are managed separately.
func (r *Registry) UpdateDevice(ctx context.Context, userID, deviceID string, spec DeviceSpec) (*store.Device, error) {
	spec.DeviceID = deviceID
	spec.Relays = nil
	if err := spec.normalize(); err != nil {
		return nil, err
	}
	unlock := r.locks.lock(deviceID)
	defer unlock()

	d, err := r.OwnedDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	d.Name = spec.Name
	d.ImageURL = spec.ImageURL
	d.IP = nil
	if spec.IP != "" {
		ip := spec.IP
		d.IP = &ip
	}
	if err := r.repo.UpdateDevice(ctx, d); err != nil {
		return nil, err
	}
	r.emit(events.RoomUpdated, userID, d)
	return d, nil
}

func (r *Registry) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	unlock := r.locks.lock(deviceID)
	defer unlock()

	if _, err := r.OwnedDevice(ctx, userID, deviceID); err != nil {
		return err
	}
	ok, err := r.repo.DeleteDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("device %q not found", deviceID)
	}
	if r.readings != nil {
		if err := r.readings.Delete(ctx, deviceID); err != nil {
			slog.Warn("cached reading invalidation failed", "device_id", deviceID, "error", err)
		}
	}
	slog.Info("device removed", "device_id", deviceID, "user_id", userID)
	r.emit(events.RoomDeleted, userID, map[string]any{"device_id": deviceID})
	return nil
}

func (r *Registry) AddRelay(ctx context.Context, userID, deviceID string, spec RelaySpec) (*store.Relay, error) {
	if err := spec.normalize(); err != nil {
		return nil, err
	}
	unlock := r.locks.lock(deviceID)
	defer unlock()

	if _, err := r.OwnedDevice(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	rl := &store.Relay{DeviceID: deviceID, Index: spec.Index, Type: spec.Type, ImageURL: spec.ImageURL}
	if err := r.repo.CreateRelay(ctx, rl); err != nil {
		return nil, err
	}
	r.emit(events.DeviceAdded, userID, rl)
	return rl, nil
}

// UpdateRelay changes the display fields of a relay. The index is immutable.
func (r *Registry) UpdateRelay(ctx context.Context, userID, deviceID string, index int, spec RelaySpec) (*store.Relay, error) {
	spec.Index = index
	if err := spec.normalize(); err != nil {
		return nil, err
	}
	unlock := r.locks.lock(deviceID)
	defer unlock()

	if _, err := r.OwnedDevice(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	rl, err := r.repo.UpdateRelayMeta(ctx, deviceID, index, spec.Type, spec.ImageURL)
	if err != nil {
		return nil, err
	}
	if rl == nil {
		return nil, errs.NotFound("relay %d not found on device %q", index, deviceID)
	}
	r.emit(events.DeviceUpdated, userID, rl)
	return rl, nil
}

// RemoveRelay deletes the relay together with its schedule.
func (r *Registry) RemoveRelay(ctx context.Context, userID, deviceID string, index int) error {
	unlock := r.locks.lock(deviceID)
	defer unlock()

	if _, err := r.OwnedDevice(ctx, userID, deviceID); err != nil {
		return err
	}
	ok, err := r.repo.DeleteRelay(ctx, deviceID, index)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("relay %d not found on device %q", index, deviceID)
	}
	r.emit(events.DeviceDeleted, userID, map[string]any{"device_id": deviceID, "relay": index})
	return nil
}

// --- Cameras ---

func (r *Registry) AddCamera(ctx context.Context, userID, name, ip string) (*store.Camera, error) {
	name = strings.TrimSpace(name)
	ip = strings.TrimSpace(ip)
	if name == "" {
		return nil, errs.Validation("camera name is required")
	}
	if strings.ContainsAny(name, "/+#") {
		return nil, errs.Validation("camera name must not contain topic separators")
	}
	if ip != "" {
		if _, err := netip.ParseAddr(ip); err != nil {
			return nil, errs.Validation("invalid ip address %q", ip)
		}
	}
	c := &store.Camera{UserID: userID, Name: name, IP: ip}
	if err := r.repo.CreateCamera(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Registry) ListCameras(ctx context.Context, userID string) ([]store.Camera, error) {
	return r.repo.ListCameras(ctx, userID)
}

func (r *Registry) RemoveCamera(ctx context.Context, userID string, id uuid.UUID) error {
	ok, err := r.repo.DeleteCamera(ctx, userID, id)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("camera %s not found", id)
	}
	return nil
}

// CameraOwner returns the user owning the camera called name.
func (r *Registry) CameraOwner(ctx context.Context, name string) (string, error) {
	c, err := r.repo.CameraByName(ctx, name)
	if err != nil {
		return "", err
	}
	if c == nil || c.UserID == "" {
		return "", errs.NotFound("camera %q not found", name)
	}
	return c.UserID, nil
}
