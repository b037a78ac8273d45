package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/registry"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/store"
)

// Seed is the startup inventory file.
type Seed struct {
	Devices []SeedDevice `yaml:"devices"`
	Cameras []SeedCamera `yaml:"cameras"`
}

type SeedDevice struct {
	registry.DeviceSpec `yaml:",inline"`

	UserID string `yaml:"user_id"`
}

type SeedCamera struct {
	UserID string `yaml:"user_id"`
	Name   string `yaml:"name"`
	IP     string `yaml:"ip"`
}

func Load(path string) (Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, err
	}
	var seed Seed
	if err := yaml.Unmarshal(b, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return seed, nil
}

// Registry is the subset of *registry.Registry provisioning writes through.
type Registry interface {
	AddDevice(ctx context.Context, userID string, spec registry.DeviceSpec) (*store.Device, error)
	AddCamera(ctx context.Context, userID, name, ip string) (*store.Camera, error)
}

type Report struct {
	Created  int
	Existing int
}

// Apply registers every seeded entity. Entities that already exist are left
// untouched, so applying the same seed twice is a no-op.
func Apply(ctx context.Context, reg Registry, seed Seed) (Report, error) {
	var rep Report
	for _, d := range seed.Devices {
		if d.UserID == "" {
			return rep, errs.Validation("seed device %q has no user_id", d.DeviceID)
		}
		_, err := reg.AddDevice(ctx, d.UserID, d.DeviceSpec)
		switch {
		case err == nil:
			rep.Created++
		case errors.Is(err, errs.ErrConflict):
			rep.Existing++
		default:
			return rep, fmt.Errorf("seed device %q: %w", d.DeviceID, err)
		}
	}
	for _, c := range seed.Cameras {
		if c.UserID == "" {
			return rep, errs.Validation("seed camera %q has no user_id", c.Name)
		}
		_, err := reg.AddCamera(ctx, c.UserID, c.Name, c.IP)
		switch {
		case err == nil:
			rep.Created++
		case errors.Is(err, errs.ErrConflict):
			rep.Existing++
		default:
			return rep, fmt.Errorf("seed camera %q: %w", c.Name, err)
		}
	}
	slog.Info("provisioning applied", "created", rep.Created, "existing", rep.Existing)
	return rep, nil
}

// LoadAndApply is a no-op when path is empty.
func LoadAndApply(ctx context.Context, reg Registry, path string) (Report, error) {
	if path == "" {
		return Report{}, nil
	}
	seed, err := Load(path)
	if err != nil {
		return Report{}, err
	}
	return Apply(ctx, reg, seed)
}
