package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/events"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/registry"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/store"
)

const seedYAML = `
devices:
  - user_id: u1
    device_id: dev-1
    name: Kitchen
    ip: 192.168.1.20
    relays:
      - relay: 3
        type: Fan
      - relay: 4
        type: Light
  - user_id: u2
    device_id: dev-2
    name: Garage
cameras:
  - user_id: u1
    name: cam1
    ip: 192.168.1.50
`

func newRegistry(t *testing.T) (*registry.Registry, *store.Repo) {
	t.Helper()
	dsn := "file:provision_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return registry.New(repo, &events.Recorder{}), repo
}

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestLoadAndApplyIsIdempotent(t *testing.T) {
	reg, repo := newRegistry(t)
	ctx := context.Background()
	path := writeSeed(t, seedYAML)

	rep, err := LoadAndApply(ctx, reg, path)
	if err != nil || rep.Created != 3 || rep.Existing != 0 {
		t.Fatalf("first apply: %+v %v", rep, err)
	}
	rep, err = LoadAndApply(ctx, reg, path)
	if err != nil || rep.Created != 0 || rep.Existing != 3 {
		t.Fatalf("second apply: %+v %v", rep, err)
	}

	d, err := repo.GetDevice(ctx, "dev-1")
	if err != nil || d == nil || d.UserID != "u1" || len(d.Relays) != 2 || d.Relays[0].Type != "Fan" {
		t.Fatalf("unexpected device %+v %v", d, err)
	}
	if owner, err := reg.CameraOwner(ctx, "cam1"); err != nil || owner != "u1" {
		t.Fatalf("unexpected camera owner %q %v", owner, err)
	}
}

func TestApplyRejectsInvalidSeed(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	_, err := LoadAndApply(ctx, reg, writeSeed(t, "devices:\n  - device_id: dev-9\n    name: Attic\n"))
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("seed without user should be invalid, got %v", err)
	}
	_, err = LoadAndApply(ctx, reg, writeSeed(t, "devices:\n  - user_id: u1\n    device_id: dev-9\n    name: Attic\n    ip: not-an-ip\n"))
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("bad ip should be invalid, got %v", err)
	}
	if _, err := LoadAndApply(ctx, reg, writeSeed(t, "devices: [")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestEmptyPathIsNoop(t *testing.T) {
	reg, _ := newRegistry(t)
	rep, err := LoadAndApply(context.Background(), reg, "")
	if err != nil || rep != (Report{}) {
		t.Fatalf("expected no-op, got %+v %v", rep, err)
	}
}
