package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/events"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/store"
)

func openRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:notify_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
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
	return repo
}

func relayNotice(desc string) Notice {
	return Notice{
		UserID:      "u1",
		Dashboard:   store.DashboardRoomControl,
		EventType:   store.EventDeviceStatus,
		Description: desc,
		DeviceID:    "dev-1",
		Metadata:    map[string]any{"relay": 3},
	}
}

func TestNotifyCreatesAndEmits(t *testing.T) {
	rec := &events.Recorder{}
	f := New(openRepo(t), rec, 0)
	out, n, err := f.Notify(context.Background(), relayNotice("Fan in Kitchen turned ON"))
	if err != nil || out != Created || n == nil {
		t.Fatalf("expected created, got %v %v %v", out, n, err)
	}
	if n.Description != "Fan in Kitchen turned ON" || n.IsRead {
		t.Fatalf("unexpected record %+v", n)
	}
	got := rec.Named(events.Notification)
	if len(got) != 1 || got[0].UserID != "u1" {
		t.Fatalf("expected one notification event for u1, got %+v", got)
	}
}

func TestNotifySuppressedPersistsNothing(t *testing.T) {
	repo := openRepo(t)
	rec := &events.Recorder{}
	f := New(repo, rec, 0)
	ctx := context.Background()
	if _, err := f.SetDisabled(ctx, "u1", []store.EventType{store.EventDeviceStatus}); err != nil {
		t.Fatalf("set disabled: %v", err)
	}
	out, n, err := f.Notify(ctx, relayNotice("Fan in Kitchen turned ON"))
	if err != nil || out != Suppressed || n != nil {
		t.Fatalf("expected suppressed, got %v %v %v", out, n, err)
	}
	list, _ := f.List(ctx, "u1")
	if len(list) != 0 || len(rec.Events()) != 0 {
		t.Fatalf("suppressed notice left traces: %d rows, %d events", len(list), len(rec.Events()))
	}

	// Other event types still go through.
	sensor := relayNotice("Temperature in Kitchen changed to 23.5°C, Humidity to 61.2%")
	sensor.EventType = store.EventSensorUpdate
	if out, _, _ := f.Notify(ctx, sensor); out != Created {
		t.Fatalf("sensor notice should be created, got %v", out)
	}
}

func TestNotifyKeepsOnlyCapMostRecent(t *testing.T) {
	f := New(openRepo(t), nil, 0)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		if _, _, err := f.Notify(ctx, relayNotice("n"+string(rune('0'+i)))); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	list, err := f.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != DefaultCap {
		t.Fatalf("expected %d notifications, got %d", DefaultCap, len(list))
	}
	if list[0].Description != "n7" || list[4].Description != "n3" {
		t.Fatalf("expected n7..n3, got %q..%q", list[0].Description, list[4].Description)
	}
}

func TestNotifySanitizesDescription(t *testing.T) {
	f := New(openRepo(t), nil, 0)
	_, n, err := f.Notify(context.Background(), relayNotice(`<script>alert(1)</script>Fan in <b>Kitchen</b> turned ON`))
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if strings.ContainsAny(n.Description, "<>") || !strings.Contains(n.Description, "Kitchen") {
		t.Fatalf("description not sanitized: %q", n.Description)
	}
}

func TestPreferencesValidateAndMarkRead(t *testing.T) {
	f := New(openRepo(t), nil, 0)
	ctx := context.Background()
	if _, err := f.SetDisabled(ctx, "u1", []store.EventType{"Bogus"}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, err := f.SetDisabled(ctx, "u1", []store.EventType{store.EventWeatherUpdate, store.EventWeatherUpdate})
	if err != nil || len(got) != 1 {
		t.Fatalf("expected deduplicated set, got %v %v", got, err)
	}
	prefs, _ := f.Preferences(ctx, "u2")
	if prefs == nil || len(prefs) != 0 {
		t.Fatalf("expected empty non-nil preferences for new user, got %v", prefs)
	}

	_, n, _ := f.Notify(ctx, relayNotice("Fan in Kitchen turned OFF"))
	if err := f.MarkRead(ctx, "u2", n.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("foreign mark read should be not found, got %v", err)
	}
	if err := f.MarkRead(ctx, "u1", uuid.New()); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing mark read should be not found, got %v", err)
	}
	if err := f.MarkRead(ctx, "u1", n.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	list, _ := f.List(ctx, "u1")
	if len(list) != 1 || !list[0].IsRead {
		t.Fatalf("expected read notification, got %+v", list)
	}
}
