package store

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
)

func openRepo(t *testing.T) *Repo {
	t.Helper()
	dsn := "file:store_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	repo, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func strPtr(s string) *string { return &s }

func seedDevice(t *testing.T, repo *Repo, user, id, name string, relays ...int) *Device {
	t.Helper()
	d := &Device{DeviceID: id, UserID: user, Name: name, Secret: "secret-" + id}
	for _, n := range relays {
		d.Relays = append(d.Relays, Relay{Index: n, Type: "Light"})
	}
	if err := repo.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("create device: %v", err)
	}
	return d
}

func TestCreateDeviceEnforcesUniqueness(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	if err := repo.CreateDevice(ctx, &Device{DeviceID: "dev-1", UserID: "u1", Name: "Kitchen", IP: strPtr("10.0.0.5"), Secret: "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []Device{
		{DeviceID: "dev-1", UserID: "u2", Name: "Hall", Secret: "b"},
		{DeviceID: "dev-2", UserID: "u1", Name: "Kitchen", Secret: "b"},
		{DeviceID: "dev-3", UserID: "u1", Name: "Hall", IP: strPtr("10.0.0.5"), Secret: "b"},
	}
	for _, d := range cases {
		d := d
		if err := repo.CreateDevice(ctx, &d); !errors.Is(err, errs.ErrConflict) {
			t.Fatalf("%s: expected conflict, got %v", d.DeviceID, err)
		}
	}

	// Same name and ip are fine for another user.
	if err := repo.CreateDevice(ctx, &Device{DeviceID: "dev-4", UserID: "u2", Name: "Kitchen", IP: strPtr("10.0.0.5"), Secret: "c"}); err != nil {
		t.Fatalf("expected other user's device to be accepted: %v", err)
	}
	// Devices without an ip never clash on ip.
	if err := repo.CreateDevice(ctx, &Device{DeviceID: "dev-5", UserID: "u1", Name: "Garage", Secret: "d"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.CreateDevice(ctx, &Device{DeviceID: "dev-6", UserID: "u1", Name: "Attic", Secret: "e"}); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestSetRelayStateOnlyWritesTransitions(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	seedDevice(t, repo, "u1", "dev-1", "Kitchen", 3)

	changed, err := repo.SetRelayState(ctx, "dev-1", 3, true)
	if err != nil || !changed {
		t.Fatalf("expected first write to change state, changed=%v err=%v", changed, err)
	}
	changed, err = repo.SetRelayState(ctx, "dev-1", 3, true)
	if err != nil || changed {
		t.Fatalf("expected duplicate write to be a no-op, changed=%v err=%v", changed, err)
	}
	changed, err = repo.SetRelayState(ctx, "dev-1", 9, true)
	if err != nil || changed {
		t.Fatalf("expected missing relay to be a no-op, changed=%v err=%v", changed, err)
	}

	rl, err := repo.GetRelay(ctx, "dev-1", 3)
	if err != nil || rl == nil {
		t.Fatalf("get relay: %v", err)
	}
	if !rl.IsOn || rl.Version != 1 {
		t.Fatalf("expected relay on at version 1, got %+v", rl)
	}
}

func TestDeleteRelayRemovesItsSchedule(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	seedDevice(t, repo, "u1", "dev-1", "Kitchen", 1, 2)
	on := time.Date(2025, 1, 1, 7, 0, 0, 0, time.UTC)
	for _, n := range []int{1, 2} {
		if err := repo.UpsertSchedule(ctx, &Schedule{UserID: "u1", DeviceID: "dev-1", RelayIndex: n, OnTime: &on}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	deleted, err := repo.DeleteRelay(ctx, "dev-1", 1)
	if err != nil || !deleted {
		t.Fatalf("delete relay: deleted=%v err=%v", deleted, err)
	}
	rows, err := repo.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].RelayIndex != 2 {
		t.Fatalf("expected only relay 2's schedule to remain, got %+v", rows)
	}

	if _, err := repo.DeleteDevice(ctx, "dev-1"); err != nil {
		t.Fatalf("delete device: %v", err)
	}
	rows, _ = repo.ListSchedules(ctx)
	if len(rows) != 0 {
		t.Fatalf("expected device removal to cascade to schedules, got %+v", rows)
	}
	if d, _ := repo.GetDevice(ctx, "dev-1"); d != nil {
		t.Fatalf("expected device to be gone")
	}
}

func TestUpsertScheduleKeepsOneRulePerTarget(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	seedDevice(t, repo, "u1", "dev-1", "Kitchen", 1)
	on := time.Date(2025, 1, 1, 7, 0, 0, 0, time.UTC)
	off := on.Add(time.Hour)

	first := &Schedule{UserID: "u1", DeviceID: "dev-1", RelayIndex: 1, OnTime: &on}
	if err := repo.UpsertSchedule(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second := &Schedule{UserID: "u1", DeviceID: "dev-1", RelayIndex: 1, OnTime: &on, OffTime: &off, Recurring: true}
	if err := repo.UpsertSchedule(ctx, second); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected upsert to keep id %s, got %s", first.ID, second.ID)
	}
	rows, _ := repo.ListSchedulesForUser(ctx, "u1")
	if len(rows) != 1 || !rows[0].Recurring || rows[0].OffTime == nil || !rows[0].OffTime.Equal(off) {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestTrimNotificationsKeepsMostRecent(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		n := &Notification{UserID: "u1", Dashboard: DashboardRoomControl, EventType: EventDeviceStatus, Description: "n", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := repo.CreateNotification(ctx, n); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := repo.CreateNotification(ctx, &Notification{UserID: "u2", Dashboard: DashboardWeather, EventType: EventWeatherUpdate, Description: "w", CreatedAt: base}); err != nil {
		t.Fatalf("create: %v", err)
	}

	removed, err := repo.TrimNotifications(ctx, "u1", 5)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	rows, _ := repo.ListNotifications(ctx, "u1", 0)
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(rows))
	}
	for i, n := range rows {
		want := base.Add(time.Duration(7-i) * time.Second)
		if !n.CreatedAt.Equal(want) {
			t.Fatalf("row %d: expected %v, got %v", i, want, n.CreatedAt)
		}
	}
	other, _ := repo.ListNotifications(ctx, "u2", 0)
	if len(other) != 1 {
		t.Fatalf("expected other user's history untouched, got %d", len(other))
	}
}

func TestPreferencesRoundTripAndSamplesPurge(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	if got, err := repo.DisabledEventTypes(ctx, "u1"); err != nil || len(got) != 0 {
		t.Fatalf("expected no preferences, got %v %v", got, err)
	}
	if err := repo.SetDisabledEventTypes(ctx, "u1", []EventType{EventSensorUpdate}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := repo.SetDisabledEventTypes(ctx, "u1", []EventType{EventSensorUpdate, EventPowerMetric}); err != nil {
		t.Fatalf("set again: %v", err)
	}
	got, err := repo.DisabledEventTypes(ctx, "u1")
	if err != nil || len(got) != 2 || got[1] != EventPowerMetric {
		t.Fatalf("unexpected preferences %v %v", got, err)
	}

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	_ = repo.InsertSensorSample(ctx, &SensorSample{DeviceID: "dev-1", UserID: "u1", Temperature: 20, CreatedAt: now.Add(-2 * time.Minute)})
	_ = repo.InsertSensorSample(ctx, &SensorSample{DeviceID: "dev-1", UserID: "u1", Temperature: 21, CreatedAt: now.Add(-10 * time.Second)})
	_ = repo.InsertPowerSample(ctx, &PowerSample{DeviceID: "dev-1", UserID: "u1", Voltage: 220, Current: 1, CreatedAt: now.Add(-2 * time.Minute)})

	removed, err := repo.DeleteSamplesBefore(ctx, now.Add(-time.Minute))
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 purged samples, got %d %v", removed, err)
	}
	latest, err := repo.LatestSensorSample(ctx, "dev-1")
	if err != nil || latest == nil || latest.Temperature != 21 {
		t.Fatalf("unexpected latest sample %+v %v", latest, err)
	}
}

func TestCamerasByName(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	c := &Camera{UserID: "u1", Name: "porch", IP: "10.0.0.9"}
	if err := repo.CreateCamera(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.CreateCamera(ctx, &Camera{UserID: "u2", Name: "porch"}); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, err := repo.CameraByName(ctx, "porch")
	if err != nil || got == nil || got.UserID != "u1" {
		t.Fatalf("unexpected camera %+v %v", got, err)
	}
	if ok, _ := repo.DeleteCamera(ctx, "u2", c.ID); ok {
		t.Fatalf("foreign user must not delete camera")
	}
	if ok, _ := repo.DeleteCamera(ctx, "u1", c.ID); !ok {
		t.Fatalf("owner delete failed")
	}
	if got, _ := repo.CameraByName(ctx, "porch"); got != nil {
		t.Fatalf("expected camera gone")
	}
	if _, err := repo.GetSchedule(ctx, uuid.New()); err != nil {
		t.Fatalf("missing schedule is not an error: %v", err)
	}
}

func TestLoggerSkipsRecordNotFound(t *testing.T) {
	var buf bytes.Buffer
	dsn := "file:store_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: NewLogger(&buf)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	repo, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()

	if d, err := repo.GetDevice(ctx, "dev-404"); err != nil || d != nil {
		t.Fatalf("expected miss, got %+v %v", d, err)
	}
	if types, err := repo.DisabledEventTypes(ctx, "u1"); err != nil || len(types) != 0 {
		t.Fatalf("expected no preferences, got %v %v", types, err)
	}
	if buf.Len() != 0 {
		t.Fatalf("routine misses should not be logged, got %q", buf.String())
	}

	_ = db.Exec("SELECT * FROM no_such_table").Error
	if !strings.Contains(buf.String(), "no_such_table") {
		t.Fatalf("expected failing query to be logged, got %q", buf.String())
	}
}
