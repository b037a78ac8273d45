package retention

import (
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/store"
)

func openRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:retention_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
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

func TestSweepPurgesOldSamplesAndTrimsNotifications(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, age := range []time.Duration{2 * time.Minute, 61 * time.Second, 10 * time.Second} {
		if err := repo.InsertSensorSample(ctx, &store.SensorSample{DeviceID: "dev-1", UserID: "u1", Temperature: 20, CreatedAt: now.Add(-age)}); err != nil {
			t.Fatalf("insert sensor: %v", err)
		}
		if err := repo.InsertPowerSample(ctx, &store.PowerSample{DeviceID: "dev-1", UserID: "u1", Voltage: 220, Current: 1, CreatedAt: now.Add(-age)}); err != nil {
			t.Fatalf("insert power: %v", err)
		}
	}
	for i := 0; i < 7; i++ {
		n := &store.Notification{UserID: "u1", Dashboard: store.DashboardDeviceData, EventType: store.EventSensorUpdate, Description: "x", CreatedAt: now.Add(time.Duration(i) * time.Second)}
		if err := repo.CreateNotification(ctx, n); err != nil {
			t.Fatalf("create notification: %v", err)
		}
	}
	if err := repo.CreateNotification(ctx, &store.Notification{UserID: "u2", Dashboard: store.DashboardWeather, EventType: store.EventWeatherUpdate, Description: "y"}); err != nil {
		t.Fatalf("create notification: %v", err)
	}

	res, err := New(repo, Options{}).Sweep(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Samples != 4 || res.Notifications != 2 {
		t.Fatalf("expected 4 samples and 2 notifications purged, got %+v", res)
	}
	latest, _ := repo.LatestSensorSample(ctx, "dev-1")
	if latest == nil || !latest.CreatedAt.Equal(now.Add(-10*time.Second)) {
		t.Fatalf("recent sample should survive, got %+v", latest)
	}
	u1, _ := repo.ListNotifications(ctx, "u1", 50)
	u2, _ := repo.ListNotifications(ctx, "u2", 50)
	if len(u1) != 5 || len(u2) != 1 {
		t.Fatalf("expected 5 and 1 notifications, got %d and %d", len(u1), len(u2))
	}
	if !u1[4].CreatedAt.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("oldest kept notification should be the third, got %v", u1[4].CreatedAt)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	repo := openRepo(t)
	s := New(repo, Options{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}
