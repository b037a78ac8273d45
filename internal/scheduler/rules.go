package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/events"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/notify"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/store"
)

// RuleSpec is a user-submitted rule. Times are absolute instants.
type RuleSpec struct {
	DeviceID  string     `json:"device_id"`
	Relay     int        `json:"relay"`
	OnTime    *time.Time `json:"on_time"`
	OffTime   *time.Time `json:"off_time"`
	Recurring bool       `json:"recurring"`
}

// Upsert creates or replaces the rule for (user, device, relay).
func (s *Scheduler) Upsert(ctx context.Context, userID string, spec RuleSpec) (*store.Schedule, error) {
	spec.DeviceID = strings.TrimSpace(spec.DeviceID)
	if spec.DeviceID == "" {
		return nil, errs.Validation("device_id is required")
	}
	if spec.OnTime == nil && spec.OffTime == nil {
		return nil, errs.Validation("on_time or off_time is required")
	}
	if spec.OnTime != nil && spec.OffTime != nil && !spec.OffTime.After(*spec.OnTime) {
		return nil, errs.Validation("off_time must be after on_time")
	}
	d, err := s.devices.OwnedDevice(ctx, userID, spec.DeviceID)
	if err != nil {
		return nil, err
	}
	target, err := s.devices.Resolve(ctx, d.DeviceID, spec.Relay)
	if err != nil {
		return nil, err
	}

	rule := &store.Schedule{
		UserID:     userID,
		DeviceID:   d.DeviceID,
		RelayIndex: spec.Relay,
		OnTime:     utc(spec.OnTime),
		OffTime:    utc(spec.OffTime),
		Recurring:  spec.Recurring,
	}
	if err := s.rules.UpsertSchedule(ctx, rule); err != nil {
		return nil, fmt.Errorf("save schedule: %w", err)
	}
	s.emit(events.ScheduleUpdated, userID, rule)
	if s.notifier != nil {
		if _, _, err := s.notifier.Notify(ctx, notify.Notice{
			UserID:      userID,
			Dashboard:   store.DashboardRoomControl,
			EventType:   store.EventScheduleChange,
			Description: fmt.Sprintf("Schedule updated for %s in %s", target.Relay.Type, target.DeviceName),
			DeviceID:    d.DeviceID,
			Metadata:    map[string]any{"relay": spec.Relay, "schedule_id": rule.ID.String()},
		}); err != nil {
			slog.Warn("schedule notification failed", "schedule_id", rule.ID, "error", err)
		}
	}
	return rule, nil
}

func (s *Scheduler) List(ctx context.Context, userID string) ([]store.Schedule, error) {
	return s.rules.ListSchedulesForUser(ctx, userID)
}

// Delete removes one of userID's rules. Foreign or missing rules are NotFound.
func (s *Scheduler) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	rule, err := s.rules.DeleteScheduleForUser(ctx, userID, id)
	if err != nil {
		return err
	}
	if rule == nil {
		return errs.NotFound("schedule %s not found", id)
	}
	s.emit(events.ScheduleDeleted, userID, deletedPayload(*rule))
	return nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
