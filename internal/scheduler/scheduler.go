package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/command"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/events"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/notify"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/observability"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/registry"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/store"
)

const (
	DefaultInterval = 30 * time.Second
	day             = 24 * time.Hour
)

// Rules is the schedule persistence. *store.Repo satisfies it.
type Rules interface {
	ListSchedules(ctx context.Context) ([]store.Schedule, error)
	ListSchedulesForUser(ctx context.Context, userID string) ([]store.Schedule, error)
	UpsertSchedule(ctx context.Context, s *store.Schedule) error
	SaveScheduleTimes(ctx context.Context, id uuid.UUID, on, off *time.Time) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) (bool, error)
	DeleteScheduleForUser(ctx context.Context, userID string, id uuid.UUID) (*store.Schedule, error)
}

type Devices interface {
	Resolve(ctx context.Context, deviceID string, relay int) (registry.Resolution, error)
	ApplyRelayState(ctx context.Context, deviceID string, relay int, on bool) (registry.Result, error)
	OwnedDevice(ctx context.Context, userID, deviceID string) (*store.Device, error)
}

type Commander interface {
	Publish(ctx context.Context, deviceID string, relay int, on bool) (command.Ack, error)
}

type Notifier interface {
	Notify(ctx context.Context, n notify.Notice) (notify.Outcome, *store.Notification, error)
}

type Options struct {
	Interval time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Scheduler fires on/off rules through the command path and keeps their
// lifecycle: recurring rules move forward a day, one-shot rules are removed.
type Scheduler struct {
	rules    Rules
	devices  Devices
	commands Commander
	notifier Notifier
	events   events.Emitter
	now      func() time.Time
	interval time.Duration
	cron     *cron.Cron
}

func New(rules Rules, devices Devices, commands Commander, notifier Notifier, em events.Emitter, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		rules:    rules,
		devices:  devices,
		commands: commands,
		notifier: notifier,
		events:   em,
		now:      opts.Now,
		interval: opts.Interval,
	}
}

// Report summarizes one sweep.
type Report struct {
	Checked  int
	FiredOn  int
	FiredOff int
	Advanced int
	Deleted  int
	Skipped  int
	Failed   int
}

// Start runs Sweep every interval until Stop. A sweep still running when the
// next one is due causes that one to be skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		rep := s.Sweep(ctx)
		if rep.FiredOn+rep.FiredOff+rep.Deleted+rep.Failed > 0 {
			slog.Info("schedule sweep", "checked", rep.Checked, "on", rep.FiredOn, "off", rep.FiredOff,
				"advanced", rep.Advanced, "deleted", rep.Deleted, "failed", rep.Failed)
		}
	}); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	slog.Info("scheduler started", "interval", s.interval)
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep evaluates every rule once. Cancellation is honoured between rules;
// a rule already being fired completes.
func (s *Scheduler) Sweep(ctx context.Context) Report {
	var rep Report
	rules, err := s.rules.ListSchedules(ctx)
	if err != nil {
		slog.Warn("schedule sweep: list rules failed", "error", err)
		return rep
	}
	now := s.now().UTC()
	for _, rule := range rules {
		if ctx.Err() != nil {
			break
		}
		rep.Checked++
		s.evaluate(context.WithoutCancel(ctx), rule, now, &rep)
	}
	return rep
}

func due(t *time.Time, now time.Time) bool {
	return t != nil && !t.After(now)
}

func (s *Scheduler) evaluate(ctx context.Context, rule store.Schedule, now time.Time, rep *Report) {
	log := slog.With("schedule_id", rule.ID, "device_id", rule.DeviceID, "relay", rule.RelayIndex)
	target, err := s.devices.Resolve(ctx, rule.DeviceID, rule.RelayIndex)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			log.Debug("schedule target missing, skipping")
			rep.Skipped++
			return
		}
		log.Warn("schedule target lookup failed", "error", err)
		rep.Failed++
		return
	}
	if target.UserID != rule.UserID {
		log.Debug("schedule target owned by another user, skipping")
		rep.Skipped++
		return
	}

	switch {
	case due(rule.OnTime, now) && !target.Relay.IsOn:
		if err := s.fire(ctx, rule, true); err != nil {
			log.Warn("schedule on failed, retrying next sweep", "error", err)
			rep.Failed++
			return
		}
		rep.FiredOn++
	case due(rule.OffTime, now):
		if target.Relay.IsOn {
			if err := s.fire(ctx, rule, false); err != nil {
				log.Warn("schedule off failed, retrying next sweep", "error", err)
				rep.Failed++
				return
			}
			rep.FiredOff++
		}
		s.finish(ctx, rule, rep)
	}
}

// fire publishes the command, then applies the commanded state locally.
func (s *Scheduler) fire(ctx context.Context, rule store.Schedule, on bool) error {
	action := "off"
	if on {
		action = "on"
	}
	if _, err := s.commands.Publish(ctx, rule.DeviceID, rule.RelayIndex, on); err != nil {
		observability.ScheduleFired(action, "publish_failed")
		return err
	}
	res, err := s.devices.ApplyRelayState(ctx, rule.DeviceID, rule.RelayIndex, on)
	if err != nil {
		observability.ScheduleFired(action, "apply_failed")
		return err
	}
	observability.ScheduleFired(action, res.Outcome.String())
	if res.Outcome == registry.Changed {
		s.emit(events.DeviceUpdated, rule.UserID, res.Change())
	}
	s.emit(events.ScheduleTriggered, rule.UserID, map[string]any{
		"schedule_id": rule.ID,
		"device_id":   rule.DeviceID,
		"relay":       rule.RelayIndex,
		"is_on":       on,
	})
	if s.notifier != nil {
		if _, _, err := s.notifier.Notify(ctx, notify.Notice{
			UserID:      rule.UserID,
			Dashboard:   store.DashboardRoomControl,
			EventType:   store.EventScheduleChange,
			Description: fmt.Sprintf("Device %s relay %d turned %s by schedule", rule.DeviceID, rule.RelayIndex, action),
			DeviceID:    rule.DeviceID,
			Metadata:    map[string]any{"relay": rule.RelayIndex, "schedule_id": rule.ID.String()},
		}); err != nil {
			slog.Warn("schedule notification failed", "schedule_id", rule.ID, "error", err)
		}
	}
	return nil
}

// finish advances a recurring rule by one day or removes a one-shot rule.
func (s *Scheduler) finish(ctx context.Context, rule store.Schedule, rep *Report) {
	if rule.Recurring {
		on, off := shift(rule.OnTime), shift(rule.OffTime)
		if err := s.rules.SaveScheduleTimes(ctx, rule.ID, on, off); err != nil {
			slog.Warn("schedule advance failed", "schedule_id", rule.ID, "error", err)
			rep.Failed++
			return
		}
		rep.Advanced++
		return
	}
	ok, err := s.rules.DeleteSchedule(ctx, rule.ID)
	if err != nil {
		slog.Warn("schedule delete failed", "schedule_id", rule.ID, "error", err)
		rep.Failed++
		return
	}
	if ok {
		rep.Deleted++
		s.emit(events.ScheduleDeleted, rule.UserID, deletedPayload(rule))
	}
}

func shift(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	next := t.Add(day)
	return &next
}

func deletedPayload(rule store.Schedule) map[string]any {
	return map[string]any{"id": rule.ID, "device_id": rule.DeviceID, "relay": rule.RelayIndex}
}

func (s *Scheduler) emit(name, userID string, payload any) {
	if s.events != nil {
		s.events.Emit(events.Event{Name: name, UserID: userID, Payload: payload})
	}
}
