package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"gorm.io/datatypes"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/events"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/observability"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/retry"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/store"
)

const DefaultCap = 5

// Store is the persistence the fanout needs. *store.Repo satisfies it.
type Store interface {
	CreateNotification(ctx context.Context, n *store.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, userID string, id uuid.UUID) (bool, error)
	TrimNotifications(ctx context.Context, userID string, keep int) (int64, error)
	DisabledEventTypes(ctx context.Context, userID string) ([]store.EventType, error)
	SetDisabledEventTypes(ctx context.Context, userID string, types []store.EventType) error
}

type Outcome int

const (
	Created Outcome = iota
	Suppressed
)

func (o Outcome) String() string {
	if o == Suppressed {
		return "suppressed"
	}
	return "created"
}

// Notice is a notification before persistence.
type Notice struct {
	UserID      string
	Dashboard   store.Dashboard
	EventType   store.EventType
	Description string
	DeviceID    string
	Metadata    map[string]any
}

type Fanout struct {
	store  Store
	events events.Emitter
	policy *bluemonday.Policy
	cap    int
	retry  retry.Policy
}

func New(s Store, em events.Emitter, keep int) *Fanout {
	if keep <= 0 {
		keep = DefaultCap
	}
	return &Fanout{store: s, events: em, policy: bluemonday.StrictPolicy(), cap: keep, retry: retry.Default}
}

// Notify persists n unless the user disabled its event type. A created
// notification is pushed to the user's live channel after the history is
// trimmed to the cap.
func (f *Fanout) Notify(ctx context.Context, n Notice) (Outcome, *store.Notification, error) {
	if n.UserID == "" {
		return Created, nil, errs.Validation("notification needs a user")
	}
	if !n.EventType.Valid() {
		return Created, nil, errs.Validation("unknown event type %q", n.EventType)
	}
	disabled, err := f.store.DisabledEventTypes(ctx, n.UserID)
	if err != nil {
		observability.NotificationHandled(string(n.EventType), "failed")
		return Created, nil, fmt.Errorf("load preferences: %w", err)
	}
	if slices.Contains(disabled, n.EventType) {
		slog.Debug("notification suppressed", "user_id", n.UserID, "event_type", n.EventType)
		observability.NotificationHandled(string(n.EventType), "suppressed")
		return Suppressed, nil, nil
	}

	rec := &store.Notification{
		UserID:      n.UserID,
		Dashboard:   n.Dashboard,
		EventType:   n.EventType,
		Description: strings.TrimSpace(f.policy.Sanitize(n.Description)),
		DeviceID:    n.DeviceID,
	}
	if len(n.Metadata) > 0 {
		b, err := json.Marshal(n.Metadata)
		if err != nil {
			return Created, nil, errs.Validation("notification metadata: %v", err)
		}
		rec.Metadata = datatypes.JSON(b)
	}
	if err := f.retry.Do(ctx, "create notification", func() error {
		return f.store.CreateNotification(ctx, rec)
	}); err != nil {
		observability.NotificationHandled(string(n.EventType), "failed")
		return Created, nil, fmt.Errorf("create notification: %w", err)
	}
	if _, err := f.store.TrimNotifications(ctx, n.UserID, f.cap); err != nil {
		// The retention sweep enforces the cap again later.
		slog.Warn("notification trim failed", "user_id", n.UserID, "error", err)
	}
	observability.NotificationHandled(string(n.EventType), "created")
	if f.events != nil {
		f.events.Emit(events.Event{Name: events.Notification, UserID: n.UserID, Payload: rec})
	}
	return Created, rec, nil
}

func (f *Fanout) Preferences(ctx context.Context, userID string) ([]store.EventType, error) {
	types, err := f.store.DisabledEventTypes(ctx, userID)
	if err != nil {
		return nil, err
	}
	if types == nil {
		types = []store.EventType{}
	}
	return types, nil
}

// SetDisabled replaces the user's disabled set. Duplicates are collapsed.
func (f *Fanout) SetDisabled(ctx context.Context, userID string, types []store.EventType) ([]store.EventType, error) {
	out := make([]store.EventType, 0, len(types))
	for _, t := range types {
		if !t.Valid() {
			return nil, errs.Validation("unknown event type %q", t)
		}
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	if err := f.store.SetDisabledEventTypes(ctx, userID, out); err != nil {
		return nil, err
	}
	return out, nil
}

// List returns the user's notifications, most recent first.
func (f *Fanout) List(ctx context.Context, userID string) ([]store.Notification, error) {
	return f.store.ListNotifications(ctx, userID, f.cap)
}

func (f *Fanout) MarkRead(ctx context.Context, userID string, id uuid.UUID) error {
	ok, err := f.store.MarkNotificationRead(ctx, userID, id)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("notification %s not found", id)
	}
	return nil
}
