package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/observability"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultSampleWindow = 60 * time.Second
	DefaultNotifyCap    = 5
)

// Store is what the sweeper purges. *store.Repo satisfies it.
type Store interface {
	DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	NotifiedUsers(ctx context.Context) ([]string, error)
	TrimNotifications(ctx context.Context, userID string, keep int) (int64, error)
}

type Options struct {
	Interval     time.Duration
	SampleWindow time.Duration
	NotifyCap    int
	Now          func() time.Time
}

type Sweeper struct {
	store Store
	opts  Options
}

func New(s Store, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SampleWindow <= 0 {
		opts.SampleWindow = DefaultSampleWindow
	}
	if opts.NotifyCap <= 0 {
		opts.NotifyCap = DefaultNotifyCap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{store: s, opts: opts}
}

type Result struct {
	Samples       int64
	Notifications int64
}

// Sweep drops samples older than the window and trims every user's
// notification history to the cap. Users are processed until ctx ends.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	n, err := s.store.DeleteSamplesBefore(ctx, now.UTC().Add(-s.opts.SampleWindow))
	if err != nil {
		return res, err
	}
	res.Samples = n
	observability.Purged("samples", n)

	users, err := s.store.NotifiedUsers(ctx)
	if err != nil {
		return res, err
	}
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := s.store.TrimNotifications(ctx, u, s.opts.NotifyCap)
		if err != nil {
			slog.Warn("notification trim failed", "user_id", u, "error", err)
			continue
		}
		res.Notifications += n
	}
	observability.Purged("notifications", res.Notifications)
	return res, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			res, err := s.Sweep(ctx, s.opts.Now())
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("retention sweep failed", "error", err)
				}
				continue
			}
			if res.Samples+res.Notifications > 0 {
				slog.Debug("retention sweep", "samples", res.Samples, "notifications", res.Notifications)
			}
		}
	}
}
