package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
)

// Policy bounds how long a durable write may keep a message handler busy.
type Policy struct {
	MaxTries   uint
	MaxElapsed time.Duration
	Initial    time.Duration
}

var Default = Policy{MaxTries: 3, MaxElapsed: 2 * time.Second, Initial: 50 * time.Millisecond}

// Do runs op until it succeeds, fails permanently or the policy is spent.
// NotFound, Conflict, Validation and Decode errors are never retried.
func (p Policy) Do(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	b.MaxInterval = p.MaxElapsed
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && errs.Permanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("retrying durable write", "op", what, "error", err, "next", next)
		}),
	)
	return err
}
