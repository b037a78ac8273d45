package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/errs"
)

var fast = Policy{MaxTries: 3, MaxElapsed: time.Second, Initial: time.Millisecond}

func TestRetriesTransientFailures(t *testing.T) {
	calls := 0
	err := fast.Do(context.Background(), "insert", func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third try, calls=%d err=%v", calls, err)
	}
}

func TestGivesUpAfterMaxTries(t *testing.T) {
	calls := 0
	err := fast.Do(context.Background(), "insert", func() error {
		calls++
		return errors.New("connection refused")
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected failure after 3 tries, calls=%d err=%v", calls, err)
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	calls := 0
	err := fast.Do(context.Background(), "insert", func() error {
		calls++
		return errs.Conflict("duplicate")
	})
	if calls != 1 || !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected a single try returning the conflict, calls=%d err=%v", calls, err)
	}
}
