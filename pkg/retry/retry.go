package retry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Class is the failure classification an operation's classifier returns.
type Class int

const (
	// ClassTransient covers timeouts, 5xx responses and other errors worth
	// another attempt.
	ClassTransient Class = iota
	// ClassPermanent covers structurally invalid input and gone resources;
	// retrying cannot succeed.
	ClassPermanent
	// ClassRateLimited marks HTTP 429 style pushback. Logged distinctly but
	// retried on the same backoff schedule.
	ClassRateLimited
)

// Classifier maps an operation failure to a Class.
type Classifier func(error) Class

// Policy controls the attempt loop. The zero value is unusable; use
// DefaultPolicy and override as needed. Sleep is injectable so tests can run
// with a zero-delay clock.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Sleep        func(ctx context.Context, d time.Duration) error
	Log          *zap.SugaredLogger
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
		Sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// delay returns the backoff before attempt n (0-based, after the n-th failure).
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, fails permanently, or the attempt budget is
// spent. The last error is returned unwrapped so callers can re-classify it.
func Do[T any](ctx context.Context, p Policy, classify Classifier, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		class := ClassTransient
		if classify != nil {
			class = classify(err)
		}
		if class == ClassPermanent {
			return zero, err
		}
		if class == ClassRateLimited && p.Log != nil {
			p.Log.Warnw("authority rate limited", "attempt", attempt+1, "err", err)
		}

		if attempt == p.MaxAttempts-1 {
			break
		}
		if p.Log != nil {
			p.Log.Infow("retrying authority call", "attempt", attempt+1, "delay_ms", p.delay(attempt).Milliseconds(), "err", err)
		}
		if serr := p.Sleep(ctx, p.delay(attempt)); serr != nil {
			return zero, serr
		}
	}
	return zero, lastErr
}
