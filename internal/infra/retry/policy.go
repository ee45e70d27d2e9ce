package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ErrExhausted is returned when every attempt failed or the policy deadline
// passed before an attempt succeeded.
var ErrExhausted = errors.New("retry budget exhausted")

// Policy is the single retry policy injected into every backend client.
// Zero values fall back to 3 attempts, 200ms initial and 5s max backoff.
type Policy struct {
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Deadline bounds all attempts together. Zero means only the caller's
	// context bounds them.
	Deadline time.Duration
	Logger   *zap.Logger
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 200 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Second
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return p
}

// Do runs op until it succeeds, returns a permanent error, or the budget runs
// out. A cancelled parent context is returned as is; running out of attempts
// or hitting the deadline wraps the last error in ErrExhausted.
func (p Policy) Do(ctx context.Context, name string, op func(context.Context) error) error {
	p = p.withDefaults()
	parent := ctx
	if p.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialBackoff
	eb.MaxInterval = p.MaxBackoff

	var permanent bool
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op(ctx)
		if err != nil && IsPermanent(err) {
			permanent = true
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			p.Logger.Debug("retrying",
				zap.String("op", name),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)
	if err == nil {
		return nil
	}

	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		err = pe.Unwrap()
	}
	if permanent {
		return err
	}
	if perr := parent.Err(); perr != nil {
		return perr
	}
	p.Logger.Warn("retry exhausted", zap.String("op", name), zap.Int("attempts", attempt), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrExhausted, name, err)
}
