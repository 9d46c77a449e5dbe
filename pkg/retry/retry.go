package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Default policy values.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	DefaultFactor     = 2.0
	DefaultMaxDelay   = 10 * time.Second
	DefaultMaxJitter  = 1 * time.Second
)

// Operation is a unit of work that may be attempted more than once.
type Operation func(ctx context.Context) error

// ShouldRetry decides whether a failed attempt is worth repeating. A nil ShouldRetry retries everything.
type ShouldRetry func(err error) bool

// Policy is a bounded exponential backoff with jitter.
// The delay before retry n (0-based) is min(BaseDelay*Factor^n, MaxDelay) plus a uniform jitter in [0, MaxJitter).
// A Policy holds no per-call state and may be shared.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
	MaxDelay   time.Duration
	MaxJitter  time.Duration

	// Sleep and Jitter are swappable for tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func(max time.Duration) time.Duration
}

// Default returns 3 retries, 1s base, 2x factor, 10s cap and up to 1s of jitter.
func Default() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		Factor:     DefaultFactor,
		MaxDelay:   DefaultMaxDelay,
		MaxJitter:  DefaultMaxJitter,
	}
}

// Backoff returns the deterministic part of the delay for a 0-based attempt index.
func (p Policy) Backoff(attempt int) time.Duration {
	factor := p.Factor
	if factor <= 0 {
		factor = DefaultFactor
	}
	d := float64(p.BaseDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay returns the full wait before the retry following attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.Backoff(attempt) + p.jitter()
}

func (p Policy) jitter() time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	if p.Jitter != nil {
		return p.Jitter(p.MaxJitter)
	}
	return time.Duration(rand.Int63n(int64(p.MaxJitter)))
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// Execute runs op until it succeeds, the retry budget is spent, or shouldRetry rejects the error.
// The last error is returned unchanged so callers can still match on its type.
func (p Policy) Execute(ctx context.Context, op Operation, shouldRetry ShouldRetry) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt >= p.MaxRetries || (shouldRetry != nil && !shouldRetry(err)) {
			return err
		}

		delay := p.Delay(attempt)
		log.Warn().Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", p.MaxRetries+1).
			Dur("delay", delay).
			Msg("Operation failed, retrying...")

		if serr := p.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), shouldRetry ShouldRetry) (T, error) {
	var out T
	err := p.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, shouldRetry)
	return out, err
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
