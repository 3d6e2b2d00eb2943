package ratelimit

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Sentinel failure classes for outbound calls. Collaborators (fetcher,
// generation client) wrap their upstream errors with one of these so the
// executor can tell transient failures from permanent ones.
var (
	ErrRateLimited = errors.New("rate limited by upstream")
	ErrOverloaded  = errors.New("upstream overloaded")
	ErrTimeout     = errors.New("call timed out")
)

// Transient reports whether err should be retried with backoff.
func Transient(err error) bool {
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrOverloaded) || errors.Is(err, ErrTimeout) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Config tunes one executor instance.
type Config struct {
	// MinInterval is the per-key minimum spacing between accepted calls.
	MinInterval time.Duration
	// MaxAttempts caps total invocations of a call (first try included).
	MaxAttempts int
	// RateLimitBase and OverloadBase are the backoff bases for the two
	// upstream-signalled failure classes; the delay for attempt n is
	// base * 2^n. Timeouts back off with RateLimitBase.
	RateLimitBase time.Duration
	OverloadBase  time.Duration
}

// FetchConfig matches the outbound content-fetch call site: multi-second
// per-domain spacing, short bases.
func FetchConfig() Config {
	return Config{
		MinInterval:   15 * time.Second,
		MaxAttempts:   5,
		RateLimitBase: 5 * time.Second,
		OverloadBase:  10 * time.Second,
	}
}

// GenerateConfig matches the shared generation service: one global gate with
// a longer interval and a stricter attempt cap, since every concurrent job
// funnels through it.
func GenerateConfig() Config {
	return Config{
		MinInterval:   30 * time.Second,
		MaxAttempts:   3,
		RateLimitBase: 45 * time.Second,
		OverloadBase:  60 * time.Second,
	}
}

// Executor gates and retries calls to quota-sensitive services. Two layers
// compose around any call: a per-key minimum-interval gate, then
// retry-with-backoff for failures classified as transient.
type Executor struct {
	cfg Config

	mu    sync.Mutex
	gates map[string]*rate.Limiter

	// sleep is swapped in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Executor{
		cfg:   cfg,
		gates: map[string]*rate.Limiter{},
		sleep: sleepCtx,
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

// gate returns the limiter for key. Burst 1 with a refill of one token per
// MinInterval yields exactly the minimum-spacing behaviour: the first call
// passes immediately, later calls wait out the remainder of the interval.
func (e *Executor) gate(key string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.gates[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(e.cfg.MinInterval), 1)
		e.gates[key] = l
	}
	return l
}

// Do runs call behind the minimum-interval gate for key, retrying transient
// failures with exponential backoff. Non-transient errors propagate
// immediately; exhausting the attempt cap propagates the last error.
func (e *Executor) Do(ctx context.Context, key string, call func(ctx context.Context) error) error {
	if e.cfg.MinInterval > 0 {
		if err := e.gate(key).Wait(ctx); err != nil {
			return err
		}
	}

	var err error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			d := e.backoff(err, attempt-1)
			log.Warn().
				Str("key", key).
				Int("attempt", attempt+1).
				Int("max_attempts", e.cfg.MaxAttempts).
				Dur("wait", d).
				Err(err).
				Msg("transient failure, backing off before retry")
			if serr := e.sleep(ctx, d); serr != nil {
				return serr
			}
		}

		err = call(ctx)
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return err
		}
	}
	return err
}

// backoff picks the class-specific base and doubles it per prior attempt.
func (e *Executor) backoff(err error, attempt int) time.Duration {
	base := e.cfg.RateLimitBase
	if errors.Is(err, ErrOverloaded) {
		base = e.cfg.OverloadBase
	}
	if base <= 0 {
		base = time.Second
	}
	return base * (1 << attempt)
}
