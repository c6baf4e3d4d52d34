// Package resilience wraps every outbound dependency with, outermost
// first: rate limiter, bulkhead, time limiter, circuit breaker, retry,
// and a fallback on terminal failure. One Fabric exists per dependency
// (identity, notification, buddy).
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/focushive/focushive/backend/config"
	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/observability"
)

// Operation is one outbound call.
type Operation func(ctx context.Context) (any, error)

// Fallback produces a degraded result after terminal failure. err is
// the terminal error; breakerOpen reports whether the call was rejected
// by an open breaker (such fallbacks did not touch the dependency and
// are not counted against it).
type Fallback func(ctx context.Context, err error, breakerOpen bool) (any, error)

// errSlowCall marks a slow success after the window's slow rate has
// crossed the trip threshold. Returning it from inside the breaker
// makes gobreaker consult ReadyToTrip (which reads the slow ring)
// without failing the caller; slow successes below the threshold stay
// plain successes and never count as failures.
var errSlowCall = errors.New("slow call")

// Fabric layers the resilience policies around a dependency.
type Fabric struct {
	name     string
	limiter  *rate.Limiter
	bulkhead *semaphore.Weighted
	breaker  *gobreaker.CircuitBreaker
	fallback Fallback
	logger   *zap.Logger

	timeout       time.Duration
	slowAfter     time.Duration
	slowThreshold float64
	retryAttempts uint
	retryBase     time.Duration
	retryJitter   time.Duration

	mu       sync.Mutex
	slowRing []bool // last WindowSize calls: true = slow
	slowIdx  int
	slowSeen int
}

// New builds a Fabric from a dependency profile.
func New(cfg config.Dependency, fallback Fallback, logger *zap.Logger) *Fabric {
	f := &Fabric{
		name:          cfg.Name,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
		bulkhead:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		fallback:      fallback,
		logger:        logger,
		timeout:       cfg.Timeout,
		slowAfter:     cfg.SlowCallAfter,
		slowThreshold: cfg.SlowRate,
		retryAttempts: uint(cfg.RetryAttempts),
		retryBase:     cfg.RetryBase,
		// RetryJitter is a fraction of the base delay.
		retryJitter: time.Duration(cfg.RetryJitter * float64(cfg.RetryBase)),
		slowRing:    make([]bool, cfg.WindowSize),
	}
	if f.retryJitter <= 0 {
		f.retryJitter = cfg.RetryBase / 5
	}

	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenProbes),
		Timeout:     cfg.OpenWait,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.WindowSize) {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRate >= cfg.FailureRate || f.slowRate() >= cfg.SlowRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("breaker state change",
				zap.String("dependency", name),
				zap.String("from", stateName(from)),
				zap.String("to", stateName(to)))
			observability.BreakerState.WithLabelValues(name).Set(stateGauge(to))
		},
	})
	return f
}

// Execute runs op through the full policy stack.
func (f *Fabric) Execute(ctx context.Context, op Operation) (any, error) {
	// Rate limiter: excess fails fast rather than queueing.
	if !f.limiter.Allow() {
		return f.finish(ctx, errs.Unavailable("%s: rate limit exceeded", f.name), false)
	}

	// Bulkhead: bounded in-flight calls, fail fast on saturation.
	if !f.bulkhead.TryAcquire(1) {
		return f.finish(ctx, errs.Unavailable("%s: bulkhead full", f.name), false)
	}
	defer f.bulkhead.Release(1)

	var slow bool
	res, err := f.breaker.Execute(func() (any, error) {
		r, s, cerr := f.callWithRetry(ctx, op)
		slow = s
		if cerr == nil && s && f.slowRate() >= f.slowThreshold {
			return r, errSlowCall
		}
		return r, cerr
	})

	switch {
	case err == nil:
		if slow {
			observability.FabricCalls.WithLabelValues(f.name, "slow").Inc()
		} else {
			observability.FabricCalls.WithLabelValues(f.name, "ok").Inc()
		}
		return res, nil
	case errors.Is(err, errSlowCall):
		// The call itself succeeded; only the breaker cares.
		observability.FabricCalls.WithLabelValues(f.name, "slow").Inc()
		return res, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		observability.FabricCalls.WithLabelValues(f.name, "rejected").Inc()
		return f.finish(ctx, errs.Wrap(errs.KindUnavailable, err, "%s: circuit open", f.name), true)
	default:
		observability.FabricCalls.WithLabelValues(f.name, "error").Inc()
		return f.finish(ctx, err, false)
	}
}

// callWithRetry applies the per-call deadline, retries transient
// failures with exponential backoff and jitter, and reports whether
// the attempt chain ran past the slow-call mark.
func (f *Fabric) callWithRetry(ctx context.Context, op Operation) (any, bool, error) {
	var res any
	start := time.Now()
	err := retry.Do(
		func() error {
			callCtx := ctx
			if f.timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, f.timeout)
				defer cancel()
			}
			var err error
			res, err = op(callCtx)
			if err != nil && callCtx.Err() != nil && ctx.Err() == nil {
				// Deadline breach cancelled the in-flight work.
				return errs.Wrap(errs.KindTransient, err, "%s: deadline exceeded", f.name)
			}
			return err
		},
		retry.Attempts(f.retryAttempts),
		retry.Delay(f.retryBase),
		retry.MaxJitter(f.retryJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(errs.Retryable),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)

	slow := time.Since(start) >= f.slowAfter && f.slowAfter > 0
	f.recordSlow(slow)
	return res, slow, err
}

// finish applies the fallback, if any, to a terminal failure.
func (f *Fabric) finish(ctx context.Context, err error, breakerOpen bool) (any, error) {
	if f.fallback == nil {
		return nil, err
	}
	res, fbErr := f.fallback(ctx, err, breakerOpen)
	if fbErr != nil {
		return nil, err
	}
	f.logger.Debug("fallback served degraded result",
		zap.String("dependency", f.name), zap.Error(err))
	observability.FabricCalls.WithLabelValues(f.name, "fallback").Inc()
	return res, nil
}

// State exposes the breaker state for health endpoints.
func (f *Fabric) State() string { return stateName(f.breaker.State()) }

func (f *Fabric) recordSlow(slow bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slowRing[f.slowIdx] = slow
	f.slowIdx = (f.slowIdx + 1) % len(f.slowRing)
	if f.slowSeen < len(f.slowRing) {
		f.slowSeen++
	}
}

func (f *Fabric) slowRate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.slowSeen == 0 {
		return 0
	}
	slow := 0
	for _, s := range f.slowRing[:f.slowSeen] {
		if s {
			slow++
		}
	}
	return float64(slow) / float64(f.slowSeen)
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half_open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
