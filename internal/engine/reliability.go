package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/agentledger/internal/connectors"
	"github.com/xela07ax/agentledger/internal/eventsource"
	"github.com/xela07ax/agentledger/internal/infra"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// guard: общая обвязка Rate Limiter -> Circuit Breaker -> Retry с таймаутом на попытку.
type guard struct {
	cb          *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	attempts    uint
	callTimeout time.Duration
}

func newGuard(name string, cfg infra.EngineConfig, metrics *Metrics, logger *zap.Logger) *guard {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	failures := cfg.CBFailures
	if failures == 0 {
		failures = 5
	}

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerGauge(to))
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}

	return &guard{
		cb:          cb,
		limiter:     rate.NewLimiter(limit, burst),
		attempts:    attempts,
		callTimeout: cfg.CallTimeout,
	}
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	}
	return 0
}

func (g *guard) do(ctx context.Context, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}

	// 2. Circuit Breaker
	_, err := g.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(g.attempts),
			retry.LastErrorOnly(true),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Коннектор сам сообщил, когда повторять
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				// В остальных случаях: стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		return nil, r.Do(func() error {
			callCtx := ctx
			if g.callTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
				defer cancel()
			}
			return fn(callCtx)
		})
	})
	return err
}

// ReliabilityWrapper защищает вызовы коннектора.
type ReliabilityWrapper struct {
	next  CapabilityInvoker
	guard *guard
}

func NewReliabilityWrapper(next CapabilityInvoker, cfg infra.EngineConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	return &ReliabilityWrapper{
		next:  next,
		guard: newGuard("capability-connector", cfg, metrics, logger),
	}
}

func (w *ReliabilityWrapper) Invoke(ctx context.Context, capabilityID string, payload []byte) ([]byte, error) {
	var res []byte
	err := w.guard.do(ctx, func(ctx context.Context) error {
		var callErr error
		res, callErr = w.next.Invoke(ctx, capabilityID, payload)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReliablePublisher: та же обвязка для публикации событий.
// Ретраи допустимы: подписчики идемпотентны по sequence.
type ReliablePublisher struct {
	next  eventsource.EventPublisher
	guard *guard
}

func NewReliablePublisher(next eventsource.EventPublisher, cfg infra.EngineConfig, metrics *Metrics, logger *zap.Logger) *ReliablePublisher {
	return &ReliablePublisher{
		next:  next,
		guard: newGuard("event-publisher", cfg, metrics, logger),
	}
}

func (p *ReliablePublisher) Publish(ctx context.Context, envelopes []eventsource.EventEnvelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	return p.guard.do(ctx, func(ctx context.Context) error {
		return p.next.Publish(ctx, envelopes)
	})
}
