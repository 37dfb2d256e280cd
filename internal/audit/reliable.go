package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

type ReliabilityConfig struct {
	Attempts        uint
	WriteTimeout    time.Duration
	BreakerFailures uint32        // Подряд ошибок до размыкания
	BreakerTimeout  time.Duration // Через сколько CB попробует "закрыться"
	RateLimit       float64       // Пачек в секунду
	RateBurst       int
}

func (c ReliabilityConfig) withDefaults() ReliabilityConfig {
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	return c
}

// ReliableStorage оборачивает Storage: rate limit -> circuit breaker -> retry с backoff
type ReliableStorage struct {
	next    Storage
	cfg     ReliabilityConfig
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliableStorage(next Storage, cfg ReliabilityConfig) *ReliableStorage {
	cfg = cfg.withDefaults()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "audit-storage",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
	})

	return &ReliableStorage{
		next:    next,
		cfg:     cfg,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

func (s *ReliableStorage) WriteBatch(ctx context.Context, records []Record) error {
	// 1. Rate Limiter
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	_, err := s.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(s.cfg.Attempts),
			retry.DelayType(retry.BackOffDelay),
		)

		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			defer cancel()
			return s.next.WriteBatch(tCtx, records)
		})
	})
	if err != nil {
		return fmt.Errorf("audit write (breaker %s): %w", s.cb.State(), err)
	}
	return nil
}

// State — состояние предохранителя для health-эндпоинта
func (s *ReliableStorage) State() gobreaker.State {
	return s.cb.State()
}
