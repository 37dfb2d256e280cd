package audit

/*
Файл trail.go реализует журнал решений (Audit Trail).

- Non-blocking Logging: запись уходит в буферизованный канал, горячий путь решения не ждет БД.
- Batching: пакетная запись по таймеру или при достижении размера пачки.
- Drain Pattern: Stop закрывает вход, воркер вычитывает остаток буфера и делает финальный flush.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются записи
type Storage interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, records []Record) error
}

type Auditor interface {
	Log(rec Record)
}

type TrailConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (c TrailConfig) withDefaults() TrailConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	return c
}

type Trail struct {
	ch     chan Record // Буфер для асинхронности
	repo   Storage
	cfg    TrailConfig
	fill   prometheus.Gauge // может быть nil
	logger *zap.Logger
	wg     sync.WaitGroup

	// Log держит RLock на время отправки, Stop берет Lock перед close: отправки в закрытый канал не будет
	mu     sync.RWMutex
	closed bool
}

func NewTrail(repo Storage, cfg TrailConfig, fill prometheus.Gauge, logger *zap.Logger) *Trail {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Trail{
		ch:     make(chan Record, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		fill:   fill,
		logger: logger.With(zap.String("mod", "audit_trail")),
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.logger.Info("stopping audit trail: closing channel and flushing buffer...")
	close(t.ch)
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

func (t *Trail) Log(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = Now()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		t.logger.Warn("audit record dropped: trail is stopping", zap.String("id", rec.ID))
		return
	}

	// Load Shedding: при переполнении не блокируем решение
	select {
	case t.ch <- rec:
		if t.fill != nil {
			t.fill.Set(float64(len(t.ch)))
		}
	default:
		t.logger.Error("audit_buffer_overflow",
			zap.String("id", rec.ID),
			zap.String("trace_id", rec.TraceID),
			zap.String("verdict", string(rec.Verdict)),
			zap.String("verdict_id", rec.VerdictID),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]Record, 0, t.cfg.BatchSize)
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст при остановке уже отменен
		if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
			t.logger.Error("audit flush failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		// Хранилище может держать ссылку на слайс, поэтому новый буфер
		batch = make([]Record, 0, t.cfg.BatchSize)
		if t.fill != nil {
			t.fill.Set(float64(len(t.ch)))
		}
	}

	for {
		select {
		case rec, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop(): остаток уже вычитан, финальный сброс
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= t.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// LogStorage пишет записи в лог. Используется, когда БД не настроена.
type LogStorage struct {
	logger *zap.Logger
}

func NewLogStorage(logger *zap.Logger) *LogStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogStorage{logger: logger.With(zap.String("mod", "audit_log"))}
}

func (s *LogStorage) WriteBatch(_ context.Context, records []Record) error {
	for _, rec := range records {
		s.logger.Info("verdict",
			zap.String("id", rec.ID),
			zap.String("trace_id", rec.TraceID),
			zap.String("actor_id", rec.ActorID),
			zap.String("tenant", rec.Tenant),
			zap.String("verdict", string(rec.Verdict)),
			zap.String("reason", rec.ReasonCode),
			zap.String("verdict_id", rec.VerdictID),
			zap.String("key_id", rec.KeyID),
			zap.String("status", string(rec.Status)),
		)
	}
	return nil
}
