package audit

/*
Trail: асинхронный журнал аудита команд.

- Record не блокирует обработку запроса: запись уходит в буферизованный канал,
  при переполнении запись отбрасывается и учитывается в Dropped.
- Воркер копит записи и пишет пачками по размеру или по таймеру.
- Stop закрывает вход и дожидается финального flush (drain), потерь при
  штатной остановке нет.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Storage определяет, куда физически пишутся записи аудита.
type Storage interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, records []CommandRecord) error
}

type Recorder interface {
	Record(rec CommandRecord)
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
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
	cfg     Config
	ch      chan CommandRecord
	storage Storage
	logger  *zap.Logger
	wg      sync.WaitGroup

	// mu защищает закрытие канала от конкурентного Record
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewTrail(storage Storage, cfg Config, logger *zap.Logger) *Trail {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Trail{
		cfg:     cfg,
		ch:      make(chan CommandRecord, cfg.BufferSize),
		storage: storage,
		logger:  logger.With(zap.String("mod", "audit")),
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop запирает вход и ждет, пока воркер всё допишет. Повторный вызов безопасен.
func (t *Trail) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.ch)
	t.mu.Unlock()

	t.logger.Info("stopping audit trail: flushing buffer...")
	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully", zap.Int64("dropped", t.dropped.Load()))
}

func (t *Trail) Record(rec CommandRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.dropped.Add(1)
		t.logger.Warn("audit record dropped: trail is stopping", zap.String("agent_id", rec.AgentID))
		return
	}

	// Load shedding: горячий путь не ждет хранилище
	select {
	case t.ch <- rec:
	default:
		t.dropped.Add(1)
		t.logger.Error("audit_buffer_overflow",
			zap.String("agent_id", rec.AgentID),
			zap.String("trace_id", rec.TraceID),
			zap.String("command", rec.Command),
		)
	}
}

// Dropped: сколько записей потеряно из-за переполнения или остановки.
func (t *Trail) Dropped() int64 { return t.dropped.Load() }

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]CommandRecord, 0, t.cfg.BatchSize)
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст запроса к этому моменту уже завершен
		if err := t.storage.WriteBatch(context.Background(), batch); err != nil {
			t.logger.Error("audit flush failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = make([]CommandRecord, 0, t.cfg.BatchSize)
	}

	for {
		select {
		case rec, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop: всё, что было в очереди, уже вычитано
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

// MemoryStorage держит записи в памяти. Драйвер "memory" и тесты.
type MemoryStorage struct {
	mu      sync.Mutex
	records []CommandRecord
	batches int
}

func NewMemoryStorage() *MemoryStorage { return &MemoryStorage{} }

func (m *MemoryStorage) WriteBatch(_ context.Context, records []CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	m.batches++
	return nil
}

// Records возвращает копию записей, опционально отфильтрованных по агенту.
func (m *MemoryStorage) Records(agentID string) []CommandRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CommandRecord, 0, len(m.records))
	for _, r := range m.records {
		if agentID == "" || r.AgentID == agentID {
			out = append(out, r)
		}
	}
	return out
}

func (m *MemoryStorage) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}
