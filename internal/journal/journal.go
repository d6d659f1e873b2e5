package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accproxy/accproxy/internal/models"
)

// Store persists journal records and serves analytics reads.
type Store interface {
	Append(ctx context.Context, rec *models.JournalRecord) error
	RecentForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.JournalRecord, error)
	SpendByModel(ctx context.Context, userID uuid.UUID, since time.Time) ([]ModelSpend, error)
	SpendByDay(ctx context.Context, userID uuid.UUID, since time.Time) ([]DaySpend, error)
}

// ModelSpend is one row of the per-model spend rollup.
type ModelSpend struct {
	Model        string          `json:"model"`
	Requests     int64           `json:"requests"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
}

// DaySpend is one row of the per-day spend rollup.
type DaySpend struct {
	Day      string          `json:"day"`
	Requests int64           `json:"requests"`
	CostUSD  decimal.Decimal `json:"cost_usd"`
}

type gormStore struct{ db *gorm.DB }

func NewStore(db *gorm.DB) Store { return &gormStore{db: db} }

func (s *gormStore) Append(ctx context.Context, rec *models.JournalRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *gormStore) RecentForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.JournalRecord, error) {
	var recs []*models.JournalRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

func (s *gormStore) SpendByModel(ctx context.Context, userID uuid.UUID, since time.Time) ([]ModelSpend, error) {
	var rows []ModelSpend
	err := s.db.WithContext(ctx).
		Model(&models.JournalRecord{}).
		Select("model_effective AS model, COUNT(*) AS requests, SUM(input_tokens) AS input_tokens, SUM(output_tokens) AS output_tokens, SUM(cost_usd) AS cost_usd").
		Where("user_id = ? AND created_at >= ?", userID, since).
		Group("model_effective").
		Order("cost_usd DESC").
		Scan(&rows).Error
	return rows, err
}

func (s *gormStore) SpendByDay(ctx context.Context, userID uuid.UUID, since time.Time) ([]DaySpend, error) {
	var rows []DaySpend
	err := s.db.WithContext(ctx).
		Model(&models.JournalRecord{}).
		Select("to_char(created_at, 'YYYY-MM-DD') AS day, COUNT(*) AS requests, SUM(cost_usd) AS cost_usd").
		Where("user_id = ? AND created_at >= ?", userID, since).
		Group("day").
		Order("day ASC").
		Scan(&rows).Error
	return rows, err
}

// FatalFunc aborts the process. Swappable so tests can observe the
// overflow path.
type FatalFunc func(msg string, fields ...zap.Field)

// Writer journals requests off the hot path through a bounded queue.
// Accounting loss is not acceptable: if the queue ever fills, the
// process goes down rather than silently dropping records.
type Writer struct {
	store  Store
	logger *zap.Logger
	fatal  FatalFunc

	queue chan *models.JournalRecord
	wg    sync.WaitGroup
	once  sync.Once
}

// Config tunes the writer.
type Config struct {
	QueueSize int
	Workers   int
}

func NewWriter(store Store, cfg Config, logger *zap.Logger) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	log := logger.Named("journal")
	w := &Writer{
		store:  store,
		logger: log,
		fatal:  log.Fatal,
		queue:  make(chan *models.JournalRecord, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
	return w
}

// Record enqueues without blocking the request path.
func (w *Writer) Record(rec *models.JournalRecord) {
	select {
	case w.queue <- rec:
	default:
		w.fatal("journal queue overflow, refusing to drop accounting records",
			zap.Int("queue_size", cap(w.queue)),
			zap.String("request_id", rec.RequestID))
	}
}

func (w *Writer) worker() {
	defer w.wg.Done()
	for rec := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := w.store.Append(ctx, rec); err != nil {
			w.logger.Error("failed to journal request",
				zap.String("request_id", rec.RequestID),
				zap.Error(err))
		}
		cancel()
	}
}

// Shutdown drains the queue and stops the workers. Safe to call more
// than once.
func (w *Writer) Shutdown(ctx context.Context) error {
	w.once.Do(func() { close(w.queue) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports queued records not yet persisted.
func (w *Writer) Pending() int { return len(w.queue) }
