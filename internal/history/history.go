package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runbox/internal/metrics"
)

// MaxRecords is how many runs the in-memory ring retains.
const MaxRecords = 100

// maxCodeLen caps the stored snippet so history stays small even when
// callers submit large sources.
const maxCodeLen = 2000

type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Language  string    `json:"language"`
	Code      string    `json:"code"`
	Stdout    string    `json:"output"`
	Stderr    string    `json:"error"`
	ExitCode  int       `json:"exit_code"`
	Status    string    `json:"status"`
}

// Recorder persists run records and serves them back newest first.
type Recorder interface {
	Append(ctx context.Context, rec Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// Ring keeps the most recent records in memory, newest first.
type Ring struct {
	mu      sync.Mutex
	records []Record
	cap     int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = MaxRecords
	}
	return &Ring{cap: capacity}
}

func (r *Ring) Append(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append([]Record{rec}, r.records...)
	if len(r.records) > r.cap {
		r.records = r.records[:r.cap]
	}
	return nil
}

func (r *Ring) Recent(_ context.Context, limit int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.records) {
		limit = len(r.records)
	}
	out := make([]Record, limit)
	copy(out, r.records[:limit])
	return out, nil
}

// Log fans run records into the in-memory ring and, when a durable
// store is configured, writes them there as well. Durable writes are
// fire-and-forget: a failing store never fails or slows a run.
type Log struct {
	ring   *Ring
	store  Recorder
	logger *zerolog.Logger
}

func NewLog(store Recorder, logger *zerolog.Logger) *Log {
	return &Log{
		ring:   NewRing(MaxRecords),
		store:  store,
		logger: logger,
	}
}

func (l *Log) Record(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if len(rec.Code) > maxCodeLen {
		rec.Code = rec.Code[:maxCodeLen]
	}

	_ = l.ring.Append(context.Background(), rec)

	if l.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.store.Append(ctx, rec); err != nil {
			metrics.HistoryWriteFailures.Inc()
			l.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("history write failed")
		}
	}()
}

// Recent reads from the durable store when one is configured, falling
// back to the ring if the store cannot serve the request.
func (l *Log) Recent(ctx context.Context, limit int) ([]Record, error) {
	if l.store != nil {
		recs, err := l.store.Recent(ctx, limit)
		if err == nil {
			return recs, nil
		}
		l.logger.Warn().Err(err).Msg("history read failed, serving in-memory records")
	}
	return l.ring.Recent(ctx, limit)
}
