package sink

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"NetAnomaly/internal/model"
)

// AnomalyWriter persists a batch of anomalies.
type AnomalyWriter interface {
	InsertAnomalies(ctx context.Context, anomalies []model.Anomaly) error
}

// maxPendingBatches bounds how many batches a failing writer can hold back.
const maxPendingBatches = 10

// ClickHouseSink buffers anomalies and writes them in batches, when the
// batch is full or on every flush interval, whichever comes first. A batch
// that fails to write is kept for the next flush; once more than
// maxPendingBatches are pending, the oldest anomalies are discarded and
// counted as lost.
type ClickHouseSink struct {
	writer    AnomalyWriter
	batchSize int
	now       func() time.Time

	mu   sync.Mutex
	buf  []model.Anomaly
	lost uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewClickHouseSink starts the periodic flusher.
func NewClickHouseSink(writer AnomalyWriter, batchSize int, flushInterval time.Duration) *ClickHouseSink {
	if batchSize <= 0 {
		batchSize = 1
	}
	s := &ClickHouseSink{
		writer:    writer,
		batchSize: batchSize,
		now:       time.Now,
		done:      make(chan struct{}),
	}
	if flushInterval > 0 {
		s.wg.Add(1)
		go s.runFlusher(flushInterval)
	}
	return s
}

// Name implements model.Observer.
func (s *ClickHouseSink) Name() string { return "clickhouse" }

// Notify implements model.Observer.
func (s *ClickHouseSink) Notify(ctx context.Context, u model.Update) error {
	if !u.IsAnomaly() {
		return nil
	}
	s.mu.Lock()
	s.buf = append(s.buf, model.NewAnomaly(u, s.now()))
	full := len(s.buf) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.flush(ctx)
	}
	return nil
}

func (s *ClickHouseSink) flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := s.writer.InsertAnomalies(ctx, batch); err != nil {
		s.requeue(batch)
		return fmt.Errorf("failed to write %d anomalies: %w", len(batch), err)
	}
	log.Printf("Wrote %d anomalies to ClickHouse", len(batch))
	return nil
}

// requeue puts a failed batch back in front of anything buffered since.
func (s *ClickHouseSink) requeue(batch []model.Anomaly) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(batch, s.buf...)
	if limit := s.batchSize * maxPendingBatches; len(s.buf) > limit {
		n := len(s.buf) - limit
		s.lost += uint64(n)
		s.buf = append([]model.Anomaly(nil), s.buf[n:]...)
		log.Printf("Warning: ClickHouse backlog full, discarded %d anomalies", n)
	}
}

// Pending returns the number of anomalies waiting to be written.
func (s *ClickHouseSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Lost returns the number of anomalies discarded because the backlog was full.
func (s *ClickHouseSink) Lost() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

func (s *ClickHouseSink) runFlusher(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.flush(context.Background()); err != nil {
				log.Printf("ClickHouse flush failed: %v", err)
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the flusher and writes what is left.
func (s *ClickHouseSink) Close() error {
	close(s.done)
	s.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.flush(ctx)
}
