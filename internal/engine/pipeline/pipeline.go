// Package pipeline drives packet events through the flow table, the feature
// extractor and the scorer, and hands the results to the dispatcher.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"NetAnomaly/internal/config"
	"NetAnomaly/internal/dispatch"
	"NetAnomaly/internal/engine/features"
	"NetAnomaly/internal/engine/flowtable"
	"NetAnomaly/internal/model"
	"NetAnomaly/internal/scoring"
)

// Options configures the worker pool and the sweeper.
type Options struct {
	NumWorkers    int
	QueueSize     int
	Threshold     float64
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// EventTime sweeps against the largest applied packet timestamp instead
	// of the wall clock. Used when replaying captures.
	EventTime bool
}

// OptionsFromConfig maps a validated engine configuration to Options.
func OptionsFromConfig(cfg *config.EngineConfig) Options {
	return Options{
		NumWorkers:    cfg.NumWorkers,
		QueueSize:     cfg.SizeOfPacketChannel,
		Threshold:     cfg.AnomalyThreshold,
		IdleTimeout:   cfg.IdleTimeoutDuration(),
		SweepInterval: cfg.SweepIntervalDuration(),
	}
}

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	Flows         int    `json:"flows"`
	Received      uint64 `json:"received"`
	Dropped       uint64 `json:"dropped"`
	Overflow      uint64 `json:"overflow"`
	Expired       uint64 `json:"expired"`
	Scored        uint64 `json:"scored"`
	ScoreFailures uint64 `json:"score_failures"`
	Anomalies     uint64 `json:"anomalies"`
	Dispatched    uint64 `json:"dispatched"`
}

// Pipeline owns the workers that apply packets and the periodic sweeper.
// Events are partitioned by a direction-independent hash of their flow key,
// so every update of one flow is produced by one worker, in submission order.
type Pipeline struct {
	table      *flowtable.Table
	scorer     model.Scorer
	dispatcher *dispatch.Dispatcher
	reporter   *dispatch.Reporter
	opts       Options

	queues    []chan model.PacketEvent
	inMu      sync.RWMutex
	stopped   bool
	ctx       context.Context
	done      chan struct{}
	workerWg  sync.WaitGroup
	sweepWg   sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	watermark     atomic.Int64
	received      atomic.Uint64
	scored        atomic.Uint64
	scoreFailures atomic.Uint64
	anomalies     atomic.Uint64
}

// New creates a Pipeline. The scorer must be safe for concurrent use.
func New(table *flowtable.Table, scorer model.Scorer, d *dispatch.Dispatcher, opts Options) *Pipeline {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = config.DefaultPacketChannel
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = config.DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = config.DefaultSweepInterval
	}
	queues := make([]chan model.PacketEvent, opts.NumWorkers)
	perWorker := opts.QueueSize / opts.NumWorkers
	if perWorker < 1 {
		perWorker = 1
	}
	for i := range queues {
		queues[i] = make(chan model.PacketEvent, perWorker)
	}
	return &Pipeline{
		table:      table,
		scorer:     scorer,
		dispatcher: d,
		reporter:   dispatch.NewReporter(time.Second, 5),
		opts:       opts,
		queues:     queues,
		ctx:        context.Background(),
		done:       make(chan struct{}),
	}
}

// Start launches the workers and the sweeper. The scorer sees ctx's values
// but not its cancellation: events drained by Stop are still scored, bounded
// by the scorer's own timeout.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.ctx = context.WithoutCancel(ctx)
		p.workerWg.Add(len(p.queues))
		for _, q := range p.queues {
			go p.worker(q)
		}
		p.sweepWg.Add(1)
		go p.runSweeper()
		log.Printf("Pipeline started with %d workers, sweep every %s, idle timeout %s.",
			len(p.queues), p.opts.SweepInterval, p.opts.IdleTimeout)
	})
}

// Submit queues ev for processing, blocking while its worker's queue is
// full. Events submitted after Stop are discarded.
func (p *Pipeline) Submit(ev model.PacketEvent) {
	p.inMu.RLock()
	defer p.inMu.RUnlock()
	if p.stopped {
		return
	}
	p.received.Add(1)
	p.queues[p.route(ev)] <- ev
}

// route picks the worker for ev. Malformed events all go to worker 0, where
// the table counts and drops them.
func (p *Pipeline) route(ev model.PacketEvent) int {
	key, err := ev.Key()
	if err != nil {
		return 0
	}
	return int(flowtable.KeyHash(key) % uint32(len(p.queues)))
}

// Stop drains the queued events, waits for the workers and stops the sweeper.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		log.Println("Pipeline stopping...")
		p.inMu.Lock()
		p.stopped = true
		for _, q := range p.queues {
			close(q)
		}
		p.inMu.Unlock()

		p.workerWg.Wait()
		close(p.done)
		p.sweepWg.Wait()
		log.Println("Pipeline stopped.")
	})
}

// Run starts the pipeline, streams source into it until the source is
// exhausted or ctx is cancelled, then stops.
func (p *Pipeline) Run(ctx context.Context, source model.PacketSource) error {
	p.Start(ctx)
	err := source.Stream(ctx, p.Submit)
	p.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Table exposes the flow table for read-only diagnostics.
func (p *Pipeline) Table() *flowtable.Table { return p.table }

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Flows:         p.table.Len(),
		Received:      p.received.Load(),
		Dropped:       p.table.Dropped(),
		Overflow:      p.table.Overflow(),
		Expired:       p.table.Expired(),
		Scored:        p.scored.Load(),
		ScoreFailures: p.scoreFailures.Load(),
		Anomalies:     p.anomalies.Load(),
		Dispatched:    p.dispatcher.Dispatched(),
	}
}

func (p *Pipeline) worker(q <-chan model.PacketEvent) {
	defer p.workerWg.Done()
	for ev := range q {
		p.process(ev)
	}
}

func (p *Pipeline) process(ev model.PacketEvent) {
	key, rec, isNew, ok := p.table.Apply(ev)
	if !ok {
		return
	}
	if p.opts.EventTime {
		p.advanceWatermark(ev.Timestamp)
	}

	vec := features.Extract(rec)
	score, err := p.score(vec)
	u := model.Update{
		Key:      key,
		Record:   rec,
		IsNew:    isNew,
		Features: vec,
		Score:    score,
		Verdict:  scoring.Decide(score, p.opts.Threshold),
		ScoreErr: err,
	}
	if err != nil {
		p.scoreFailures.Add(1)
		p.reporter.Report("scorer", fmt.Errorf("flow %s: %w", key, err))
	} else {
		p.scored.Add(1)
	}
	if u.IsAnomaly() {
		p.anomalies.Add(1)
	}
	p.dispatcher.Dispatch(u)
}

// score never lets a scorer failure escape: errors and panics come back as
// a NaN score and an error wrapping model.ErrScorerFailure.
func (p *Pipeline) score(v model.Vector) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			score, err = math.NaN(), fmt.Errorf("%w: panic: %v", model.ErrScorerFailure, r)
		}
	}()
	score, err = p.scorer.Score(p.ctx, v)
	if err != nil {
		if !errors.Is(err, model.ErrScorerFailure) {
			err = fmt.Errorf("%w: %v", model.ErrScorerFailure, err)
		}
		return math.NaN(), err
	}
	return score, nil
}

func (p *Pipeline) advanceWatermark(ts time.Time) {
	n := ts.UnixNano()
	for {
		cur := p.watermark.Load()
		if n <= cur || p.watermark.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (p *Pipeline) now() (time.Time, bool) {
	if !p.opts.EventTime {
		return time.Now(), true
	}
	n := p.watermark.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

func (p *Pipeline) runSweeper() {
	defer p.sweepWg.Done()
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.done:
			return
		}
	}
}

func (p *Pipeline) sweep() {
	now, ok := p.now()
	if !ok {
		return
	}
	expired := p.table.SweepExpired(now, p.opts.IdleTimeout)
	if len(expired) > 0 {
		log.Printf("Expired %d flows, %d active.", len(expired), p.table.Len())
	}
}
