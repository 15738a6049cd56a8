package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"NetAnomaly/internal/dispatch"
	"NetAnomaly/internal/engine/flowtable"
	"NetAnomaly/internal/model"
	"NetAnomaly/internal/scoring"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

var t0 = time.Unix(1700000000, 0)

type collector struct {
	mu      sync.Mutex
	updates []model.Update
}

func (c *collector) Name() string { return "collector" }

func (c *collector) Notify(_ context.Context, u model.Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
	return nil
}

func (c *collector) all() []model.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Update(nil), c.updates...)
}

type sliceSource []model.PacketEvent

func (s sliceSource) Stream(ctx context.Context, emit func(model.PacketEvent)) error {
	for _, ev := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		emit(ev)
	}
	return nil
}

type errScorer struct{}

func (errScorer) Score(context.Context, model.Vector) (float64, error) {
	return 0, errors.New("model offline")
}

type panicScorer struct{}

func (panicScorer) Score(context.Context, model.Vector) (float64, error) {
	panic("bad weights")
}

func pkt(src string, sport int, dst string, dport int, length int, at time.Duration) model.PacketEvent {
	return model.PacketEvent{
		Timestamp: t0.Add(at),
		SrcAddr:   src,
		DstAddr:   dst,
		SrcPort:   sport,
		DstPort:   dport,
		Protocol:  "TCP",
		Length:    length,
	}
}

func newPipeline(scorer model.Scorer, opts Options) (*Pipeline, *collector, *dispatch.Dispatcher) {
	d := dispatch.New(dispatch.Options{MailboxSize: 100000, Reporter: dispatch.NewReporter(time.Hour, 1)})
	c := &collector{}
	d.Register(c)
	return New(flowtable.New(flowtable.Options{}), scorer, d, opts), c, d
}

func run(t *testing.T, p *Pipeline, d *dispatch.Dispatcher, events []model.PacketEvent) {
	t.Helper()
	assert.NilError(t, p.Run(context.Background(), sliceSource(events)))
	d.Close()
}

func TestThresholdDecision(t *testing.T) {
	const numFlows, perFlow = 5, 4
	var events []model.PacketEvent
	for f := 0; f < numFlows; f++ {
		client := fmt.Sprintf("10.0.0.%d", f+1)
		for i := 0; i < perFlow; i++ {
			at := time.Duration(i) * time.Second
			if i%2 == 0 {
				events = append(events, pkt(client, 1000+f, "10.0.1.1", 80, 100, at))
			} else {
				events = append(events, pkt("10.0.1.1", 80, client, 1000+f, 300, at))
			}
		}
	}

	for _, tc := range []struct {
		threshold float64
		want      model.Verdict
	}{
		{threshold: 0.005, want: model.VerdictAnomalous},
		{threshold: 0.5, want: model.VerdictNormal},
	} {
		t.Run(fmt.Sprint(tc.threshold), func(t *testing.T) {
			p, c, d := newPipeline(scoring.Constant(0.01), Options{NumWorkers: 2, Threshold: tc.threshold})
			run(t, p, d, events)

			updates := c.all()
			assert.Equal(t, len(updates), numFlows*perFlow)
			flows := map[model.FlowKey]int{}
			created := 0
			for _, u := range updates {
				assert.Equal(t, u.Verdict, tc.want, "flow %s seq %d", u.Key, u.Record.Seq)
				assert.Equal(t, u.Score, 0.01)
				flows[u.Key]++
				if u.IsNew {
					created++
				}
			}
			assert.Equal(t, len(flows), numFlows)
			assert.Equal(t, created, numFlows)
			for k, n := range flows {
				assert.Equal(t, n, perFlow, "flow %s", k)
			}
		})
	}
}

// gatedScorer blocks until released and fails if its context is done.
type gatedScorer struct{ release chan struct{} }

func (g gatedScorer) Score(ctx context.Context, _ model.Vector) (float64, error) {
	<-g.release
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 0.01, nil
}

type funcSource func(ctx context.Context, emit func(model.PacketEvent)) error

func (f funcSource) Stream(ctx context.Context, emit func(model.PacketEvent)) error {
	return f(ctx, emit)
}

func TestDrainedEventsScoredAfterCancel(t *testing.T) {
	scorer := gatedScorer{release: make(chan struct{})}
	p, c, d := newPipeline(scorer, Options{NumWorkers: 1, QueueSize: 100, Threshold: 0.5})

	ctx, cancel := context.WithCancel(context.Background())
	src := funcSource(func(ctx context.Context, emit func(model.PacketEvent)) error {
		for i := 0; i < 10; i++ {
			emit(pkt("10.0.0.1", 1000, "10.0.0.2", 80, 100, time.Duration(i)*time.Millisecond))
		}
		// Everything still queued is scored after the run is cancelled.
		cancel()
		close(scorer.release)
		return ctx.Err()
	})
	assert.NilError(t, p.Run(ctx, src))
	d.Close()

	updates := c.all()
	assert.Equal(t, len(updates), 10)
	for _, u := range updates {
		assert.NilError(t, u.ScoreErr)
		assert.Equal(t, u.Verdict, model.VerdictNormal)
	}
	assert.Equal(t, p.Stats().ScoreFailures, uint64(0))
}

func TestScorerFailureStillDispatches(t *testing.T) {
	for name, scorer := range map[string]model.Scorer{"error": errScorer{}, "panic": panicScorer{}} {
		t.Run(name, func(t *testing.T) {
			p, c, d := newPipeline(scorer, Options{NumWorkers: 1, Threshold: 0.5})
			run(t, p, d, []model.PacketEvent{
				pkt("10.0.0.1", 1000, "10.0.0.2", 80, 100, 0),
				pkt("10.0.0.2", 80, "10.0.0.1", 1000, 50, time.Second),
			})

			updates := c.all()
			assert.Equal(t, len(updates), 2)
			for _, u := range updates {
				assert.Assert(t, math.IsNaN(u.Score))
				assert.Equal(t, u.Verdict, model.VerdictUnknown)
				assert.Assert(t, errors.Is(u.ScoreErr, model.ErrScorerFailure))
			}
			// Aggregation continued through the failures.
			assert.Equal(t, updates[1].Record.PacketsReceived, uint64(1))

			stats := p.Stats()
			assert.Equal(t, stats.ScoreFailures, uint64(2))
			assert.Equal(t, stats.Scored, uint64(0))
		})
	}
}

func TestPerFlowOrdering(t *testing.T) {
	const flows, perFlow = 50, 40
	var events []model.PacketEvent
	for i := 0; i < perFlow; i++ {
		for f := 0; f < flows; f++ {
			src := fmt.Sprintf("10.1.0.%d", f+1)
			if i%2 == 0 {
				events = append(events, pkt(src, 40000+f, "10.2.0.1", 443, 60, time.Duration(i)*time.Millisecond))
			} else {
				events = append(events, pkt("10.2.0.1", 443, src, 40000+f, 1400, time.Duration(i)*time.Millisecond))
			}
		}
	}

	p, c, d := newPipeline(scoring.Constant(0), Options{NumWorkers: 8, QueueSize: 64})
	run(t, p, d, events)

	lastSeq := make(map[model.FlowKey]uint64)
	for _, u := range c.all() {
		assert.Equal(t, u.Record.Seq, lastSeq[u.Key]+1, "flow %s", u.Key)
		lastSeq[u.Key] = u.Record.Seq
	}
	assert.Equal(t, len(lastSeq), flows)
	for k, seq := range lastSeq {
		assert.Equal(t, seq, uint64(perFlow), "flow %s", k)
	}
	assert.Equal(t, p.Stats().Dispatched, uint64(flows*perFlow))
}

func TestMalformedEventsAreCounted(t *testing.T) {
	p, c, d := newPipeline(scoring.Constant(0), Options{NumWorkers: 4})
	bad := pkt("not-an-ip", 1, "10.0.0.2", 80, 10, 0)
	run(t, p, d, []model.PacketEvent{bad, pkt("10.0.0.1", 1000, "10.0.0.2", 80, 10, 0), bad})

	assert.Equal(t, len(c.all()), 1)
	stats := p.Stats()
	assert.Equal(t, stats.Received, uint64(3))
	assert.Equal(t, stats.Dropped, uint64(2))
	assert.Equal(t, stats.Flows, 1)
}

func TestEventTimeSweep(t *testing.T) {
	p, _, d := newPipeline(scoring.Constant(0), Options{
		NumWorkers:    2,
		IdleTimeout:   time.Second,
		SweepInterval: 5 * time.Millisecond,
		EventTime:     true,
	})
	early := pkt("10.0.0.1", 1000, "10.0.0.2", 80, 10, 0)
	late := pkt("10.0.0.3", 1000, "10.0.0.4", 80, 10, 5*time.Second)
	p.Start(context.Background())
	p.Submit(early)
	p.Submit(late)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if p.Table().Len() != 1 || p.Stats().Expired != 1 {
			return poll.Continue("flows=%d expired=%d", p.Table().Len(), p.Stats().Expired)
		}
		return poll.Success()
	}, poll.WithTimeout(5*time.Second))

	earlyKey, err := early.Key()
	assert.NilError(t, err)
	_, live := p.Table().Get(earlyKey)
	assert.Assert(t, !live)
	p.Stop()
	d.Close()
}

func TestStopIsIdempotentAndDiscardsLateEvents(t *testing.T) {
	p, c, d := newPipeline(scoring.Constant(0), Options{NumWorkers: 2})
	p.Start(context.Background())
	p.Submit(pkt("10.0.0.1", 1000, "10.0.0.2", 80, 10, 0))
	p.Stop()
	p.Stop()
	p.Submit(pkt("10.0.0.1", 1000, "10.0.0.2", 80, 10, time.Second))
	d.Close()

	assert.Equal(t, len(c.all()), 1)
	assert.Equal(t, p.Stats().Received, uint64(1))
}

func TestRunReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, _, d := newPipeline(scoring.Constant(0), Options{})
	assert.NilError(t, p.Run(ctx, sliceSource{pkt("10.0.0.1", 1, "10.0.0.2", 2, 1, 0)}))
	d.Close()
	assert.Equal(t, p.Stats().Received, uint64(0))
}

func TestLimitStopsSource(t *testing.T) {
	var events []model.PacketEvent
	for i := 0; i < 10; i++ {
		events = append(events, pkt("10.0.0.1", 1000, "10.0.0.2", 80, 10, time.Duration(i)*time.Second))
	}
	p, c, d := newPipeline(scoring.Constant(0), Options{NumWorkers: 2})
	assert.NilError(t, p.Run(context.Background(), Limit(sliceSource(events), 4)))
	d.Close()

	assert.Equal(t, len(c.all()), 4)
	assert.Equal(t, p.Stats().Received, uint64(4))
	_, wrapped := Limit(sliceSource(events), 0).(*limitedSource)
	assert.Assert(t, !wrapped)
}
