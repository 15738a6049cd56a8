// Package dispatch fans flow updates out to registered observers. Every
// observer owns a goroutine and a bounded FIFO mailbox, so a slow or failing
// observer never blocks its peers. Only observers registered as lossless
// for anomalies can hold up the packet path, and only for anomalous updates.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"NetAnomaly/internal/model"
)

// DefaultMailboxSize is used when Options.MailboxSize is not positive.
const DefaultMailboxSize = 1024

// Options configures a Dispatcher.
type Options struct {
	MailboxSize int
	// Reporter receives observer failures. Defaults to one log line per second.
	Reporter *Reporter
}

// RegisterOptions configures the delivery of one observer.
type RegisterOptions struct {
	// MailboxSize overrides the dispatcher default when positive.
	MailboxSize int
	// LosslessAnomalies makes Dispatch wait for mailbox space instead of
	// dropping when the update is anomalous. Other updates are still dropped
	// on a full mailbox.
	LosslessAnomalies bool
}

// ObserverStats are the delivery counters of one registered observer.
type ObserverStats struct {
	Name      string `json:"name"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	// Waited counts anomalous updates Dispatch had to wait to deliver.
	Waited uint64 `json:"waited"`
	Queued int    `json:"queued"`
}

type subscriber struct {
	obs      model.Observer
	mailbox  chan model.Update
	lossless bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	waited    atomic.Uint64
}

// Dispatcher is an explicit observer registry with per-observer delivery.
type Dispatcher struct {
	mu          sync.RWMutex
	subs        map[string]*subscriber
	closed      bool
	mailboxSize int
	reporter    *Reporter

	dispatched atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	if opts.Reporter == nil {
		opts.Reporter = NewReporter(time.Second, 5)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		subs:        make(map[string]*subscriber),
		mailboxSize: opts.MailboxSize,
		reporter:    opts.Reporter,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Register adds obs with the default mailbox size.
func (d *Dispatcher) Register(obs model.Observer) (unregister func()) {
	return d.RegisterWithMailbox(obs, d.mailboxSize)
}

// RegisterWithMailbox adds obs with its own mailbox size.
func (d *Dispatcher) RegisterWithMailbox(obs model.Observer, size int) (unregister func()) {
	return d.RegisterObserver(obs, RegisterOptions{MailboxSize: size})
}

// RegisterObserver adds obs. An observer registered under an existing name
// replaces the old one, which drains its mailbox and stops. The returned
// function removes obs.
func (d *Dispatcher) RegisterObserver(obs model.Observer, opts RegisterOptions) (unregister func()) {
	size := opts.MailboxSize
	if size <= 0 {
		size = d.mailboxSize
	}
	sub := &subscriber{obs: obs, mailbox: make(chan model.Update, size), lossless: opts.LosslessAnomalies}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		log.Printf("Dispatcher closed, observer '%s' not registered.", obs.Name())
		return func() {}
	}
	if old, ok := d.subs[obs.Name()]; ok {
		log.Printf("Replacing observer '%s'.", obs.Name())
		close(old.mailbox)
	}
	d.subs[obs.Name()] = sub
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(sub)
	log.Printf("Registered observer '%s' with mailbox size %d.", obs.Name(), size)

	return func() { d.removeSubscriber(sub) }
}

// Remove unregisters the observer with the given name. Updates already in
// its mailbox are still delivered.
func (d *Dispatcher) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sub, ok := d.subs[name]; ok {
		delete(d.subs, name)
		close(sub.mailbox)
	}
}

func (d *Dispatcher) removeSubscriber(sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.subs[sub.obs.Name()]; ok && cur == sub {
		delete(d.subs, sub.obs.Name())
		close(sub.mailbox)
	}
}

// Dispatch hands u to every registered observer. When an observer's mailbox
// is full the update is dropped for that observer only, unless the observer
// is lossless for anomalies and u is anomalous: then Dispatch waits.
func (d *Dispatcher) Dispatch(u model.Update) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	d.dispatched.Add(1)
	for name, sub := range d.subs {
		select {
		case sub.mailbox <- u:
			continue
		default:
		}
		if sub.lossless && u.IsAnomaly() {
			// The mailbox cannot be closed while the read lock is held.
			sub.waited.Add(1)
			sub.mailbox <- u
			continue
		}
		sub.dropped.Add(1)
		d.reporter.Report("dispatch", fmt.Errorf("mailbox of observer '%s' full, update for %s dropped", name, u.Key))
	}
}

// Close stops accepting updates, waits for every observer to drain its
// mailbox and then cancels the context passed to Notify.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for name, sub := range d.subs {
		delete(d.subs, name)
		close(sub.mailbox)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
	log.Println("Dispatcher stopped.")
}

// Dispatched returns the number of updates accepted by Dispatch.
func (d *Dispatcher) Dispatched() uint64 { return d.dispatched.Load() }

// Stats returns per-observer counters sorted by name.
func (d *Dispatcher) Stats() []ObserverStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ObserverStats, 0, len(d.subs))
	for name, sub := range d.subs {
		out = append(out, ObserverStats{
			Name:      name,
			Delivered: sub.delivered.Load(),
			Dropped:   sub.dropped.Load(),
			Failed:    sub.failed.Load(),
			Waited:    sub.waited.Load(),
			Queued:    len(sub.mailbox),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d *Dispatcher) run(sub *subscriber) {
	defer d.wg.Done()
	for u := range sub.mailbox {
		d.deliver(sub, u)
	}
}

func (d *Dispatcher) deliver(sub *subscriber, u model.Update) {
	defer func() {
		if r := recover(); r != nil {
			sub.failed.Add(1)
			d.reporter.Report(sub.obs.Name(), fmt.Errorf("%w: panic: %v", model.ErrObserverFailure, r))
		}
	}()
	if err := sub.obs.Notify(d.ctx, u); err != nil {
		sub.failed.Add(1)
		d.reporter.Report(sub.obs.Name(), fmt.Errorf("%w: %v", model.ErrObserverFailure, err))
		return
	}
	sub.delivered.Add(1)
}
