// Package flowtable aggregates a packet event stream into bidirectional flow records.
//
// The table is sharded: every shard owns a map and a mutex, and both
// orientations of a flow hash to the same shard, so the forward lookup, the
// reverse lookup and the counter update of Apply happen under one lock.
// SweepExpired takes the same shard locks, so it never observes a record in
// the middle of an update.
package flowtable

import (
	"fmt"
	"hash/fnv"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"NetAnomaly/internal/model"
)

const (
	defaultShardCount = 256
	maxShardCount     = 32768
)

// Options configures a Table.
type Options struct {
	// NumShards is the number of independently locked partitions.
	NumShards uint32
	// ClosingTimeout is the idle timeout applied to CLOSING flows when it is
	// shorter than the sweep's idle timeout. Zero disables it.
	ClosingTimeout time.Duration
	// MaxFlows caps the number of live records. Zero means unbounded.
	MaxFlows int
}

type entry struct {
	rec    model.FlowRecord
	fwdFIN bool
	revFIN bool
}

type shard struct {
	mu    sync.Mutex
	flows map[model.FlowKey]*entry
}

// Table is the authoritative store of live flow records.
type Table struct {
	shards         []*shard
	shardCount     uint32
	closingTimeout time.Duration
	maxFlows       int64

	size     atomic.Int64
	dropped  atomic.Uint64
	overflow atomic.Uint64
	expired  atomic.Uint64
}

// New creates an empty flow table.
func New(opts Options) *Table {
	n := opts.NumShards
	if n == 0 || n >= maxShardCount {
		n = defaultShardCount
	}
	t := &Table{
		shards:         make([]*shard, n),
		shardCount:     n,
		closingTimeout: opts.ClosingTimeout,
		maxFlows:       int64(opts.MaxFlows),
	}
	for i := range t.shards {
		t.shards[i] = &shard{flows: make(map[model.FlowKey]*entry)}
	}
	return t
}

// Apply folds one packet event into the table.
//
// It returns the canonical key of the flow, a copy of the record after the
// update and whether this packet created the record. ok is false when the
// event was dropped, either because it is malformed or because the table is
// at capacity; dropped events are counted, never returned as errors.
func (t *Table) Apply(ev model.PacketEvent) (key model.FlowKey, rec model.FlowRecord, isNew bool, ok bool) {
	key, err := ev.Key()
	if err != nil {
		t.dropped.Add(1)
		return model.FlowKey{}, model.FlowRecord{}, false, false
	}

	sh := t.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	forward := true
	e, found := sh.flows[key]
	if !found {
		if e, found = sh.flows[key.Reverse()]; found {
			forward = false
			key = key.Reverse()
		}
	}

	if !found {
		if !t.reserve() {
			t.overflow.Add(1)
			return key, model.FlowRecord{}, false, false
		}
		e = newEntry(key, ev.Timestamp)
		sh.insert(key, e)
		isNew = true
	}

	e.apply(ev, forward)
	return key, e.rec, isNew, true
}

// SweepExpired removes every flow idle for longer than idleTimeout (or the
// closing timeout for CLOSING flows) at time now and returns their keys.
// Each removed record passes to EXPIRED exactly once.
func (t *Table) SweepExpired(now time.Time, idleTimeout time.Duration) []model.FlowKey {
	closing := idleTimeout
	if t.closingTimeout > 0 && t.closingTimeout < closing {
		closing = t.closingTimeout
	}

	var removed []model.FlowKey
	for _, sh := range t.shards {
		sh.mu.Lock()
		// Mark first, then remove.
		start := len(removed)
		for k, e := range sh.flows {
			timeout := idleTimeout
			if e.rec.State == model.FlowClosing {
				timeout = closing
			}
			if now.Sub(e.rec.LastSeenTime) > timeout {
				removed = append(removed, k)
			}
		}
		for _, k := range removed[start:] {
			sh.flows[k].rec.State = model.FlowExpired
			delete(sh.flows, k)
		}
		sh.mu.Unlock()
	}

	if n := len(removed); n > 0 {
		t.size.Add(-int64(n))
		t.expired.Add(uint64(n))
	}
	return removed
}

// Snapshot returns a point-in-time copy of every live flow.
// Shards are copied one at a time; the result is consistent per flow.
func (t *Table) Snapshot() []model.FlowEntry {
	out := make([]model.FlowEntry, 0, t.Len())
	for _, sh := range t.shards {
		sh.mu.Lock()
		for k, e := range sh.flows {
			out = append(out, model.FlowEntry{Key: k, Record: e.rec})
		}
		sh.mu.Unlock()
	}
	return out
}

// Get returns a copy of the record matching key in either orientation.
func (t *Table) Get(key model.FlowKey) (model.FlowRecord, bool) {
	sh := t.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.flows[key]; ok {
		return e.rec, true
	}
	if e, ok := sh.flows[key.Reverse()]; ok {
		return e.rec, true
	}
	return model.FlowRecord{}, false
}

// Len returns the number of live flows.
func (t *Table) Len() int { return int(t.size.Load()) }

// Dropped returns the number of malformed packet events seen so far.
func (t *Table) Dropped() uint64 { return t.dropped.Load() }

// Overflow returns the number of packets rejected because the table was full.
func (t *Table) Overflow() uint64 { return t.overflow.Load() }

// Expired returns the number of flows removed by sweeps.
func (t *Table) Expired() uint64 { return t.expired.Load() }

func (t *Table) reserve() bool {
	n := t.size.Add(1)
	if t.maxFlows > 0 && n > t.maxFlows {
		t.size.Add(-1)
		return false
	}
	return true
}

func (t *Table) getShard(k model.FlowKey) *shard {
	return t.shards[KeyHash(k)%t.shardCount]
}

// KeyHash hashes the two endpoints in sorted order, so a key and its reverse
// always hash alike. The pipeline uses it to pin both directions of a flow to
// the same worker.
func KeyHash(k model.FlowKey) uint32 {
	a := netip.AddrPortFrom(k.SrcAddr, k.SrcPort)
	b := netip.AddrPortFrom(k.DstAddr, k.DstPort)
	if b.Compare(a) < 0 {
		a, b = b, a
	}
	hasher := fnv.New32a()
	writeAddrPort(hasher, a)
	writeAddrPort(hasher, b)
	hasher.Write([]byte{byte(k.Protocol)})
	return hasher.Sum32()
}

func writeAddrPort(h io.Writer, ap netip.AddrPort) {
	addr := ap.Addr().As16()
	port := ap.Port()
	h.Write(addr[:])
	h.Write([]byte{byte(port >> 8), byte(port)})
}

func (sh *shard) insert(key model.FlowKey, e *entry) {
	if _, exists := sh.flows[key]; exists {
		panic(fmt.Sprintf("flowtable: duplicate insert of canonical key %s", key))
	}
	if _, exists := sh.flows[key.Reverse()]; exists && key != key.Reverse() {
		panic(fmt.Sprintf("flowtable: insert of %s while its reverse is live", key))
	}
	sh.flows[key] = e
}

func newEntry(key model.FlowKey, ts time.Time) *entry {
	return &entry{rec: model.FlowRecord{
		SrcAddr:      key.SrcAddr,
		DstAddr:      key.DstAddr,
		SrcPort:      key.SrcPort,
		DstPort:      key.DstPort,
		Protocol:     key.Protocol,
		StartTime:    ts,
		LastSeenTime: ts,
		State:        model.FlowActive,
	}}
}

// apply updates counters, timestamps and termination state. Must be called
// with the shard lock held.
func (e *entry) apply(ev model.PacketEvent, forward bool) {
	r := &e.rec
	n := uint64(ev.Length)
	if forward {
		r.BytesSent += n
		r.PacketsSent++
	} else {
		r.BytesReceived += n
		r.PacketsReceived++
	}
	r.Seq++

	// Events may arrive out of order across producers: keep the envelope.
	if ev.Timestamp.Before(r.StartTime) {
		r.StartTime = ev.Timestamp
	}
	if ev.Timestamp.After(r.LastSeenTime) {
		r.LastSeenTime = ev.Timestamp
	}
	if r.LastSeenTime.Before(r.StartTime) {
		panic(fmt.Sprintf("flowtable: lastSeen before start for %s", r.Key()))
	}

	if r.Protocol != model.ProtocolTCP || r.State != model.FlowActive {
		return
	}
	if ev.FIN {
		if forward {
			e.fwdFIN = true
		} else {
			e.revFIN = true
		}
	}
	if ev.RST || (e.fwdFIN && e.revFIN) {
		r.State = model.FlowClosing
	}
}
