package flowtable

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"NetAnomaly/internal/model"
)

func benchPackets(n int) []model.PacketEvent {
	r := rand.New(rand.NewSource(42))
	out := make([]model.PacketEvent, n)
	for i := range out {
		out[i] = pkt(
			fmt.Sprintf("10.%d.%d.%d", r.Intn(4), r.Intn(256), r.Intn(256)), 1024+r.Intn(60000),
			fmt.Sprintf("192.168.%d.%d", r.Intn(4), r.Intn(256)), []int{53, 80, 443}[r.Intn(3)],
			"TCP", 60+r.Intn(1400), time.Duration(i)*time.Millisecond)
	}
	return out
}

func BenchmarkKeyHash(b *testing.B) {
	packets := benchPackets(1024)
	keys := make([]model.FlowKey, len(packets))
	for i, p := range packets {
		k, err := p.Key()
		if err != nil {
			b.Fatalf("Invalid bench packet: %v", err)
		}
		keys[i] = k
	}
	b.ResetTimer()
	var sink uint32
	for i := 0; i < b.N; i++ {
		sink ^= KeyHash(keys[i%len(keys)])
	}
	_ = sink
}

func BenchmarkApplyParallel(b *testing.B) {
	packets := benchPackets(100000)
	for _, shards := range []uint32{1, 16, 256} {
		b.Run(fmt.Sprintf("shards=%d", shards), func(b *testing.B) {
			table := New(Options{NumShards: shards})
			var next atomic.Uint64
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					i := next.Add(1)
					table.Apply(packets[i%uint64(len(packets))])
				}
			})
		})
	}
}
