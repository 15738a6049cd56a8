package pipeline

import (
	"context"
	"errors"

	"NetAnomaly/internal/model"
)

type limitedSource struct {
	src model.PacketSource
	n   int
}

// Limit wraps src so that it stops after n events. n <= 0 returns src.
func Limit(src model.PacketSource, n int) model.PacketSource {
	if n <= 0 {
		return src
	}
	return &limitedSource{src: src, n: n}
}

// Stream implements model.PacketSource. Sources call emit from a single
// goroutine, so the counter needs no locking.
func (l *limitedSource) Stream(ctx context.Context, emit func(model.PacketEvent)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	count := 0
	err := l.src.Stream(ctx, func(ev model.PacketEvent) {
		if count >= l.n {
			return
		}
		count++
		emit(ev)
		if count == l.n {
			cancel()
		}
	})
	if count >= l.n && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
