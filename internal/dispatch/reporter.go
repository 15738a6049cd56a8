package dispatch

import (
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Reporter logs recurring failures without flooding the log. Failures that
// arrive while the limiter is exhausted are counted and summarised with the
// next report that gets through.
type Reporter struct {
	limiter *rate.Limiter

	mu         sync.Mutex
	suppressed map[string]uint64
}

// NewReporter allows one report per interval with the given burst.
func NewReporter(interval time.Duration, burst int) *Reporter {
	return &Reporter{
		limiter:    rate.NewLimiter(rate.Every(interval), burst),
		suppressed: make(map[string]uint64),
	}
}

// Report logs err under source unless the rate limit is exceeded.
func (r *Reporter) Report(source string, err error) {
	r.mu.Lock()
	if !r.limiter.Allow() {
		r.suppressed[source]++
		r.mu.Unlock()
		return
	}
	n := r.suppressed[source]
	delete(r.suppressed, source)
	r.mu.Unlock()

	if n > 0 {
		log.Printf("[%s] %v (%d similar errors suppressed)", source, err, n)
		return
	}
	log.Printf("[%s] %v", source, err)
}
