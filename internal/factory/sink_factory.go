package factory

import (
	"fmt"
	"log"
	"sync"

	"NetAnomaly/internal/config"
	"NetAnomaly/internal/model"
	"NetAnomaly/internal/query"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is a built observer plus what the dispatcher and shutdown need to know about it.
type Sink struct {
	Observer    model.Observer
	MailboxSize int
	// LosslessAnomalies asks the dispatcher to wait rather than drop
	// anomalous updates for this sink.
	LosslessAnomalies bool
	// Close releases the sink's resources after the dispatcher has drained. May be nil.
	Close func() error
}

// Deps carries the shared resources sink factories may use.
type Deps struct {
	Config   *config.Config
	Registry prometheus.Registerer

	storeOnce sync.Once
	store     *query.Store
	storeErr  error
}

// AnomalyStore opens the ClickHouse anomaly store on first use and returns the
// same store afterwards.
func (d *Deps) AnomalyStore() (*query.Store, error) {
	d.storeOnce.Do(func() {
		d.store, d.storeErr = query.NewStore(d.Config.ClickHouse)
	})
	return d.store, d.storeErr
}

// OpenedStore returns the anomaly store if a sink opened it, nil otherwise.
func (d *Deps) OpenedStore() *query.Store {
	if d.storeErr != nil {
		return nil
	}
	return d.store
}

// SinkFactory builds one sink from its definition.
type SinkFactory func(def config.SinkDef, deps *Deps) (*Sink, error)

// registry holds the mapping of sink types to their factory functions.
var registry = make(map[string]SinkFactory)

// RegisterSink registers a new sink type with its factory function.
func RegisterSink(name string, factory SinkFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("sink type '%s' already registered", name))
	}
	registry[name] = factory
}

// Create builds every enabled sink in cfg.Sinks. If one fails, the sinks
// built so far are closed.
func Create(cfg *config.Config, deps *Deps) ([]*Sink, error) {
	var sinks []*Sink
	fail := func(err error) ([]*Sink, error) {
		for _, s := range sinks {
			if s.Close != nil {
				s.Close()
			}
		}
		return nil, err
	}

	for _, def := range cfg.Sinks {
		if !def.Enabled {
			continue
		}
		log.Printf("Creating sink of type: '%s'", def.Type)

		factory, ok := registry[def.Type]
		if !ok {
			return fail(fmt.Errorf("unknown sink type: '%s'", def.Type))
		}

		s, err := factory(def, deps)
		if err != nil {
			return fail(fmt.Errorf("error creating sink type '%s': %w", def.Type, err))
		}
		if s.MailboxSize == 0 {
			s.MailboxSize = def.MailboxSize
		}
		sinks = append(sinks, s)
	}

	return sinks, nil
}
