package sink

import (
	"fmt"
	"log"

	"NetAnomaly/internal/ai"
	"NetAnomaly/internal/config"
	"NetAnomaly/internal/factory"
	"NetAnomaly/internal/model"
	"NetAnomaly/internal/notification"
)

func init() {
	factory.RegisterSink("log", func(def config.SinkDef, _ *factory.Deps) (*factory.Sink, error) {
		return &factory.Sink{Observer: NewLogSink(nil, def.AnomaliesOnly)}, nil
	})

	factory.RegisterSink("metrics", func(_ config.SinkDef, deps *factory.Deps) (*factory.Sink, error) {
		if deps.Registry == nil {
			return nil, fmt.Errorf("metrics sink needs a prometheus registry")
		}
		s, err := NewMetricsSink(deps.Registry)
		if err != nil {
			return nil, err
		}
		return &factory.Sink{Observer: s}, nil
	})

	factory.RegisterSink("nats", func(_ config.SinkDef, deps *factory.Deps) (*factory.Sink, error) {
		p := deps.Config.Probe
		s, err := NewNATSSink(p.NATSURL, p.AnomalySubject)
		if err != nil {
			return nil, err
		}
		return &factory.Sink{Observer: s, Close: s.Close, LosslessAnomalies: true}, nil
	})

	factory.RegisterSink("clickhouse", func(_ config.SinkDef, deps *factory.Deps) (*factory.Sink, error) {
		store, err := deps.AnomalyStore()
		if err != nil {
			return nil, err
		}
		ch := deps.Config.ClickHouse
		s := NewClickHouseSink(store, ch.BatchSize, ch.FlushIntervalDuration())
		return &factory.Sink{Observer: s, Close: s.Close, LosslessAnomalies: true}, nil
	})

	factory.RegisterSink("alerter", func(_ config.SinkDef, deps *factory.Deps) (*factory.Sink, error) {
		cfg := deps.Config
		if cfg.SMTP.Host == "" {
			return nil, fmt.Errorf("alerter sink needs an smtp host")
		}
		var analyzer model.Analyzer
		if cfg.Alerter.AIAnalysis.Enabled {
			an, err := ai.NewAnalyzer(&cfg.Alerter.AIAnalysis)
			if err != nil {
				return nil, fmt.Errorf("failed to create AI analyzer: %w", err)
			}
			analyzer = an
			log.Printf("AI analysis enabled with model '%s'.", cfg.Alerter.AIAnalysis.Model)
		}
		a := NewAlerter(notification.NewEmailNotifier(cfg.SMTP), analyzer,
			cfg.Alerter.MinAnomalies, cfg.Alerter.CheckIntervalDuration())
		a.Start()
		return &factory.Sink{Observer: a, Close: a.Close, LosslessAnomalies: true}, nil
	})
}
