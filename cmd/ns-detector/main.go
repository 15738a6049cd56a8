package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"NetAnomaly/internal/ai"
	"NetAnomaly/internal/api"
	"NetAnomaly/internal/config"
	"NetAnomaly/internal/dispatch"
	"NetAnomaly/internal/engine/flowtable"
	"NetAnomaly/internal/engine/pipeline"
	"NetAnomaly/internal/factory"
	"NetAnomaly/internal/model"
	"NetAnomaly/internal/probe"
	"NetAnomaly/internal/scoring"
	"NetAnomaly/internal/sink"
	"NetAnomaly/pkg/pcap"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	sourceType := flag.String("source", "", "Override the packet source: 'live', 'pcap' or 'nats'.")
	iface := flag.String("iface", "", "Interface to capture from (live source).")
	pcapFile := flag.String("pcap", "", "Capture file to replay (implies -source=pcap).")
	flag.Parse()

	log.Println("Starting ns-detector...")

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *pcapFile != "" {
		cfg.Source.Type, cfg.Source.PcapFile = "pcap", *pcapFile
	}
	if *sourceType != "" {
		cfg.Source.Type = *sourceType
	}
	if *iface != "" {
		cfg.Source.Iface = *iface
	}
	log.Println("Configuration loaded successfully.")

	// 2. Load the model once; without it there is nothing to detect.
	scorer, closeScorer, err := scoring.New(cfg.Model)
	if err != nil {
		log.Fatalf("Failed to load anomaly model: %v", err)
	}
	defer closeScorer()

	// 3. Build the observers and the dispatcher
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps := &factory.Deps{Config: cfg, Registry: reg}
	sinks, err := factory.Create(cfg, deps)
	if err != nil {
		log.Fatalf("Failed to create sinks: %v", err)
	}

	d := dispatch.New(dispatch.Options{})
	for _, s := range sinks {
		d.RegisterObserver(s.Observer, dispatch.RegisterOptions{
			MailboxSize:       s.MailboxSize,
			LosslessAnomalies: s.LosslessAnomalies,
		})
	}
	// Without a ClickHouse store the API serves anomalies from memory.
	var recent *sink.Recent
	if cfg.API.Enabled && deps.OpenedStore() == nil {
		recent = sink.NewRecent(512)
		d.Register(recent)
	}

	// 4. Flow table and pipeline
	table := flowtable.New(flowtable.Options{
		NumShards:      cfg.Engine.NumShards,
		ClosingTimeout: cfg.Engine.ClosingTimeoutDuration(),
		MaxFlows:       cfg.Engine.MaxFlows,
	})
	opts := pipeline.OptionsFromConfig(&cfg.Engine)
	opts.EventTime = cfg.Source.Type == "pcap"
	p := pipeline.New(table, scorer, d, opts)
	reg.MustRegister(sink.NewEngineCollector(p, d))

	// 5. Packet source
	src, closeSource, err := openSource(cfg)
	if err != nil {
		log.Fatalf("Failed to open packet source: %v", err)
	}
	src = pipeline.Limit(src, cfg.Source.MaxPackets)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The source ending, by exhaustion or signal, ends the whole run.
		defer cancel()
		return p.Run(gctx, src)
	})
	if cfg.API.Enabled {
		apiOpts := api.Options{
			Flows:      table,
			Stats:      p,
			Dispatcher: d,
			Gatherer:   reg,
		}
		if store := deps.OpenedStore(); store != nil {
			apiOpts.Anomalies = store
			apiOpts.Ranker = store
		} else {
			apiOpts.Anomalies = api.RecentLister{Recent: recent}
		}
		if cfg.Alerter.AIAnalysis.Enabled {
			if an, err := ai.NewAnalyzer(&cfg.Alerter.AIAnalysis); err != nil {
				log.Printf("AI analysis endpoint disabled: %v", err)
			} else {
				apiOpts.Analyzer = an
			}
		}
		server := api.NewServer(cfg.API.ListenAddr, api.NewRouter(apiOpts))
		g.Go(func() error { return server.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		log.Printf("ns-detector stopped with error: %v", err)
	}

	// 6. Drain observers, then release resources
	log.Println("Shutting down...")
	d.Close()
	for _, s := range sinks {
		if s.Close == nil {
			continue
		}
		if err := s.Close(); err != nil {
			log.Printf("Error closing sink '%s': %v", s.Observer.Name(), err)
		}
	}
	closeSource()
	if store := deps.OpenedStore(); store != nil {
		store.Close()
	}

	st := p.Stats()
	log.Printf("Processed %d packets: %d flows live, %d expired, %d malformed, %d overflow, %d anomalies, %d scoring failures.",
		st.Received, st.Flows, st.Expired, st.Dropped, st.Overflow, st.Anomalies, st.ScoreFailures)
	log.Println("Shutdown complete.")
}

func openSource(cfg *config.Config) (model.PacketSource, func(), error) {
	switch cfg.Source.Type {
	case "live":
		r, err := pcap.NewLive(cfg.Source)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case "pcap":
		if cfg.Source.PcapFile == "" {
			return nil, nil, fmt.Errorf("pcap source needs a file")
		}
		r, err := pcap.NewReader(cfg.Source.PcapFile)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Replaying capture file %s", cfg.Source.PcapFile)
		return r, r.Close, nil
	case "nats":
		s, err := probe.NewSubscriber(cfg.Probe.NATSURL, cfg.Probe.Subject, cfg.Engine.SizeOfPacketChannel)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown source type '%s'", cfg.Source.Type)
	}
}
