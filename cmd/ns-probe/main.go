package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"NetAnomaly/internal/config"
	"NetAnomaly/internal/model"
	"NetAnomaly/internal/probe"
	"NetAnomaly/pkg/pcap"

	"github.com/nats-io/nats.go"
)

func main() {
	// --- Command-Line Flag Parsing ---
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	mode := flag.String("mode", "pub", "Operating mode: 'pub' to capture and publish, 'sub' to print published packets, 'alerts' to print published anomalies.")
	iface := flag.String("iface", "", "Interface to capture packets from (pub mode).")
	pcapFile := flag.String("pcap", "", "Publish the packets of a capture file instead of a live interface.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *iface != "" {
		cfg.Source.Iface = *iface
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Mode Dispatch ---
	switch *mode {
	case "pub":
		runProbe(ctx, cfg, *pcapFile)
	case "sub":
		runSubscriber(ctx, cfg)
	case "alerts":
		runAlerts(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
	log.Println("Shutdown complete.")
}

// runProbe captures packets and publishes them to NATS.
func runProbe(ctx context.Context, cfg *config.Config, pcapFile string) {
	var reader *pcap.Reader
	var err error
	if pcapFile != "" {
		reader, err = pcap.NewReader(pcapFile)
	} else {
		if cfg.Source.Iface == "" {
			log.Println("Error: -iface flag or source.iface is required for probe mode.")
			flag.Usage()
			os.Exit(1)
		}
		reader, err = pcap.NewLive(cfg.Source)
	}
	if err != nil {
		log.Fatalf("Failed to open capture: %v", err)
	}
	defer reader.Close()

	pub, err := probe.NewPublisher(cfg.Probe.NATSURL, cfg.Probe.Subject)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer pub.Close()

	log.Printf("Capture started successfully. Publishing packets to '%s'...", cfg.Probe.Subject)
	var published, failed atomic.Uint64
	err = reader.Stream(ctx, func(ev model.PacketEvent) {
		if err := pub.Publish(ev); err != nil {
			if failed.Add(1)%1000 == 1 {
				log.Printf("Failed to publish packet: %v", err)
			}
			return
		}
		if n := published.Add(1); n%1000 == 0 {
			log.Printf("%d packets published...", n)
		}
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("Capture stopped: %v", err)
	}
	log.Printf("Published %d packets (%d failed, %d non-IP skipped).", published.Load(), failed.Load(), reader.Skipped())
}

// runSubscriber prints the packet events published by probes.
func runSubscriber(ctx context.Context, cfg *config.Config) {
	log.Println("Starting ns-probe in SUBSCRIBER mode...")
	sub, err := probe.NewSubscriber(cfg.Probe.NATSURL, cfg.Probe.Subject, 0)
	if err != nil {
		log.Fatalf("Failed to create subscriber: %v", err)
	}
	defer sub.Close()

	err = sub.Stream(ctx, func(ev model.PacketEvent) {
		log.Printf("Received packet: %+v", ev)
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("Subscriber stopped: %v", err)
	}
}

// runAlerts prints the anomalies published by detectors.
func runAlerts(ctx context.Context, cfg *config.Config) {
	log.Println("Starting ns-probe in ALERTS mode...")
	nc, err := nats.Connect(cfg.Probe.NATSURL)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(cfg.Probe.AnomalySubject, func(msg *nats.Msg) {
		a, err := probe.UnmarshalAnomaly(msg.Data)
		if err != nil {
			log.Printf("Error decoding anomaly: %v", err)
			return
		}
		log.Printf("[ANOMALY %s] %s score=%.6g bytes=%d/%d packets=%d/%d",
			a.DetectedAt.Format("15:04:05"), a.Flow, a.Score, a.BytesSent, a.BytesReceived, a.PacketsSent, a.PacketsReceived)
	})
	if err != nil {
		log.Fatalf("Failed to subscribe to '%s': %v", cfg.Probe.AnomalySubject, err)
	}
	defer sub.Unsubscribe()
	log.Printf("Subscribed to '%s'. Waiting for anomalies...", cfg.Probe.AnomalySubject)

	<-ctx.Done()
	log.Println("Shutdown signal received, cleaning up...")
}
