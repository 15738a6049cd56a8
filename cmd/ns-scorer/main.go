package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"NetAnomaly/internal/config"
	"NetAnomaly/internal/scoring"

	"google.golang.org/grpc"
)

const defaultListenAddr = ":50051"

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	modelDir := flag.String("model", "", "Directory holding the autoencoder weights (overrides model.path).")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	path := cfg.Model.Path
	if *modelDir != "" {
		path = *modelDir
	}
	addr := cfg.Model.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}

	model, err := scoring.LoadAutoencoder(path)
	if err != nil {
		log.Fatalf("Failed to load anomaly model: %v", err)
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", addr, err)
	}
	s := grpc.NewServer()
	scoring.RegisterScorerServer(s, model)

	go func() {
		log.Printf("ns-scorer listening on %s", addr)
		if err := s.Serve(lis); err != nil {
			log.Fatalf("Failed to serve: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("Shutdown signal received, stopping ns-scorer...")
	s.GracefulStop()
	log.Println("ns-scorer stopped.")
}
