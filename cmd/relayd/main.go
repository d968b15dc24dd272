package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chatrelay/relay/pkg/blobstore"
	"github.com/chatrelay/relay/pkg/eventlog"
	"github.com/chatrelay/relay/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.relay/relay.toml", "Path to config file")
	host := flag.String("host", "", "Bind address (overrides config)")
	port := flag.Int("port", 0, "TCP port (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	config := tomlConfig.ToServerConfig()
	if *host != "" {
		config.Host = *host
	}
	if *port != 0 {
		config.Port = *port
	}

	dataDir, err := expandHome(config.DataDir)
	if err != nil {
		log.Fatalf("Failed to resolve data directory: %v", err)
	}
	uploadDir, err := expandHome(config.UploadDir)
	if err != nil {
		log.Fatalf("Failed to resolve upload directory: %v", err)
	}
	indexPath, err := expandHome(config.IndexPath)
	if err != nil {
		log.Fatalf("Failed to resolve index path: %v", err)
	}

	blobs, err := blobstore.Open(uploadDir, indexPath, config.MaxImageSize)
	if err != nil {
		log.Fatalf("Failed to open blob store: %v", err)
	}
	defer blobs.Close()

	events, err := eventlog.New(filepath.Join(dataDir, "sessions"))
	if err != nil {
		log.Fatalf("Failed to open event log: %v", err)
	}
	defer events.Close()

	srv, err := server.NewServer(config, blobs, events)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("Image upload directory: %s", uploadDir)
	log.Printf("Session log directory: %s", events.Dir())

	// Block until SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	summary := srv.Stop()
	if err := events.WriteSummary(summary); err != nil {
		log.Printf("Failed to write run summary: %v", err)
	}

	log.Printf("Run summary: uptime=%s connections=%d messages=%d",
		summary.Uptime.Round(10*time.Millisecond), summary.TotalConnections, summary.TotalMessages)
}

func expandHome(path string) (string, error) {
	if len(path) < 2 || path[:2] != "~/" {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
