// Command posesync runs an entity manager: it owns a reference frame graph,
// serves entity subscriptions to client sessions over gRPC and pushes each
// session the state of its subscribed entities every frame.
//
// Usage:
//
//	posesync [flags]
//
// Flags:
//
//	-config    JSON configuration file (default: built-in defaults)
//	-addr      gRPC listen address, overrides listen_addr
//	-db        SQLite catalogue path, overrides database_path ("" disables)
//	-metrics   Prometheus listen address, overrides metrics_addr ("" disables)
//	-upstream  Address of a parent manager; run as a nested manager
//	-exclude   Comma-separated entity ids this manager publishes to its parent
//	-forget    Comma-separated entity ids to remove from the catalogue, then exit
//	-version   Print build information and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/banshee-data/posesync/internal/config"
	"github.com/banshee-data/posesync/internal/version"
)

func main() {
	configPath := flag.String("config", "", "JSON configuration file")
	addr := flag.String("addr", "", "gRPC listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite catalogue path (overrides config)")
	metricsAddr := flag.String("metrics", "", "Prometheus listen address (overrides config)")
	upstream := flag.String("upstream", "", "Parent manager address for nested mode")
	exclude := flag.String("exclude", "", "Comma-separated entity ids not to receive from the parent")
	forget := flag.String("forget", "", "Comma-separated entity ids to remove from the catalogue, then exit")
	showVersion := flag.Bool("version", false, "Print build information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("Starting %s", version.String())

	cfg := config.Empty()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("Invalid environment configuration: %v", err)
	}

	// Flags win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.ListenAddr = addr
		case "db":
			cfg.DatabasePath = dbPath
		case "metrics":
			cfg.MetricsAddr = metricsAddr
		}
	})

	excluded := splitIDs(*exclude)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if ids := splitIDs(*forget); len(ids) > 0 {
		if err := forgetEntities(ctx, cfg.GetDatabasePath(), ids); err != nil {
			log.Fatalf("Failed to forget entities: %v", err)
		}
		return
	}

	a, err := newApp(ctx, cfg, *upstream, excluded)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	if err := a.run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Printf("Shut down cleanly")
}

func splitIDs(list string) []string {
	var ids []string
	for _, id := range strings.Split(list, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
