package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/ghiac/agentdesk"
	"github.com/ghiac/agentdesk/config"
	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/server"
)

func main() {
	// Parse command line flags
	catalogPath := flag.String("catalog", "", "Path to the plans/tools catalog (default: ./catalog.yaml or AGENTDESK_CATALOG_PATH)")
	phrasesPath := flag.String("phrases", "", "Optional phrase table override (YAML)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Log.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	log.SetLevel(log.ParseLevel(cfg.LogLevel))

	if *catalogPath != "" {
		cfg.CatalogPath = *catalogPath
	}
	if *phrasesPath != "" {
		cfg.PhrasesPath = *phrasesPath
	}

	log.Log.Infof("=== Agentdesk %s ===", agentdesk.Version())
	log.Log.Infof("Catalog: %s | Store: %s | Lock: %s | Cache: %s", cfg.CatalogPath, cfg.Store.Backend, cfg.Lock.Backend, cfg.Cache.Backend)

	ad, err := agentdesk.New(cfg, nil)
	if err != nil {
		log.Log.Errorf("Failed to create Agentdesk instance: %v", err)
		os.Exit(1)
	}
	defer ad.Close()
	ad.CheckTools()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ad.StartSweeper(ctx)

	if err := server.NewServer(cfg, ad).Run(ctx); err != nil {
		log.Log.Errorf("HTTP server failed: %v", err)
		ad.Close()
		os.Exit(1)
	}
	log.Log.Infof("Agentdesk stopped")
}
