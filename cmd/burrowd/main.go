// Package main provides the burrowd daemon - a multi-tenant relay host.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klingon-exchange/burrow/internal/config"
	"github.com/klingon-exchange/burrow/internal/paywall"
	"github.com/klingon-exchange/burrow/internal/policy"
	"github.com/klingon-exchange/burrow/internal/relay"
	"github.com/klingon-exchange/burrow/internal/store"
	"github.com/klingon-exchange/burrow/internal/wot"
	"github.com/klingon-exchange/burrow/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "config.yaml", "Config file path")
		dataDir     = flag.String("data-dir", "", "Data directory, overrides config")
		listenAddr  = flag.String("listen", "", "Listen address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("burrowd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log = logging.New(&logging.Config{Level: cfg.LogLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	relay.Version = version

	log.Info("Config loaded", "path", *configFile, "relays", len(cfg.Relays))

	// Shared identity-set managers.
	wotManager := wot.NewManager(cfg.DataDir, cfg.DiscoveryRelays, cfg.Wots)
	if err := wotManager.Start(); err != nil {
		log.Fatal("Failed to start trust graph manager", "error", err)
	}

	paywallManager, err := paywall.NewManager(cfg.DataDir, cfg.Paywalls)
	if err != nil {
		log.Fatal("Failed to create paywall manager", "error", err)
	}
	if err := paywallManager.Start(); err != nil {
		log.Fatal("Failed to start paywall manager", "error", err)
	}

	// One store, policy engine and relay per configured relay.
	var (
		relays []*relay.Relay
		stores []*store.Store
	)
	for id, relayCfg := range cfg.Relays {
		st, err := store.Open(filepath.Join(cfg.DataDir, "relays", id))
		if err != nil {
			log.Fatal("Failed to open store", "relay", id, "error", err)
		}
		stores = append(stores, st)

		engine := policy.New(
			relayCfg.Policy,
			relayCfg.Limits,
			identitySet(wotManager.GetSet(relayCfg.Policy.Write.Wot)),
			identitySet(wotManager.GetSet(relayCfg.Policy.Read.Wot)),
			paywallSet(paywallManager.GetSet(relayCfg.Policy.Write.Paywall)),
			paywallSet(paywallManager.GetSet(relayCfg.Policy.Read.Paywall)),
		)

		relays = append(relays, relay.New(id, relayCfg, st, engine, paywallManager))
		log.Info("Relay configured", "relay", id, "subdomain", relayCfg.Subdomain)
	}

	server := relay.NewServer(cfg.Domain, relays)
	if err := server.Start(cfg.Listen); err != nil {
		log.Fatal("Failed to start server", "error", err)
	}

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("Server shutdown incomplete", "error", err)
	}
	paywallManager.Stop()
	wotManager.Stop()
	for _, st := range stores {
		_ = st.Close()
	}
	log.Info("Goodbye")
}

// identitySet converts a possibly-nil concrete set into the interface the
// policy engine takes; a typed nil inside a non-nil interface would enable
// the rule by accident.
func identitySet(s *wot.Set) policy.IdentitySet {
	if s == nil {
		return nil
	}
	return s
}

func paywallSet(s *paywall.Set) policy.IdentitySet {
	if s == nil {
		return nil
	}
	return s
}
