// main is the entry point of the Zond fleet poller.
// It initializes the configuration, logger, database, GeoIP provider, seeds
// the registry, and starts the discovery loop, the scheduler and the status API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/zond/internal/config"
	"github.com/woozymasta/zond/internal/discovery"
	"github.com/woozymasta/zond/internal/exclusions"
	"github.com/woozymasta/zond/internal/fake"
	"github.com/woozymasta/zond/internal/geoip"
	"github.com/woozymasta/zond/internal/logger"
	"github.com/woozymasta/zond/internal/maintenance"
	"github.com/woozymasta/zond/internal/query"
	"github.com/woozymasta/zond/internal/recorder"
	"github.com/woozymasta/zond/internal/registry"
	"github.com/woozymasta/zond/internal/scheduler"
	"github.com/woozymasta/zond/internal/server"
	"github.com/woozymasta/zond/internal/storage"
)

func main() {
	cfg := config.Parse()

	logger.Setup(cfg.Logger)
	log.Info().Msg("Starting zond service...")

	// Database
	store, err := storage.New(cfg.Storage.Path, cfg.Poll.MaxProbes)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}()

	// data generation or database maintenance
	if cfg.Storage.GenerateCount > 0 {
		fake.GenerateData(store, cfg.Storage.GenerateCount)
		return
	} else if maintenance.Run(cfg, store) {
		return
	}

	// GeoIP Update
	var geoProvider *geoip.Provider
	if !cfg.GeoIP.Disable {
		log.Info().Msg("Checking GeoIP database...")
		if err := geoip.EnsureDB(cfg.GeoIP.Path, cfg.GeoIP.URL, cfg.GeoIP.Interval); err != nil {
			log.Error().Err(err).Msg("Failed to download GeoIP database")
		}

		geoProvider, err = geoip.Open(cfg.GeoIP.Path)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open GeoIP database, country detection disabled")
			geoProvider = nil
		} else {
			defer func() {
				if err := geoProvider.Close(); err != nil {
					log.Error().Err(err).Msg("Error closing GeoIP provider")
				}
			}()
		}
	}

	// Exclusion rules
	filter := exclusions.New(store)
	if err := filter.Refresh(); err != nil {
		log.Warn().Err(err).Msg("Failed to load exclusion rules, starting with empty set")
	}

	// Registry, seeded from persisted fleet state
	reg := registry.New(registry.Intervals{
		Active:  cfg.Poll.ActiveInterval,
		Empty:   cfg.Poll.EmptyInterval,
		Offline: cfg.Poll.OfflineInterval,
	}, cfg.Poll.OfflineThreshold)

	servers, err := store.GetServers()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load known servers")
	}
	now := time.Now().UTC()
	for i := range servers {
		reg.Seed(&servers[i], now)
	}
	log.Info().Int("count", len(servers)).Msg("Registry seeded from database")

	// Core pipeline
	prober := query.New(cfg.Query)
	rec := recorder.New(store, filter, geoProvider)
	sched := scheduler.New(reg, prober, rec, scheduler.Options{
		Tick:      cfg.Poll.Tick,
		MaxProbes: cfg.Poll.MaxProbes,
		Rate:      cfg.Poll.Rate,
	})
	disco := discovery.New(cfg.Master, reg, store, filter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		disco.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	// Status API
	var httpServer *http.Server
	if cfg.API.Address != "" {
		srvHandler := server.New(store, reg, prober, cfg.API)
		httpServer = &http.Server{
			Addr:         cfg.API.Address,
			Handler:      srvHandler.Run(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			log.Info().Str("address", cfg.API.Address).Msg("Status API listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("Status API failed")
			}
		}()
	}

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()

	// Shut down HTTP
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Status API forced to shutdown")
		}
	}

	// Wait for discovery and scheduler (in-flight probes land first)
	wg.Wait()

	log.Info().Msg("Service exited")
}
