// Package maintenance provides one-shot operator tasks over the stored fleet.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/zond/internal/config"
	"github.com/woozymasta/zond/internal/models"
	"github.com/woozymasta/zond/internal/query"
	"github.com/woozymasta/zond/internal/storage"
)

// Run checks if any maintenance flags are set and executes the corresponding tasks.
// Returns true if a maintenance task was executed (indicating the program should exit).
func Run(cfg *config.Config, store *storage.Repository) bool {
	// Prune discovery noise: servers that never answered a single poll.
	if cfg.Storage.PruneUnseen {
		log.Info().Msg("Pruning never-seen servers...")

		count, err := store.PruneUnseen()
		if err != nil {
			log.Error().Err(err).Msg("Failed to prune servers")
		} else {
			log.Info().Int64("deleted", count).Msg("Prune finished")
		}

		return true
	}

	// Probe all offline servers once and persist whatever answers.
	if cfg.Storage.RecheckOffline {
		servers, err := store.GetServersByTier(models.TierOffline)
		if err != nil {
			log.Error().Err(err).Msg("Failed to fetch offline servers")
			return true
		}

		if len(servers) == 0 {
			log.Info().Msg("No offline servers to recheck")
			return true
		}

		log.Info().Int("count", len(servers)).Msg("Rechecking offline servers with 10 workers...")
		runWorkerPool(servers, store, query.New(cfg.Query))
		log.Info().Msg("Recheck task completed")

		return true
	}

	return false
}

func runWorkerPool(servers []models.Server, store *storage.Repository, prober *query.Client) {
	const workers = 10
	jobs := make(chan models.Server, len(servers))
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for srv := range jobs {
				recheckServer(srv, store, prober)
			}
		}()
	}

	// Send jobs
	for _, s := range servers {
		jobs <- s
	}
	close(jobs)

	wg.Wait()
}

// recheckServer probes one offline server and updates its row if it answers.
// Session and snapshot history is left to the running service; this task only
// refreshes the server state so the next start schedules it correctly.
func recheckServer(srv models.Server, store *storage.Repository, prober *query.Client) {
	key := srv.Key()
	logCtx := log.With().Stringer("server", key).Logger()

	firstPort := srv.PreferredPort
	if firstPort == 0 {
		firstPort = srv.Port
	}

	result, err := prober.Probe(context.Background(), key, firstPort)
	if err != nil {
		logCtx.Debug().Err(err).Msg("Server still unreachable")
		return
	}

	tier := models.TierEmpty
	if result.Status.NumPlayers > 0 {
		tier = models.TierActive
	}

	now := time.Now().UTC().Truncate(time.Second)
	if _, err := store.UpsertServerStatus(key, result.Status, tier, result.Port, "", srv.Excluded, now); err != nil {
		logCtx.Error().Err(err).Msg("Failed to update rechecked server")
	} else {
		logCtx.Info().Str("tier", string(tier)).Msg("Offline server answered, state updated")
	}
}
