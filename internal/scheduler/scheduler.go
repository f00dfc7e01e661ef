// Package scheduler drives the polling fleet: each tick it collects due
// servers from the registry, probes them with bounded concurrency under a
// global rate budget, and applies the results back.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/zond/internal/models"
	"github.com/woozymasta/zond/internal/query"
	"github.com/woozymasta/zond/internal/registry"
	"golang.org/x/time/rate"
)

// Prober issues a single probe. Satisfied by *query.Client.
type Prober interface {
	Probe(ctx context.Context, key models.ServerKey, firstPort int) (*query.Result, error)
}

// Sink receives poll results for persistence. Satisfied by *recorder.Recorder.
// Any error it returns is logged and isolated to that server; the batch
// continues and the entry is retried at its next natural poll.
type Sink interface {
	RecordStatus(key models.ServerKey, ts time.Time, status *models.Status, port int, tier models.Tier) error
	RecordFailure(key models.ServerKey, ts time.Time, tier models.Tier, failures int) error
	RecordOffline(key models.ServerKey, ts time.Time) error
}

// Options bound the scheduler's resource use.
type Options struct {
	// Tick is the orchestration loop cadence.
	Tick time.Duration

	// MaxProbes caps concurrent in-flight probes across the whole fleet.
	MaxProbes int

	// Rate is the global probe dispatch budget in probes per second.
	Rate float64
}

// Scheduler is the orchestration core. It is the only component that mutates
// registry state from poll results.
type Scheduler struct {
	registry *registry.Registry
	prober   Prober
	sink     Sink
	limiter  *rate.Limiter
	opts     Options
	active   atomic.Int32
	wg       sync.WaitGroup
}

// New creates a scheduler.
func New(reg *registry.Registry, prober Prober, sink Sink, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.MaxProbes < 1 {
		opts.MaxProbes = 1
	}

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}

	return &Scheduler{
		registry: reg,
		prober:   prober,
		sink:     sink,
		limiter:  rate.NewLimiter(limit, opts.MaxProbes),
		opts:     opts,
	}
}

// Run ticks until the context is cancelled, then waits for in-flight probes
// to land so their results are not lost.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	log.Info().
		Dur("tick", s.opts.Tick).
		Int("max_probes", s.opts.MaxProbes).
		Float64("rate", s.opts.Rate).
		Msg("Scheduler running")

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			log.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick dispatches due servers up to the free share of the concurrency budget.
// Excess due servers simply wait for a later tick; the registry keeps them
// due and not in-flight.
func (s *Scheduler) tick(ctx context.Context) {
	free := s.opts.MaxProbes - int(s.active.Load())
	if free <= 0 {
		return
	}

	keys := s.registry.NextDue(time.Now().UTC(), free)
	for _, key := range keys {
		s.active.Add(1)
		s.wg.Add(1)

		go func(key models.ServerKey) {
			defer s.wg.Done()
			defer s.active.Add(-1)
			s.probeOne(ctx, key)
		}(key)
	}
}

// probeOne performs one probe and applies its outcome. A failure here affects
// only this server's tier and backoff; it never aborts the batch.
func (s *Scheduler) probeOne(ctx context.Context, key models.ServerKey) {
	if err := s.limiter.Wait(ctx); err != nil {
		// Shutdown while queued for dispatch: put the key back in rotation.
		s.registry.Release(key)
		return
	}

	firstPort := s.registry.PreferredPort(key)
	result, err := s.prober.Probe(ctx, key, firstPort)
	now := time.Now().UTC().Truncate(time.Second)

	if err != nil {
		transition := s.registry.ApplyResult(key, registry.Outcome{}, now)
		log.Debug().
			Err(err).
			Stringer("server", key).
			Int("failures", transition.Failures).
			Str("tier", string(transition.To)).
			Msg("Probe failed")

		if err := s.sink.RecordFailure(key, now, transition.To, transition.Failures); err != nil {
			log.Error().Err(err).Stringer("server", key).Msg("Failed to persist probe failure")
		}

		if transition.WentOffline() {
			log.Info().Stringer("server", key).Msg("Server went offline")
			if err := s.sink.RecordOffline(key, now); err != nil {
				log.Error().Err(err).Stringer("server", key).Msg("Failed to record offline transition")
			}
		}
		return
	}

	transition := s.registry.ApplyResult(key, registry.Outcome{
		OK:     true,
		Status: result.Status,
		Port:   result.Port,
	}, now)

	if result.Fallback {
		log.Debug().
			Stringer("server", key).
			Int("port", result.Port).
			Msg("Advertised port silent, fallback port answered")
	}

	if err := s.sink.RecordStatus(key, now, result.Status, result.Port, transition.To); err != nil {
		log.Error().Err(err).Stringer("server", key).Msg("Failed to record poll result")
	}
}
