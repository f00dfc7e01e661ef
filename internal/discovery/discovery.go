// Package discovery periodically fetches the master server list and
// reconciles it into the registry. Servers are only ever added; entries
// absent from the list age into offline through the normal poll backoff.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/zond/internal/config"
	"github.com/woozymasta/zond/internal/models"
	"github.com/woozymasta/zond/internal/registry"
	"github.com/woozymasta/zond/internal/storage"
)

// RuleRefresher is refreshed once per successful discovery cycle.
type RuleRefresher interface {
	Refresh() error
}

// Loop owns the master-list polling cycle.
type Loop struct {
	client   *http.Client
	registry *registry.Registry
	store    *storage.Repository
	rules    RuleRefresher
	cfg      config.Master
}

// New creates a discovery loop.
func New(cfg config.Master, reg *registry.Registry, store *storage.Repository, rules RuleRefresher) *Loop {
	return &Loop{
		client:   &http.Client{Timeout: cfg.Timeout},
		registry: reg,
		store:    store,
		rules:    rules,
		cfg:      cfg,
	}
}

// Run executes discovery cycles until the context is cancelled. A failed
// fetch only skips the cycle and doubles the retry delay up to the configured
// cap; it never crashes the process.
func (l *Loop) Run(ctx context.Context) {
	delay := time.Duration(0) // first cycle runs immediately
	backoff := l.cfg.Interval

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := l.cycle(ctx); err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("Master list fetch failed")
			delay = backoff
			backoff *= 2
			if backoff > l.cfg.MaxBackoff {
				backoff = l.cfg.MaxBackoff
			}
			continue
		}

		delay = l.cfg.Interval
		backoff = l.cfg.Interval
	}
}

// cycle fetches the candidate list, registers new servers and refreshes the
// exclusion rule cache.
func (l *Loop) cycle(ctx context.Context) error {
	keys, err := l.Fetch(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	added := 0
	for _, key := range keys {
		if !l.registry.UpsertDiscovered(key, now) {
			continue
		}
		added++

		log.Info().Stringer("server", key).Msg("Discovered new server")
		if err := l.store.UpsertDiscovered(key, now); err != nil {
			log.Error().Err(err).Stringer("server", key).Msg("Failed to persist discovered server")
		}
	}

	log.Info().Int("listed", len(keys)).Int("new", added).Msg("Master list reconciled")

	// Exclusion rules ride the discovery cadence; a failed refresh keeps the
	// previous cache.
	if err := l.rules.Refresh(); err != nil {
		log.Warn().Err(err).Msg("Failed to refresh exclusion rules")
	}

	return nil
}

// Fetch requests the master list and decodes it into server keys. The wire
// format is a JSON array of [ip, port] pairs where port may arrive as either
// a number or a string; anything else in the array is skipped.
func (l *Loop) Fetch(ctx context.Context) ([]models.ServerKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("master list returned status %d", resp.StatusCode)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode master list: %w", err)
	}

	keys := make([]models.ServerKey, 0, len(raw))
	for _, item := range raw {
		key, ok := parseCandidate(item)
		if !ok {
			continue
		}
		keys = append(keys, key)
	}

	return keys, nil
}

// parseCandidate decodes one [ip, port] entry, tolerating string ports.
func parseCandidate(item json.RawMessage) (models.ServerKey, bool) {
	var pair []json.RawMessage
	if err := json.Unmarshal(item, &pair); err != nil || len(pair) != 2 {
		return models.ServerKey{}, false
	}

	var ip string
	if err := json.Unmarshal(pair[0], &ip); err != nil || ip == "" {
		return models.ServerKey{}, false
	}

	var port int
	if err := json.Unmarshal(pair[1], &port); err != nil {
		var portStr string
		if err := json.Unmarshal(pair[1], &portStr); err != nil {
			return models.ServerKey{}, false
		}
		n, err := strconv.Atoi(portStr)
		if err != nil {
			return models.ServerKey{}, false
		}
		port = n
	}

	if port <= 0 || port > 65535 {
		return models.ServerKey{}, false
	}

	return models.ServerKey{IP: ip, Port: port}, true
}
