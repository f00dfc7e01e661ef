// Package exclusions caches the externally managed exclusion rule set and
// answers membership checks for servers, game types and player names.
// Exclusion only tags data as unfit for aggregate statistics; it never
// suppresses collection.
package exclusions

import (
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/zond/internal/models"
)

// RuleSource is the single read the filter needs from the store.
type RuleSource interface {
	ListRules(kind string) ([]models.ExclusionRule, error)
}

// Filter holds hashed lookup sets per rule kind. Values are hashed with
// xxhash so refresh swaps and lookups stay cheap at fleet scale.
type Filter struct {
	gametypes map[uint64]struct{}
	players   map[uint64]struct{}
	servers   map[uint64]struct{}
	source    RuleSource
	mu        sync.RWMutex
}

// New creates an empty filter reading rules from the given source.
func New(source RuleSource) *Filter {
	return &Filter{
		gametypes: make(map[uint64]struct{}),
		players:   make(map[uint64]struct{}),
		servers:   make(map[uint64]struct{}),
		source:    source,
	}
}

// Refresh reloads the active rule set. On error the previous cache stays in
// effect, so a transient store failure never drops the rules.
func (f *Filter) Refresh() error {
	rules, err := f.source.ListRules("")
	if err != nil {
		return err
	}

	gametypes := make(map[uint64]struct{})
	players := make(map[uint64]struct{})
	servers := make(map[uint64]struct{})

	for _, rule := range rules {
		value := strings.ToLower(strings.TrimSpace(rule.Value))
		if value == "" {
			continue
		}

		hash := xxhash.Sum64String(value)
		switch rule.Kind {
		case models.ExcludeGameType:
			gametypes[hash] = struct{}{}
		case models.ExcludePlayer:
			players[hash] = struct{}{}
		case models.ExcludeServer:
			servers[hash] = struct{}{}
		default:
			log.Warn().Str("kind", rule.Kind).Str("value", rule.Value).Msg("Unknown exclusion rule kind, ignored")
		}
	}

	f.mu.Lock()
	f.gametypes = gametypes
	f.players = players
	f.servers = servers
	f.mu.Unlock()

	log.Debug().
		Int("gametypes", len(gametypes)).
		Int("players", len(players)).
		Int("servers", len(servers)).
		Msg("Exclusion rules refreshed")

	return nil
}

// Server reports whether a server key is excluded by an "ip:port" rule.
func (f *Filter) Server(key models.ServerKey) bool {
	hash, ok := hashValue(key.String())
	if !ok {
		return false
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	_, excluded := f.servers[hash]
	return excluded
}

// GameType reports whether a game type is excluded.
func (f *Filter) GameType(gt string) bool {
	hash, ok := hashValue(gt)
	if !ok {
		return false
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	_, excluded := f.gametypes[hash]
	return excluded
}

// Player reports whether a player name is excluded.
func (f *Filter) Player(name string) bool {
	hash, ok := hashValue(name)
	if !ok {
		return false
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	_, excluded := f.players[hash]
	return excluded
}

func hashValue(value string) (uint64, bool) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return 0, false
	}

	return xxhash.Sum64String(value), true
}
