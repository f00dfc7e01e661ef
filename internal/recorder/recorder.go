// Package recorder persists poll results: immutable server snapshots and the
// player session intervals inferred from consecutive snapshots.
package recorder

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/zond/internal/exclusions"
	"github.com/woozymasta/zond/internal/geoip"
	"github.com/woozymasta/zond/internal/models"
	"github.com/woozymasta/zond/internal/storage"
)

// Recorder writes the historical record. One instance is shared by all
// scheduler workers; the store serializes concurrent writes.
type Recorder struct {
	store  *storage.Repository
	filter *exclusions.Filter
	geo    *geoip.Provider
}

// New creates a recorder. geo may be nil, in which case country enrichment
// is skipped.
func New(store *storage.Repository, filter *exclusions.Filter, geo *geoip.Provider) *Recorder {
	return &Recorder{store: store, filter: filter, geo: geo}
}

// RecordStatus persists one successful poll: it upserts the server row,
// appends an immutable snapshot and updates open player sessions by diffing
// the snapshot's player list against them. Exclusion rules only stamp the
// excluded flag; rows are always written.
//
// Re-recording an identical (server, timestamp) snapshot is idempotent: the
// snapshot insert is a no-op on the natural key and the session diff is
// skipped entirely.
func (r *Recorder) RecordStatus(key models.ServerKey, ts time.Time, status *models.Status, port int, tier models.Tier) error {
	srvExcluded := r.filter.Server(key) || r.filter.GameType(status.GameType)

	var country string
	if r.geo != nil {
		country = r.geo.GetCountryCode(key.IP)
	}

	serverID, err := r.store.UpsertServerStatus(key, status, tier, port, country, srvExcluded, ts)
	if err != nil {
		return fmt.Errorf("upsert server %s: %w", key, err)
	}

	inserted, err := r.store.InsertSnapshot(&models.Snapshot{
		ServerID:   serverID,
		Timestamp:  ts,
		Online:     true,
		MapName:    status.Map,
		GameType:   status.GameType,
		NumPlayers: status.NumPlayers,
		MaxPlayers: status.MaxPlayers,
		Players:    status.Players,
		Excluded:   srvExcluded,
	})
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", key, err)
	}
	if !inserted {
		log.Debug().Stringer("server", key).Time("ts", ts).Msg("Snapshot already recorded, skipping")
		return nil
	}

	if err := r.updateSessions(serverID, key, status.Players, ts, srvExcluded); err != nil {
		return fmt.Errorf("update sessions %s: %w", key, err)
	}

	return nil
}

// RecordFailure persists a failed poll on the server row so tier and failure
// counters survive a restart.
func (r *Recorder) RecordFailure(key models.ServerKey, ts time.Time, tier models.Tier, failures int) error {
	if err := r.store.UpsertServerFailure(key, tier, failures, ts); err != nil {
		return fmt.Errorf("upsert failure %s: %w", key, err)
	}

	return nil
}

// RecordOffline marks the moment a server crossed into the offline tier:
// it writes an offline-flagged snapshot and closes every open session, since
// players observed before cannot be observed leaving one by one.
func (r *Recorder) RecordOffline(key models.ServerKey, ts time.Time) error {
	serverID, err := r.store.ServerID(key)
	if err != nil {
		return fmt.Errorf("resolve server %s: %w", key, err)
	}

	inserted, err := r.store.InsertSnapshot(&models.Snapshot{
		ServerID:  serverID,
		Timestamp: ts,
		Online:    false,
		Excluded:  r.filter.Server(key),
	})
	if err != nil {
		return fmt.Errorf("insert offline snapshot %s: %w", key, err)
	}
	if !inserted {
		return nil
	}

	if err := r.store.CloseAllSessions(serverID, ts); err != nil {
		return fmt.Errorf("close sessions %s: %w", key, err)
	}

	return nil
}

// updateSessions diffs the snapshot player list against the server's open
// sessions: absent players leave at ts, new players join at ts. The observed
// snapshot timestamp is the recorded boundary; the true join or leave moment
// lies somewhere between two consecutive snapshots.
func (r *Recorder) updateSessions(serverID int64, key models.ServerKey, players []models.Player, ts time.Time, srvExcluded bool) error {
	sessions, err := r.store.OpenSessions(serverID)
	if err != nil {
		return err
	}

	open := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		open[s.NameNorm] = struct{}{}
	}

	joined, left := DiffPlayers(open, players)

	if err := r.store.CloseSessions(serverID, left, ts); err != nil {
		return err
	}

	for _, p := range joined {
		excluded := srvExcluded || r.filter.Player(p.Name)
		if err := r.store.OpenSession(serverID, p.Name, Normalize(p.Name), ts, excluded); err != nil {
			return err
		}
	}

	if len(joined) > 0 || len(left) > 0 {
		log.Debug().
			Stringer("server", key).
			Int("joined", len(joined)).
			Int("left", len(left)).
			Msg("Player sessions updated")
	}

	return nil
}
