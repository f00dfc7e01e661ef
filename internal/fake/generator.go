// Package fake provides utilities for generating random fleet history for testing and development purposes.
package fake

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/zond/internal/models"
	"github.com/woozymasta/zond/internal/storage"
)

// GenerateData populates the storage with a specified number of randomized
// servers, each with a short snapshot and session history.
func GenerateData(store *storage.Repository, count int) {
	maps := []string{"berlin", "stalingrad", "midway", "market_garden", "el_alamein", "omaha_beach", "wake", "kursk", "bocage"}
	gametypes := []string{"conquest", "ctf", "tdm", "coop"}
	names := []string{"Ace", "Bravo", "Charlie", "Delta", "Echo", "Foxtrot", "Golf", "Hotel", "India", "Juliet", "Kilo", "Lima"}

	for i := 0; i < count; i++ {
		key := models.ServerKey{
			IP:   fmt.Sprintf("%d.%d.%d.%d", rand.Intn(220)+1, rand.Intn(255), rand.Intn(255), rand.Intn(255)),
			Port: 14567 + rand.Intn(100),
		}

		// Snapshot history over the past day, oldest first
		steps := 3 + rand.Intn(6)
		ts := time.Now().UTC().Add(-time.Duration(steps) * time.Hour).Truncate(time.Second)

		var prev []models.Player
		for step := 0; step < steps; step++ {
			players := rollPlayers(names, prev)

			status := &models.Status{
				Name:       fmt.Sprintf("BF1942 Server #%d", i+1),
				Map:        maps[rand.Intn(len(maps))],
				GameType:   gametypes[rand.Intn(len(gametypes))],
				Players:    players,
				NumPlayers: len(players),
				MaxPlayers: 64,
			}

			tier := models.TierEmpty
			if len(players) > 0 {
				tier = models.TierActive
			}

			serverID, err := store.UpsertServerStatus(key, status, tier, key.Port, "", false, ts)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to generate fake server")
				break
			}

			if _, err := store.InsertSnapshot(&models.Snapshot{
				ServerID:   serverID,
				Timestamp:  ts,
				Online:     true,
				MapName:    status.Map,
				GameType:   status.GameType,
				NumPlayers: status.NumPlayers,
				MaxPlayers: status.MaxPlayers,
				Players:    players,
			}); err != nil {
				log.Warn().Err(err).Msg("Failed to generate fake snapshot")
			}

			syncSessions(store, serverID, prev, players, ts)

			prev = players
			ts = ts.Add(time.Hour)
		}
	}
}

// rollPlayers mutates the previous player list: some leave, some join.
func rollPlayers(pool []string, prev []models.Player) []models.Player {
	var players []models.Player

	for _, p := range prev {
		if rand.Float32() < 0.6 {
			p.Score += rand.Intn(20)
			players = append(players, p)
		}
	}

	for len(players) < 8 && rand.Float32() < 0.5 {
		name := fmt.Sprintf("%s_%d", pool[rand.Intn(len(pool))], rand.Intn(100))
		players = append(players, models.Player{Name: name, Score: rand.Intn(50)})
	}

	return players
}

func syncSessions(store *storage.Repository, serverID int64, prev, curr []models.Player, ts time.Time) {
	prevSet := make(map[string]struct{}, len(prev))
	for _, p := range prev {
		prevSet[p.Name] = struct{}{}
	}

	currSet := make(map[string]struct{}, len(curr))
	for _, p := range curr {
		currSet[p.Name] = struct{}{}
		if _, ok := prevSet[p.Name]; !ok {
			_ = store.OpenSession(serverID, p.Name, p.Name, ts, false)
		}
	}

	var left []string
	for _, p := range prev {
		if _, ok := currSet[p.Name]; !ok {
			left = append(left, p.Name)
		}
	}
	_ = store.CloseSessions(serverID, left, ts)
}
