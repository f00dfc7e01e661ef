// Package models defines the data structures shared between the registry,
// the query engine, and the database persistence layer.
package models

import (
	"fmt"
	"time"
)

// Tier classifies a server's current activity level and drives its polling cadence.
type Tier string

// Closed set of server tiers. Transitions happen only in the registry's
// result-application step.
const (
	TierUnknown Tier = "unknown"
	TierActive  Tier = "active"
	TierEmpty   Tier = "empty"
	TierOffline Tier = "offline"
)

// ServerKey is the identity of a server in the fleet: its IP and the port it
// was advertised with on the master list.
type ServerKey struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// String returns the canonical "ip:port" form used in logs and exclusion rules.
func (k ServerKey) String() string {
	return fmt.Sprintf("%s:%d", k.IP, k.Port)
}

// Player is one entry of a server's live player list.
type Player struct {
	Name     string  `json:"name"`
	Score    int     `json:"score"`
	Duration float64 `json:"duration,omitempty"`
}

// Status is the structured result of a successful server probe.
type Status struct {
	Name       string   `json:"name"`
	Map        string   `json:"map"`
	GameType   string   `json:"game_type"`
	Version    string   `json:"version,omitempty"`
	ServerOS   string   `json:"server_os,omitempty"`
	Players    []Player `json:"players"`
	NumPlayers int      `json:"num_players"`
	MaxPlayers int      `json:"max_players"`
}

// Server represents one fleet member as stored in the database.
type Server struct {
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	IP            string    `json:"ip"`
	Name          string    `json:"name"`
	GameType      string    `json:"game_type"`
	MapName       string    `json:"map_name"`
	CountryCode   string    `json:"country_code"`
	Tier          Tier      `json:"tier"`
	ID            int64     `json:"id"`
	Port          int       `json:"port"`
	Players       int       `json:"players"`
	MaxPlayers    int       `json:"max_players"`
	Failures      int       `json:"consecutive_failures"`
	PreferredPort int       `json:"preferred_port"`
	Excluded      bool      `json:"excluded"`
}

// Key returns the server's identity key.
func (s *Server) Key() ServerKey {
	return ServerKey{IP: s.IP, Port: s.Port}
}

// Snapshot is one immutable, timestamped observation of a server. Once
// written it is never updated or deleted; (ServerID, Timestamp) is unique.
type Snapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	MapName    string    `json:"map_name"`
	GameType   string    `json:"game_type"`
	Players    []Player  `json:"players"`
	ID         int64     `json:"id"`
	ServerID   int64     `json:"server_id"`
	NumPlayers int       `json:"num_players"`
	MaxPlayers int       `json:"max_players"`
	Online     bool      `json:"online"`
	Excluded   bool      `json:"excluded"`
}

// Session is a contiguous interval during which a player was observed on a
// server. LeaveTS is nil while the session is open.
type Session struct {
	JoinTS   time.Time  `json:"join_ts"`
	LeaveTS  *time.Time `json:"leave_ts,omitempty"`
	Name     string     `json:"player_name"`
	NameNorm string     `json:"player_name_norm"`
	ID       int64      `json:"id"`
	ServerID int64      `json:"server_id"`
	Excluded bool       `json:"excluded"`
}

// Exclusion rule kinds.
const (
	ExcludeGameType = "gametype"
	ExcludePlayer   = "player_name"
	ExcludeServer   = "server_id"
)

// ExclusionRule marks data as unfit for aggregate statistics without
// suppressing its collection. Managed by the zond-rules CLI, only read here.
type ExclusionRule struct {
	CreatedAt time.Time `json:"created_at"`
	Kind      string    `json:"kind"`
	Value     string    `json:"value"`
	Notes     string    `json:"notes,omitempty"`
	ID        int64     `json:"id"`
}
