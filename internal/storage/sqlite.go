// Package storage handles database connections, schema migrations, and data operations using SQLite.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/woozymasta/zond/internal/models"
	_ "modernc.org/sqlite" // Driver sqlite
)

// Repository manages the SQLite database connection.
type Repository struct {
	db *sql.DB
}

// New initializes a new SQLite connection, sets connection pool parameters, and runs migrations.
// maxConns should be co-tuned with the scheduler concurrency cap so a full
// probe batch cannot exhaust available connections.
func New(dbPath string, maxConns int) (*Repository, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if maxConns < 1 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// UpsertDiscovered inserts a server row for a newly discovered key.
// It is a no-op when the (ip, port) row already exists.
func (r *Repository) UpsertDiscovered(key models.ServerKey, now time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO servers (ip, port, tier, preferred_port, first_seen, last_seen)
		VALUES (?, ?, 'unknown', ?, ?, ?)
		ON CONFLICT(ip, port) DO NOTHING;
	`, key.IP, key.Port, key.Port, now, now)

	return err
}

// UpsertServerStatus records a successful poll: it resets the failure counter,
// refreshes the descriptive fields and the working port, and returns the row id.
// Country code is only overwritten when non-empty so a temporarily missing
// GeoIP database does not erase known values.
func (r *Repository) UpsertServerStatus(key models.ServerKey, status *models.Status, tier models.Tier, port int, country string, excluded bool, now time.Time) (int64, error) {
	query := `
	INSERT INTO servers (
		ip, port, name, game_type, map_name, players, max_players,
		country_code, tier, consecutive_failures, preferred_port, excluded, first_seen, last_seen
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	ON CONFLICT(ip, port) DO UPDATE SET
		name = excluded.name,
		game_type = excluded.game_type,
		map_name = excluded.map_name,
		players = excluded.players,
		max_players = excluded.max_players,
		tier = excluded.tier,
		consecutive_failures = 0,
		preferred_port = excluded.preferred_port,
		excluded = excluded.excluded,
		last_seen = excluded.last_seen,
		country_code = CASE WHEN excluded.country_code != '' THEN excluded.country_code ELSE servers.country_code END
	RETURNING id;
	`

	var id int64
	err := r.db.QueryRow(query,
		key.IP, key.Port, status.Name, status.GameType, status.Map,
		status.NumPlayers, status.MaxPlayers, country, string(tier),
		port, boolToInt(excluded), now, now,
	).Scan(&id)

	return id, err
}

// UpsertServerFailure records a failed poll on the server row without touching
// the descriptive fields. The tier and failure counter come from the registry,
// which owns the transition policy.
func (r *Repository) UpsertServerFailure(key models.ServerKey, tier models.Tier, failures int, now time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO servers (ip, port, tier, consecutive_failures, preferred_port, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip, port) DO UPDATE SET
			tier = excluded.tier,
			consecutive_failures = excluded.consecutive_failures;
	`, key.IP, key.Port, string(tier), failures, key.Port, now, now)

	return err
}

// ServerID resolves the row id for a server key. Returns sql.ErrNoRows when
// the server was never stored.
func (r *Repository) ServerID(key models.ServerKey) (int64, error) {
	var id int64
	err := r.db.QueryRow(`SELECT id FROM servers WHERE ip = ? AND port = ?`, key.IP, key.Port).Scan(&id)

	return id, err
}

// InsertSnapshot appends one immutable snapshot row. Re-recording the same
// (server, timestamp) pair is a silent no-op; the returned bool reports
// whether a new row was actually written.
func (r *Repository) InsertSnapshot(snap *models.Snapshot) (bool, error) {
	playerList, err := json.Marshal(snap.Players)
	if err != nil {
		return false, fmt.Errorf("marshal player list: %w", err)
	}

	res, err := r.db.Exec(`
		INSERT INTO snapshots (server_id, timestamp, online, map_name, game_type, players, max_players, player_list, excluded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id, timestamp) DO NOTHING;
	`, snap.ServerID, snap.Timestamp, boolToInt(snap.Online), snap.MapName, snap.GameType,
		snap.NumPlayers, snap.MaxPlayers, string(playerList), boolToInt(snap.Excluded))
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// GetSnapshots returns the most recent snapshots for a server, newest first.
func (r *Repository) GetSnapshots(serverID int64, limit int) ([]models.Snapshot, error) {
	rows, err := r.db.Query(`
		SELECT id, server_id, timestamp, online, map_name, game_type, players, max_players, player_list, excluded
		FROM snapshots
		WHERE server_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var snaps []models.Snapshot
	for rows.Next() {
		var s models.Snapshot
		var online, excluded int
		var playerList string
		if err := rows.Scan(
			&s.ID, &s.ServerID, &s.Timestamp, &online, &s.MapName, &s.GameType,
			&s.NumPlayers, &s.MaxPlayers, &playerList, &excluded,
		); err != nil {
			continue
		}
		s.Online = online != 0
		s.Excluded = excluded != 0
		_ = json.Unmarshal([]byte(playerList), &s.Players)
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return snaps, nil
}

// OpenSessions returns all currently open sessions for a server.
func (r *Repository) OpenSessions(serverID int64) ([]models.Session, error) {
	rows, err := r.db.Query(`
		SELECT id, server_id, player_name, player_name_norm, join_ts, excluded
		FROM player_sessions
		WHERE server_id = ? AND leave_ts IS NULL
	`, serverID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		var excluded int
		if err := rows.Scan(&s.ID, &s.ServerID, &s.Name, &s.NameNorm, &s.JoinTS, &excluded); err != nil {
			continue
		}
		s.Excluded = excluded != 0
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

// GetSessions returns the most recent sessions for a server, open or closed,
// newest join first.
func (r *Repository) GetSessions(serverID int64, limit int) ([]models.Session, error) {
	rows, err := r.db.Query(`
		SELECT id, server_id, player_name, player_name_norm, join_ts, leave_ts, excluded
		FROM player_sessions
		WHERE server_id = ?
		ORDER BY join_ts DESC
		LIMIT ?
	`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		var excluded int
		var leaveTS sql.NullTime
		if err := rows.Scan(&s.ID, &s.ServerID, &s.Name, &s.NameNorm, &s.JoinTS, &leaveTS, &excluded); err != nil {
			continue
		}
		if leaveTS.Valid {
			ts := leaveTS.Time
			s.LeaveTS = &ts
		}
		s.Excluded = excluded != 0
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

// OpenSession creates a new open session row for a player joining a server.
// The partial unique index on open sessions makes a duplicate open a no-op.
func (r *Repository) OpenSession(serverID int64, name, nameNorm string, joinTS time.Time, excluded bool) error {
	_, err := r.db.Exec(`
		INSERT INTO player_sessions (server_id, player_name, player_name_norm, join_ts, excluded)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING;
	`, serverID, name, nameNorm, joinTS, boolToInt(excluded))

	return err
}

// CloseSessions closes the open sessions of the given normalized player names
// at the provided timestamp.
func (r *Repository) CloseSessions(serverID int64, nameNorms []string, leaveTS time.Time) error {
	if len(nameNorms) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(nameNorms))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(nameNorms)+2)
	args = append(args, leaveTS, serverID)
	for _, n := range nameNorms {
		args = append(args, n)
	}

	query := fmt.Sprintf(`
		UPDATE player_sessions SET leave_ts = ?
		WHERE server_id = ? AND leave_ts IS NULL AND player_name_norm IN (%s);
	`, placeholders)

	_, err := r.db.Exec(query, args...)

	return err
}

// CloseAllSessions closes every open session for a server. Used when a server
// crosses into the offline tier and its player list is gone.
func (r *Repository) CloseAllSessions(serverID int64, leaveTS time.Time) error {
	_, err := r.db.Exec(`
		UPDATE player_sessions SET leave_ts = ?
		WHERE server_id = ? AND leave_ts IS NULL;
	`, leaveTS, serverID)

	return err
}

// GetServers retrieves all servers, sorted by the last seen timestamp.
func (r *Repository) GetServers() ([]models.Server, error) {
	rows, err := r.db.Query(serverColumns + ` ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanServers(rows)
}

// GetServer retrieves a specific server by its (ip, port) key.
// Returns nil without error when not found.
func (r *Repository) GetServer(key models.ServerKey) (*models.Server, error) {
	row := r.db.QueryRow(serverColumns+` WHERE ip = ? AND port = ?`, key.IP, key.Port)

	s, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return s, nil
}

// GetServersByTier retrieves all servers currently in the given tier.
func (r *Repository) GetServersByTier(tier models.Tier) ([]models.Server, error) {
	rows, err := r.db.Query(serverColumns+` WHERE tier = ?`, string(tier))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanServers(rows)
}

// PruneUnseen deletes servers that never produced a successful poll: discovery
// noise still in the unknown tier with no snapshot history.
func (r *Repository) PruneUnseen() (int64, error) {
	res, err := r.db.Exec(`
		DELETE FROM servers
		WHERE tier = 'unknown'
		AND NOT EXISTS (SELECT 1 FROM snapshots WHERE snapshots.server_id = servers.id);
	`)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// ListRules returns exclusion rules, optionally filtered by kind.
func (r *Repository) ListRules(kind string) ([]models.ExclusionRule, error) {
	query := `SELECT id, kind, value, notes, created_at FROM exclusions`
	var args []interface{}

	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY kind, value`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rules []models.ExclusionRule
	for rows.Next() {
		var rule models.ExclusionRule
		if err := rows.Scan(&rule.ID, &rule.Kind, &rule.Value, &rule.Notes, &rule.CreatedAt); err != nil {
			continue
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rules, nil
}

// AddRule inserts a new exclusion rule.
func (r *Repository) AddRule(kind, value, notes string) error {
	_, err := r.db.Exec(`
		INSERT INTO exclusions (kind, value, notes, created_at)
		VALUES (?, ?, ?, ?);
	`, kind, value, notes, time.Now().UTC())

	return err
}

// RemoveRule deletes an exclusion rule by id. Returns false when no rule
// with that id existed.
func (r *Repository) RemoveRule(id int64) (bool, error) {
	res, err := r.db.Exec(`DELETE FROM exclusions WHERE id = ?`, id)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

const serverColumns = `
	SELECT id, ip, port, name, game_type, map_name, players, max_players,
	       country_code, tier, consecutive_failures, preferred_port, excluded,
	       first_seen, last_seen
	FROM servers`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanServer(row rowScanner) (*models.Server, error) {
	var s models.Server
	var tier string
	var excluded int
	var firstSeen, lastSeen sql.NullTime

	err := row.Scan(
		&s.ID, &s.IP, &s.Port, &s.Name, &s.GameType, &s.MapName,
		&s.Players, &s.MaxPlayers, &s.CountryCode, &tier, &s.Failures,
		&s.PreferredPort, &excluded, &firstSeen, &lastSeen,
	)
	if err != nil {
		return nil, err
	}

	s.Tier = models.Tier(tier)
	s.Excluded = excluded != 0
	s.FirstSeen = firstSeen.Time
	s.LastSeen = lastSeen.Time

	return &s, nil
}

func scanServers(rows *sql.Rows) ([]models.Server, error) {
	var servers []models.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			continue
		}
		servers = append(servers, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return servers, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
