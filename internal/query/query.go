// Package query implements the UDP probe against a single game server,
// including the two-port fallback pipeline.
package query

import (
	"context"
	"strings"

	"github.com/woozymasta/a2s/pkg/a2s"
	"github.com/woozymasta/zond/internal/config"
	"github.com/woozymasta/zond/internal/models"
)

// Result is the tagged outcome of a successful probe. Port reports which port
// actually answered so the registry can prefer it on the next poll.
type Result struct {
	Status   *models.Status
	Port     int
	Fallback bool
}

// Client probes game servers. It holds no per-server state; every Probe call
// is independent.
type Client struct {
	// queryPort performs a single-port query. Replaced in tests.
	queryPort func(ip string, port int) (*models.Status, error)

	fallbackPort int
}

// New creates a probe client from the query configuration.
func New(cfg config.Query) *Client {
	return &Client{
		queryPort: func(ip string, port int) (*models.Status, error) {
			return queryServer(ip, port, cfg)
		},
		fallbackPort: cfg.FallbackPort,
	}
}

// Probe sends the protocol request to firstPort (the advertised port, or the
// port remembered from the previous successful poll). If that attempt fails
// it retries once against the canonical fallback port, unless both are the
// same. A reply that does not parse into structured fields is a failure, not
// a success with garbage.
func (c *Client) Probe(ctx context.Context, key models.ServerKey, firstPort int) (*Result, error) {
	if firstPort == 0 {
		firstPort = key.Port
	}

	status, primaryErr := c.queryPort(key.IP, firstPort)
	if primaryErr == nil {
		return &Result{Status: status, Port: firstPort}, nil
	}

	secondPort := c.fallbackPort
	if secondPort == firstPort {
		// The remembered port may itself be the fallback; in that case the
		// advertised port is the only other candidate.
		secondPort = key.Port
	}
	if secondPort == firstPort {
		return nil, primaryErr
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	status, err := c.queryPort(key.IP, secondPort)
	if err != nil {
		return nil, primaryErr
	}

	return &Result{Status: status, Port: secondPort, Fallback: secondPort != key.Port}, nil
}

// queryServer connects to a game server via UDP and requests A2S_INFO plus
// the A2S_PLAYER list, merging both into a structured status.
func queryServer(ip string, port int, cfg config.Query) (*models.Status, error) {
	client, err := a2s.New(ip, port)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	client.BufferSize = cfg.BufferSize
	client.Timeout = cfg.Timeout

	info, err := client.GetInfo()
	if err != nil {
		return nil, err
	}

	status := &models.Status{
		Name:       info.Name,
		Map:        info.Map,
		GameType:   normalizeGameType(info.Game),
		Version:    info.Version,
		ServerOS:   info.Environment.String(),
		NumPlayers: int(info.Players),
		MaxPlayers: int(info.MaxPlayers),
	}

	// The player list request can fail independently of A2S_INFO; an empty
	// list on an active server would fabricate session leaves, so treat it
	// as a probe failure rather than degrading silently.
	if info.Players > 0 {
		players, err := client.GetPlayers()
		if err != nil {
			return nil, err
		}

		for _, p := range *players {
			if p.Name == "" {
				continue
			}
			status.Players = append(status.Players, models.Player{
				Name:     p.Name,
				Score:    int(p.Score),
				Duration: float64(p.Duration),
			})
		}
	}

	return status, nil
}

// normalizeGameType lowercases the reported game type so exclusion rules
// match regardless of server-side casing.
func normalizeGameType(gt string) string {
	return strings.ToLower(strings.TrimSpace(gt))
}
