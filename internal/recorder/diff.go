package recorder

import (
	"strings"

	"github.com/woozymasta/zond/internal/models"
)

// Normalize lowercases a player name for case-insensitive session matching.
// Session rows keep the raw name; only the match key is normalized.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DiffPlayers compares the normalized names of currently open sessions with
// the newest snapshot's player list. It returns the players that need a new
// session and the normalized names whose open session must close. Pure
// function, independent of storage.
func DiffPlayers(open map[string]struct{}, current []models.Player) (joined []models.Player, left []string) {
	seen := make(map[string]struct{}, len(current))

	for _, p := range current {
		norm := Normalize(p.Name)
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}

		if _, ok := open[norm]; !ok {
			joined = append(joined, p)
		}
	}

	for norm := range open {
		if _, ok := seen[norm]; !ok {
			left = append(left, norm)
		}
	}

	return joined, left
}
