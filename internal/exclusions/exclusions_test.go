package exclusions

import (
	"errors"
	"testing"

	"github.com/woozymasta/zond/internal/models"
)

type fakeSource struct {
	rules []models.ExclusionRule
	err   error
}

func (f *fakeSource) ListRules(string) ([]models.ExclusionRule, error) {
	return f.rules, f.err
}

func TestRefreshAndMatch(t *testing.T) {
	source := &fakeSource{rules: []models.ExclusionRule{
		{Kind: models.ExcludeGameType, Value: "coop"},
		{Kind: models.ExcludePlayer, Value: "AFK_Bot"},
		{Kind: models.ExcludeServer, Value: "192.0.2.7:23000"},
		{Kind: "bogus", Value: "ignored"},
	}}

	f := New(source)
	if err := f.Refresh(); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	if !f.GameType("coop") || !f.GameType("COOP") {
		t.Fatal("gametype rule must match case-insensitively")
	}
	if f.GameType("conquest") {
		t.Fatal("unlisted gametype must not match")
	}

	if !f.Player("afk_bot") || !f.Player("AFK_Bot") {
		t.Fatal("player rule must match case-insensitively")
	}
	if f.Player("") {
		t.Fatal("empty name must never match")
	}

	if !f.Server(models.ServerKey{IP: "192.0.2.7", Port: 23000}) {
		t.Fatal("server rule must match ip:port")
	}
	if f.Server(models.ServerKey{IP: "192.0.2.7", Port: 14567}) {
		t.Fatal("different port must not match")
	}
}

func TestRefreshFailureKeepsPreviousRules(t *testing.T) {
	source := &fakeSource{rules: []models.ExclusionRule{
		{Kind: models.ExcludeGameType, Value: "coop"},
	}}

	f := New(source)
	if err := f.Refresh(); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	source.err = errors.New("db down")
	if err := f.Refresh(); err == nil {
		t.Fatal("expected refresh error")
	}

	if !f.GameType("coop") {
		t.Fatal("previous rule set must survive a failed refresh")
	}
}

func TestEmptyFilterMatchesNothing(t *testing.T) {
	f := New(&fakeSource{})

	if f.GameType("coop") || f.Player("alice") || f.Server(models.ServerKey{IP: "1.2.3.4", Port: 1}) {
		t.Fatal("empty filter must not match anything")
	}
}
