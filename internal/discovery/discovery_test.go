package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/woozymasta/zond/internal/config"
	"github.com/woozymasta/zond/internal/models"
	"github.com/woozymasta/zond/internal/registry"
	"github.com/woozymasta/zond/internal/storage"
)

type noopRules struct{ calls int }

func (n *noopRules) Refresh() error {
	n.calls++
	return nil
}

func testIntervals() registry.Intervals {
	return registry.Intervals{
		Active:  30 * time.Second,
		Empty:   2 * time.Minute,
		Offline: 10 * time.Minute,
	}
}

func testLoop(t *testing.T, body string) (*Loop, *registry.Registry, *storage.Repository, *noopRules) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	store, err := storage.New(filepath.Join(t.TempDir(), "zond.db"), 2)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(testIntervals(), 3)
	rules := &noopRules{}
	cfg := config.Master{URL: srv.URL, Interval: time.Minute, MaxBackoff: 5 * time.Minute, Timeout: 5 * time.Second}

	return New(cfg, reg, store, rules), reg, store, rules
}

func TestFetchParsesPairsAndSkipsGarbage(t *testing.T) {
	loop, _, _, _ := testLoop(t, `[["192.0.2.1",14567],["192.0.2.2","23000"],["bad"],42,["192.0.2.3",0],["",14567]]`)

	keys, err := loop.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	want := []models.ServerKey{
		{IP: "192.0.2.1", Port: 14567},
		{IP: "192.0.2.2", Port: 23000},
	}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(keys), keys)
	}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("key %d: expected %s, got %s", i, k, keys[i])
		}
	}
}

func TestFetchRejectsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	store, err := storage.New(filepath.Join(t.TempDir(), "zond.db"), 2)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Master{URL: srv.URL, Interval: time.Minute, MaxBackoff: 5 * time.Minute, Timeout: 5 * time.Second}
	loop := New(cfg, registry.New(testIntervals(), 3), store, &noopRules{})

	if _, err := loop.Fetch(context.Background()); err == nil {
		t.Fatal("expected an error for a non-200 master response")
	}
}

func TestCycleRegistersAndPersistsNewServers(t *testing.T) {
	loop, reg, store, rules := testLoop(t, `[["192.0.2.1",14567],["192.0.2.2",14567]]`)

	if err := loop.cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if reg.Len() != 2 {
		t.Fatalf("expected 2 registry entries, got %d", reg.Len())
	}
	if _, ok := reg.Get(models.ServerKey{IP: "192.0.2.1", Port: 14567}); !ok {
		t.Fatal("discovered server missing from registry")
	}

	servers, err := store.GetServers()
	if err != nil {
		t.Fatalf("get servers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 persisted servers, got %d", len(servers))
	}
	for _, s := range servers {
		if s.Tier != models.TierUnknown {
			t.Fatalf("discovered server must start in the unknown tier, got %s", s.Tier)
		}
	}

	if rules.calls != 1 {
		t.Fatalf("expected one rule refresh per cycle, got %d", rules.calls)
	}
}

func TestCycleNeverRemovesServers(t *testing.T) {
	loop, reg, store, _ := testLoop(t, `[["192.0.2.1",14567]]`)

	// A server known from before that the master list no longer carries.
	stale := models.ServerKey{IP: "198.51.100.9", Port: 14567}
	now := time.Now().UTC()
	reg.UpsertDiscovered(stale, now)
	if err := store.UpsertDiscovered(stale, now); err != nil {
		t.Fatalf("seed stale server: %v", err)
	}

	if err := loop.cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if _, ok := reg.Get(stale); !ok {
		t.Fatal("cycle must never remove servers absent from the master list")
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 registry entries, got %d", reg.Len())
	}

	servers, err := store.GetServers()
	if err != nil {
		t.Fatalf("get servers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 persisted servers, got %d", len(servers))
	}
}

func TestCycleIsIdempotent(t *testing.T) {
	loop, reg, store, _ := testLoop(t, `[["192.0.2.1",14567]]`)

	for i := 0; i < 3; i++ {
		if err := loop.cycle(context.Background()); err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
	}

	if reg.Len() != 1 {
		t.Fatalf("expected 1 registry entry, got %d", reg.Len())
	}
	servers, err := store.GetServers()
	if err != nil {
		t.Fatalf("get servers: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("expected 1 persisted server, got %d", len(servers))
	}
}
