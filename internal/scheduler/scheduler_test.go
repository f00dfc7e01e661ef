package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/woozymasta/zond/internal/models"
	"github.com/woozymasta/zond/internal/query"
	"github.com/woozymasta/zond/internal/registry"
)

var testIntervals = registry.Intervals{
	Active:  30 * time.Second,
	Empty:   120 * time.Second,
	Offline: 600 * time.Second,
}

// fakeProber answers per-key and counts concurrent probes of the same key.
type fakeProber struct {
	mu        sync.Mutex
	statuses  map[models.ServerKey]*models.Status
	inFlight  map[models.ServerKey]int
	overlap   bool
	calls     int
	delay     time.Duration
	lastFirst map[models.ServerKey]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		statuses:  make(map[models.ServerKey]*models.Status),
		inFlight:  make(map[models.ServerKey]int),
		lastFirst: make(map[models.ServerKey]int),
	}
}

func (f *fakeProber) Probe(_ context.Context, key models.ServerKey, firstPort int) (*query.Result, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight[key]++
	if f.inFlight[key] > 1 {
		f.overlap = true
	}
	f.lastFirst[key] = firstPort
	status := f.statuses[key]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight[key]--
	f.mu.Unlock()

	if status == nil {
		return nil, errors.New("no reply")
	}

	return &query.Result{Status: status, Port: key.Port}, nil
}

// fakeSink records calls and can fail persistence for selected keys.
type fakeSink struct {
	mu        sync.Mutex
	statuses  []models.ServerKey
	failures  []models.ServerKey
	offlines  []models.ServerKey
	failingOn map[models.ServerKey]struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{failingOn: make(map[models.ServerKey]struct{})}
}

func (f *fakeSink) RecordStatus(key models.ServerKey, _ time.Time, _ *models.Status, _ int, _ models.Tier) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.failingOn[key]; ok {
		return errors.New("store unavailable")
	}
	f.statuses = append(f.statuses, key)

	return nil
}

func (f *fakeSink) RecordFailure(key models.ServerKey, _ time.Time, _ models.Tier, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, key)

	return nil
}

func (f *fakeSink) RecordOffline(key models.ServerKey, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offlines = append(f.offlines, key)

	return nil
}

func key(port int) models.ServerKey {
	return models.ServerKey{IP: "192.0.2.50", Port: port}
}

func TestTickRecordsSuccesses(t *testing.T) {
	reg := registry.New(testIntervals, 3)
	prober := newFakeProber()
	sink := newFakeSink()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		reg.UpsertDiscovered(key(14567+i), now)
		prober.statuses[key(14567+i)] = &models.Status{NumPlayers: i}
	}

	s := New(reg, prober, sink, Options{MaxProbes: 10})
	s.tick(context.Background())
	s.wg.Wait()

	if len(sink.statuses) != 3 {
		t.Fatalf("expected 3 recorded results, got %d", len(sink.statuses))
	}
	if prober.overlap {
		t.Fatal("same key probed concurrently")
	}
}

func TestNoDuplicateDispatchWhileInFlight(t *testing.T) {
	reg := registry.New(testIntervals, 3)
	prober := newFakeProber()
	prober.delay = 50 * time.Millisecond
	sink := newFakeSink()

	now := time.Now().UTC()
	reg.UpsertDiscovered(key(14567), now)
	prober.statuses[key(14567)] = &models.Status{NumPlayers: 1}

	s := New(reg, prober, sink, Options{MaxProbes: 10})

	// Two immediate ticks: the second must find nothing due.
	s.tick(context.Background())
	s.tick(context.Background())
	s.wg.Wait()

	if prober.calls != 1 {
		t.Fatalf("expected a single probe, got %d", prober.calls)
	}
}

func TestConcurrencyCapLimitsBatch(t *testing.T) {
	reg := registry.New(testIntervals, 3)
	prober := newFakeProber()
	prober.delay = 50 * time.Millisecond
	sink := newFakeSink()

	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		reg.UpsertDiscovered(key(14567+i), now)
		prober.statuses[key(14567+i)] = &models.Status{}
	}

	s := New(reg, prober, sink, Options{MaxProbes: 4})
	s.tick(context.Background())

	if got := int(s.active.Load()); got > 4 {
		t.Fatalf("concurrency cap exceeded: %d", got)
	}
	s.wg.Wait()

	if prober.calls != 4 {
		t.Fatalf("expected 4 probes in first batch, got %d", prober.calls)
	}

	// Excess servers wait for the next tick instead of being dropped.
	s.tick(context.Background())
	s.wg.Wait()

	if prober.calls != 8 {
		t.Fatalf("expected 8 probes after second tick, got %d", prober.calls)
	}
}

func TestPersistenceFailureIsIsolated(t *testing.T) {
	reg := registry.New(testIntervals, 3)
	prober := newFakeProber()
	sink := newFakeSink()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		reg.UpsertDiscovered(key(14567+i), now)
		prober.statuses[key(14567+i)] = &models.Status{NumPlayers: 2}
	}
	sink.failingOn[key(14568)] = struct{}{}

	s := New(reg, prober, sink, Options{MaxProbes: 10})
	s.tick(context.Background())
	s.wg.Wait()

	if len(sink.statuses) != 2 {
		t.Fatalf("expected the other two servers recorded, got %d", len(sink.statuses))
	}

	// The failing entity stays scheduled at its natural cadence.
	info, ok := reg.Get(key(14568))
	if !ok || info.InFlight {
		t.Fatalf("failing key must leave rotation cleanly: %+v", info)
	}
	if info.Tier != models.TierActive {
		t.Fatalf("probe succeeded, tier must be active, got %s", info.Tier)
	}
}

func TestOfflineTransitionRecordedOnce(t *testing.T) {
	reg := registry.New(testIntervals, 2)
	prober := newFakeProber() // answers nothing
	sink := newFakeSink()

	k := key(14567)
	now := time.Now().UTC()
	reg.UpsertDiscovered(k, now)

	s := New(reg, prober, sink, Options{MaxProbes: 10})

	for i := 0; i < 3; i++ {
		s.probeOne(context.Background(), k)
		// Entry is past its due time again for the next attempt.
	}

	if len(sink.failures) != 3 {
		t.Fatalf("expected 3 failure records, got %d", len(sink.failures))
	}
	if len(sink.offlines) != 1 {
		t.Fatalf("expected exactly one offline transition record, got %d", len(sink.offlines))
	}
}

func TestPreferredPortPassedToProber(t *testing.T) {
	reg := registry.New(testIntervals, 3)
	prober := newFakeProber()
	sink := newFakeSink()

	k := key(14567)
	now := time.Now().UTC()
	reg.UpsertDiscovered(k, now)
	reg.ApplyResult(k, registry.Outcome{OK: true, Status: &models.Status{}, Port: 23000}, now)
	prober.statuses[k] = &models.Status{}

	s := New(reg, prober, sink, Options{MaxProbes: 10})
	s.probeOne(context.Background(), k)

	if got := prober.lastFirst[k]; got != 23000 {
		t.Fatalf("expected remembered port 23000 as first attempt, got %d", got)
	}
}
