package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"fleetbot/internal/feed"
	"fleetbot/internal/registry"
	"fleetbot/internal/render"
	"fleetbot/internal/sheets"
	"fleetbot/internal/telegram"
)

type fakeRegistry struct {
	mu          sync.Mutex
	regs        []registry.Registration
	deactivated map[int64]string
	err         error
}

func (f *fakeRegistry) Active(context.Context) ([]registry.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]registry.Registration, 0, len(f.regs))
	for _, r := range f.regs {
		if _, gone := f.deactivated[r.RecipientID]; !gone {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRegistry) Deactivate(_ context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deactivated == nil {
		f.deactivated = map[int64]string{}
	}
	f.deactivated[id] = reason
	return nil
}

type fakeFeed struct {
	records []feed.Record
	err     error
}

func (f *fakeFeed) FetchFleetSnapshot(context.Context) ([]feed.Record, error) {
	return f.records, f.err
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []int64
	outcomes map[int64]telegram.Outcome
}

func (f *fakeSender) Send(_ context.Context, id int64, _ string) (telegram.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, id)
	if out, ok := f.outcomes[id]; ok {
		return out, errors.New("send failed")
	}
	return telegram.OutcomeOK, nil
}

func (f *fakeSender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeTracker struct {
	mu      sync.Mutex
	rows    [][]string
	batches [][]sheets.Update
	readErr error
}

func (f *fakeTracker) ReadAll(context.Context, string) ([][]string, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.rows, nil
}

func (f *fakeTracker) BatchWrite(_ context.Context, _ string, updates []sheets.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sheets.Update, len(updates))
	copy(cp, updates)
	f.batches = append(f.batches, cp)
	return nil
}

func testRecords() []feed.Record {
	return []feed.Record{
		{ResourceKey: "VIN1", Lat: 41.8, Lon: -87.6, Status: "Driving", Location: "Chicago, IL", UpdatedAt: time.Now()},
		{ResourceKey: "VIN2", Lat: 32.7, Lon: -96.8, Status: "Stopped", Location: "Dallas, TX", UpdatedAt: time.Now()},
	}
}

func testRegs() []registry.Registration {
	return []registry.Registration{
		{ResourceKey: "VIN1", RecipientID: -100},
		{ResourceKey: "VIN2", RecipientID: -200},
	}
}

// newTestScheduler wires a scheduler with fake collaborators, a frozen
// clock and a no-op sleep.
func newTestScheduler(t *testing.T, cfg Config, deps Deps) (*Scheduler, *time.Time) {
	t.Helper()
	if deps.Renderer == nil {
		deps.Renderer = render.New(nil)
	}
	s := New(cfg, deps)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	s.sleep = func(context.Context, time.Duration) error { return nil }
	s.startedAt = clock.Add(-time.Hour) // warm-up satisfied by default
	return s, &clock
}

func TestVisibleBroadcastSendsOncePerBucket(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	reg := &fakeRegistry{regs: testRegs()}
	s, _ := newTestScheduler(t, Config{}, Deps{
		Registry: reg,
		Feed:     &fakeFeed{records: testRecords()},
		Sender:   sender,
	})

	ctx := context.Background()
	if err := s.RunVisibleBroadcast(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if got := sender.sendCount(); got != 2 {
		t.Fatalf("expected 2 sends, got %d", got)
	}

	// Same bucket: the outbox suppresses every send.
	if err := s.RunVisibleBroadcast(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := sender.sendCount(); got != 2 {
		t.Fatalf("expected dedup to hold sends at 2, got %d", got)
	}
	if got := s.dedupSkipped.Load(); got != 2 {
		t.Fatalf("expected 2 dedup skips, got %d", got)
	}
	if got := s.updatesSent.Load(); got != 2 {
		t.Fatalf("expected 2 updates sent, got %d", got)
	}
}

func TestVisibleBroadcastResumesInNextBucket(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	s, clock := newTestScheduler(t, Config{Period: time.Hour}, Deps{
		Registry: &fakeRegistry{regs: testRegs()},
		Feed:     &fakeFeed{records: testRecords()},
		Sender:   sender,
	})

	ctx := context.Background()
	if err := s.RunVisibleBroadcast(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	*clock = clock.Add(time.Hour + time.Minute)
	if err := s.RunVisibleBroadcast(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := sender.sendCount(); got != 4 {
		t.Fatalf("expected a fresh bucket to send again, got %d sends", got)
	}
}

func TestVisibleBroadcastWarmupGate(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	s, clock := newTestScheduler(t, Config{StartupWarmup: 4 * time.Minute}, Deps{
		Registry: &fakeRegistry{regs: testRegs()},
		Feed:     &fakeFeed{records: testRecords()},
		Sender:   sender,
	})
	s.startedAt = *clock // just started

	err := s.RunVisibleBroadcast(context.Background())
	if !Skipped(err) {
		t.Fatalf("expected warm-up skip, got %v", err)
	}
	if got := sender.sendCount(); got != 0 {
		t.Fatalf("expected no sends during warm-up, got %d", got)
	}

	*clock = clock.Add(5 * time.Minute)
	if err := s.RunVisibleBroadcast(context.Background()); err != nil {
		t.Fatalf("post-warm-up run: %v", err)
	}
	if got := sender.sendCount(); got != 2 {
		t.Fatalf("expected sends after warm-up, got %d", got)
	}
}

func TestVisibleBroadcastOverlapGate(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	s, _ := newTestScheduler(t, Config{}, Deps{
		Registry: &fakeRegistry{regs: testRegs()},
		Feed:     &fakeFeed{records: testRecords()},
		Sender:   sender,
	})

	if !s.visible.tryAcquire() {
		t.Fatal("setup: could not mark job running")
	}
	err := s.RunVisibleBroadcast(context.Background())
	if !Skipped(err) {
		t.Fatalf("expected overlap skip, got %v", err)
	}
	if got := sender.sendCount(); got != 0 {
		t.Fatalf("expected no sends while already running, got %d", got)
	}
}

func TestUnreachableRecipientIsDeactivated(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{regs: testRegs()}
	sender := &fakeSender{outcomes: map[int64]telegram.Outcome{-100: telegram.OutcomeUnreachable}}
	s, _ := newTestScheduler(t, Config{}, Deps{
		Registry: reg,
		Feed:     &fakeFeed{records: testRecords()},
		Sender:   sender,
	})

	if err := s.RunVisibleBroadcast(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := reg.deactivated[-100]; !ok {
		t.Fatal("unreachable recipient was not deactivated")
	}
	if _, ok := reg.deactivated[-200]; ok {
		t.Fatal("healthy recipient was deactivated")
	}
	if got := s.deactivated.Load(); got != 1 {
		t.Fatalf("expected 1 deactivation, got %d", got)
	}
	// A deactivation is not a pipeline failure.
	if fails, open := s.breaker.snapshot(); fails != 0 || open {
		t.Fatalf("breaker touched by deactivation: fails=%d open=%v", fails, open)
	}
}

func TestRateLimitedSendIsNotMarkedSent(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{outcomes: map[int64]telegram.Outcome{-100: telegram.OutcomeRateLimited}}
	s, _ := newTestScheduler(t, Config{}, Deps{
		Registry: &fakeRegistry{regs: testRegs()[:1]},
		Feed:     &fakeFeed{records: testRecords()},
		Sender:   sender,
	})

	if err := s.RunVisibleBroadcast(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := s.rateLimited.Load(); got != 1 {
		t.Fatalf("expected 1 rate-limited send, got %d", got)
	}

	// No outbox mark: the next run must retry the same bucket.
	key := outboxKey(-100, "VIN1", s.bucket(s.now()))
	if _, ok, _ := s.outbox.GetDedup(context.Background(), key); ok {
		t.Fatal("rate-limited send must not be marked delivered")
	}
	if fails, _ := s.breaker.snapshot(); fails != 1 {
		t.Fatalf("expected 1 breaker failure, got %d", fails)
	}
}

func TestPipelineBreakerBlocksRunsUntilHousekeepingReset(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	s, clock := newTestScheduler(t, Config{BreakerThreshold: 2, BreakerQuiet: 10 * time.Minute}, Deps{
		Registry: &fakeRegistry{err: errors.New("store down")},
		Feed:     &fakeFeed{records: testRecords()},
		Sender:   sender,
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.RunVisibleBroadcast(ctx); err == nil || Skipped(err) {
			t.Fatalf("run %d: expected a real failure, got %v", i, err)
		}
	}
	if _, open := s.breaker.snapshot(); !open {
		t.Fatal("expected breaker open after threshold failures")
	}
	if err := s.RunVisibleBroadcast(ctx); !Skipped(err) {
		t.Fatalf("expected open-breaker skip, got %v", err)
	}

	// Housekeeping inside the quiet period leaves the breaker open.
	if err := s.RunHousekeeping(ctx); err != nil {
		t.Fatalf("housekeeping: %v", err)
	}
	if _, open := s.breaker.snapshot(); !open {
		t.Fatal("breaker closed before the quiet period elapsed")
	}

	*clock = clock.Add(11 * time.Minute)
	if err := s.RunHousekeeping(ctx); err != nil {
		t.Fatalf("housekeeping: %v", err)
	}
	if _, open := s.breaker.snapshot(); open {
		t.Fatal("breaker still open after a quiet housekeeping pass")
	}
}

func TestSharedSemaphoreGatesSends(t *testing.T) {
	t.Parallel()
	sem := semaphore.NewWeighted(1)
	if err := sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("setup acquire: %v", err)
	}

	sender := &fakeSender{}
	s, _ := newTestScheduler(t, Config{}, Deps{
		Registry: &fakeRegistry{regs: testRegs()[:1]},
		Feed:     &fakeFeed{records: testRecords()},
		Sender:   sender,
		Sem:      sem,
	})

	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		close(released)
		sem.Release(1)
	}()

	if err := s.RunVisibleBroadcast(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case <-released:
	default:
		t.Fatal("send completed while the shared semaphore was held")
	}
	if got := sender.sendCount(); got != 1 {
		t.Fatalf("expected 1 send after release, got %d", got)
	}
}

// gaugeSender tracks peak in-flight concurrency across sends.
type gaugeSender struct {
	mu       sync.Mutex
	inflight int
	peak     int
	sent     int
}

func (g *gaugeSender) Send(context.Context, int64, string) (telegram.Outcome, error) {
	g.mu.Lock()
	g.inflight++
	if g.inflight > g.peak {
		g.peak = g.inflight
	}
	g.mu.Unlock()
	time.Sleep(time.Millisecond)
	g.mu.Lock()
	g.inflight--
	g.sent++
	g.mu.Unlock()
	return telegram.OutcomeOK, nil
}

func TestBroadcastFanoutPacesRecipientsAndCapsInflight(t *testing.T) {
	t.Parallel()
	regs := make([]registry.Registration, 300)
	for i := range regs {
		regs[i] = registry.Registration{ResourceKey: "VIN1", RecipientID: -int64(1000 + i)}
	}

	sender := &gaugeSender{}
	s, _ := newTestScheduler(t, Config{SendRatePerSec: 100000}, Deps{
		Registry: &fakeRegistry{regs: regs},
		Feed:     &fakeFeed{records: testRecords()},
		Sender:   sender,
	})

	var sleeps []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	if err := s.RunVisibleBroadcast(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if sender.sent != len(regs) {
		t.Fatalf("expected %d sends, got %d", len(regs), sender.sent)
	}
	if got, want := len(sleeps), len(regs)-1; got != want {
		t.Fatalf("expected %d inter-recipient delays, got %d", want, got)
	}
	cfg := s.Config()
	for i, d := range sleeps {
		if d < cfg.JitterMin || d > cfg.JitterMax {
			t.Fatalf("delay #%d = %v outside [%v, %v]", i, d, cfg.JitterMin, cfg.JitterMax)
		}
	}
	if sender.peak > cfg.MaxConcurrentSends {
		t.Fatalf("peak in-flight %d exceeds cap %d", sender.peak, cfg.MaxConcurrentSends)
	}
}

func TestRecipientJitterStaysWithinBounds(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, Config{
		JitterMin: 500 * time.Millisecond,
		JitterMax: 2 * time.Second,
	}, Deps{
		Registry: &fakeRegistry{},
		Feed:     &fakeFeed{},
		Sender:   &fakeSender{},
	})

	for i := 0; i < 200; i++ {
		d := s.recipientJitter()
		if d < 500*time.Millisecond || d > 2*time.Second {
			t.Fatalf("jitter %v outside [500ms, 2s]", d)
		}
	}
}

func TestHousekeepingPrunesExpiredOutboxEntries(t *testing.T) {
	t.Parallel()
	s, clock := newTestScheduler(t, Config{}, Deps{
		Registry: &fakeRegistry{},
		Feed:     &fakeFeed{},
		Sender:   &fakeSender{},
	})

	ctx := context.Background()
	if err := s.outbox.PutDedup(ctx, "stale", clock.Add(-time.Minute)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := s.outbox.PutDedup(ctx, "live", clock.Add(time.Hour)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}

	if err := s.RunHousekeeping(ctx); err != nil {
		t.Fatalf("housekeeping: %v", err)
	}
	mo := s.outbox.(*memOutbox)
	if got := mo.size(); got != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", got)
	}
	if _, ok, _ := mo.GetDedup(ctx, "live"); !ok {
		t.Fatal("live entry was pruned")
	}
}
