package resync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/internal/ledgertest"
	"github.com/cellmark/cellmark/model"
	"github.com/cellmark/cellmark/normalize"
	"github.com/cellmark/cellmark/source"
	"github.com/cellmark/cellmark/timeline"
	"github.com/cellmark/cellmark/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	telemetry = config.StreamConfig{ID: "DataVault.TelemetryRecorded", RecordKeeper: "DataVault", EventType: "TelemetryRecorded", AssetField: "bin"}
	initiated = config.StreamConfig{ID: "OwnershipRegistry.TransferInitiated", RecordKeeper: "OwnershipRegistry", EventType: "TransferInitiated", AssetField: "bin"}
	registry  = config.StreamConfig{ID: "BatteryRegistry.BatteryRegistered", RecordKeeper: "BatteryRegistry", EventType: "BatteryRegistered", AssetField: "bin"}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) OnChange(_ context.Context, ch Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ch)
}

func (r *recorder) kinds() []ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeKind, 0, len(r.changes))
	for _, ch := range r.changes {
		out = append(out, ch.Kind)
	}
	return out
}

type fixture struct {
	ledger *ledgertest.Ledger
	clock  *clock
	coord  *Coordinator
	events *recorder
}

func newFixture(t *testing.T, lookback uint64, streams ...config.StreamConfig) *fixture {
	t.Helper()
	l := ledgertest.New()
	c := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	var ss []Stream
	for _, st := range streams {
		ss = append(ss, source.NewAdapter(st, l, time.Second, lookback))
	}
	rec := &recorder{}
	tracker := transfer.NewTracker("A1", l, nil, 7*24*time.Hour).WithClock(c.Now)
	coord := NewCoordinator("A1", ss, timeline.NewAggregator(normalize.DefaultRegistry(), 4), tracker).
		WithPollInterval(time.Second).
		WithClock(c.Now).
		WithListeners(rec)
	return &fixture{ledger: l, clock: c, coord: coord, events: rec}
}

func (f *fixture) telemetry(seq uint64) {
	f.ledger.Append(model.RawEvent{StreamID: telemetry.ID, AssetID: "A1", Sequence: seq,
		Fields: map[string]interface{}{"dataHash": "0x01"}}, time.Unix(int64(seq), 0))
}

func (f *fixture) registered(seq uint64) {
	f.ledger.Append(model.RawEvent{StreamID: registry.ID, AssetID: "A1", Sequence: seq,
		Fields: map[string]interface{}{"manufacturer": "acme", "owner": "alice"}}, time.Unix(int64(seq), 0))
}

func streamQueries(l *ledgertest.Ledger, streamID string) []model.EventQuery {
	var out []model.EventQuery
	for _, q := range l.Queries() {
		if q.StreamID == streamID {
			out = append(out, q)
		}
	}
	return out
}

func TestTick_FetchesOnlyTheDelta(t *testing.T) {
	f := newFixture(t, 1000, telemetry)
	f.telemetry(3)
	f.telemetry(5)

	require.NoError(t, f.coord.Tick(context.Background()))
	assert.Len(t, f.coord.Timeline().Events, 2)

	f.telemetry(9)
	require.NoError(t, f.coord.Tick(context.Background()))
	assert.Len(t, f.coord.Timeline().Events, 3)

	qs := streamQueries(f.ledger, telemetry.ID)
	require.Len(t, qs, 2)
	assert.Equal(t, uint64(0), qs[0].From)
	assert.Equal(t, uint64(5), qs[0].To)
	assert.Equal(t, uint64(6), qs[1].From)
	assert.Equal(t, uint64(9), qs[1].To)

	// Nothing new: no query at all.
	require.NoError(t, f.coord.Tick(context.Background()))
	assert.Len(t, streamQueries(f.ledger, telemetry.ID), 2)
	assert.Equal(t, []model.StreamCursor{{AssetID: "A1", StreamID: telemetry.ID, NextSeq: 10, UpdatedAt: f.clock.Now()}}, f.coord.Cursors())
	assert.Equal(t, []ChangeKind{ChangeTimelineUpdated, ChangeTimelineUpdated}, f.events.kinds())
}

func TestTick_TransientFailureIsIsolatedAndBackedOff(t *testing.T) {
	f := newFixture(t, 1000, telemetry, registry)
	f.telemetry(1)
	f.registered(2)
	f.ledger.Fail(registry.ID, errors.New("connection reset"))

	require.NoError(t, f.coord.Tick(context.Background()))
	tl := f.coord.Timeline()
	assert.Len(t, tl.Events, 1)
	assert.True(t, tl.Partial)
	assert.Equal(t, []model.IncompleteStream{{StreamID: registry.ID, Reason: model.ReasonUnreachable}}, tl.IncompleteStreams)

	// Still inside the backoff window: the stream is skipped but stays partial.
	f.ledger.Fail(registry.ID, nil)
	require.NoError(t, f.coord.Tick(context.Background()))
	assert.Empty(t, streamQueries(f.ledger, registry.ID))
	assert.True(t, f.coord.Timeline().Partial)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.coord.Tick(context.Background()))
	tl = f.coord.Timeline()
	assert.Len(t, tl.Events, 2)
	assert.False(t, tl.Partial)
	assert.Contains(t, f.events.kinds(), ChangeTimelinePartial)
}

func TestTick_LookbackFallsBackToHorizon(t *testing.T) {
	f := newFixture(t, 100, telemetry)
	f.telemetry(50)
	f.telemetry(450)
	f.ledger.SetHead(telemetry.ID, 500)

	require.NoError(t, f.coord.Tick(context.Background()))
	tl := f.coord.Timeline()
	require.Len(t, tl.Events, 1)
	assert.Equal(t, uint64(450), tl.Events[0].SequenceNumber)
	assert.True(t, tl.Partial)
	assert.Equal(t, []model.IncompleteStream{{StreamID: telemetry.ID, Reason: model.ReasonLookbackExceeded}}, tl.IncompleteStreams)

	qs := streamQueries(f.ledger, telemetry.ID)
	require.Len(t, qs, 1, "the out-of-horizon window is refused before reaching the ledger")
	assert.Equal(t, uint64(400), qs[0].From)

	// History stays marked truncated on later cycles.
	f.telemetry(501)
	require.NoError(t, f.coord.Tick(context.Background()))
	tl = f.coord.Timeline()
	assert.Len(t, tl.Events, 2)
	assert.True(t, tl.Partial)
	assert.True(t, f.coord.Cursors()[0].Truncated)
}

func TestTick_CorruptStreamIsReplayed(t *testing.T) {
	f := newFixture(t, 1000, telemetry)
	f.telemetry(2)
	f.ledger.OnQuery(telemetry.ID, func(q model.EventQuery) ([]model.RawEvent, error) {
		return []model.RawEvent{{Sequence: 2}, {Sequence: 1}}, nil
	})

	require.NoError(t, f.coord.Tick(context.Background()))
	assert.Empty(t, f.coord.Timeline().Events)
	assert.Equal(t, model.ReasonCorrupt, f.coord.Timeline().IncompleteStreams[0].Reason)

	f.ledger.OnQuery(telemetry.ID, nil)
	require.NoError(t, f.coord.Tick(context.Background()))
	assert.Len(t, f.coord.Timeline().Events, 1)
	assert.False(t, f.coord.Timeline().Partial)
}

func TestHardResyncReplaysWithoutDuplicates(t *testing.T) {
	f := newFixture(t, 1000, telemetry)
	f.telemetry(1)
	f.telemetry(2)
	require.NoError(t, f.coord.Tick(context.Background()))

	f.coord.HardResync()
	require.NoError(t, f.coord.Tick(context.Background()))

	qs := streamQueries(f.ledger, telemetry.ID)
	require.Len(t, qs, 2)
	assert.Equal(t, uint64(0), qs[1].From)
	assert.Len(t, f.coord.Timeline().Events, 2)
}

func TestHardResyncPastLookbackKeepsHistoryComplete(t *testing.T) {
	f := newFixture(t, 5, telemetry)
	for _, seq := range [][]uint64{{1, 2}, {6}, {10}, {14}} {
		for _, s := range seq {
			f.telemetry(s)
		}
		require.NoError(t, f.coord.Tick(context.Background()))
	}
	require.Len(t, f.coord.Timeline().Events, 5)
	require.False(t, f.coord.Timeline().Partial)

	f.coord.HardResync()
	require.NoError(t, f.coord.Tick(context.Background()))

	tl := f.coord.Timeline()
	assert.Len(t, tl.Events, 5)
	assert.False(t, tl.Partial)
	assert.Empty(t, tl.IncompleteStreams)

	qs := streamQueries(f.ledger, telemetry.ID)
	assert.Equal(t, uint64(9), qs[len(qs)-1].From)
	assert.Equal(t, uint64(14), qs[len(qs)-1].To)

	cursors := f.coord.Cursors()
	require.Len(t, cursors, 1)
	assert.False(t, cursors[0].Truncated)
	assert.False(t, cursors[0].Replay)
	assert.Equal(t, uint64(15), cursors[0].NextSeq)
}

func TestHardResyncKeepsRecordedTruncation(t *testing.T) {
	f := newFixture(t, 100, telemetry)
	f.telemetry(450)
	f.ledger.SetHead(telemetry.ID, 500)
	require.NoError(t, f.coord.Tick(context.Background()))
	require.True(t, f.coord.Timeline().Partial)

	f.coord.HardResync()
	require.NoError(t, f.coord.Tick(context.Background()))

	tl := f.coord.Timeline()
	assert.Len(t, tl.Events, 1)
	assert.Equal(t, []model.IncompleteStream{{StreamID: telemetry.ID, Reason: model.ReasonLookbackExceeded}}, tl.IncompleteStreams)
	assert.True(t, f.coord.Cursors()[0].Truncated)
}

func TestTick_CorruptReplayStartsAtHorizon(t *testing.T) {
	f := newFixture(t, 5, telemetry)
	f.telemetry(1)
	f.telemetry(2)
	require.NoError(t, f.coord.Tick(context.Background()))

	f.telemetry(6)
	f.ledger.OnQuery(telemetry.ID, func(q model.EventQuery) ([]model.RawEvent, error) {
		return []model.RawEvent{{Sequence: 6}, {Sequence: 4}}, nil
	})
	require.NoError(t, f.coord.Tick(context.Background()))
	assert.Equal(t, model.ReasonCorrupt, f.coord.Timeline().IncompleteStreams[0].Reason)
	assert.True(t, f.coord.Cursors()[0].Replay)

	f.ledger.OnQuery(telemetry.ID, nil)
	require.NoError(t, f.coord.Tick(context.Background()))

	tl := f.coord.Timeline()
	assert.Len(t, tl.Events, 3)
	assert.False(t, tl.Partial)
	qs := streamQueries(f.ledger, telemetry.ID)
	assert.Equal(t, uint64(1), qs[len(qs)-1].From)
}

func TestTick_InvariantViolationPropagates(t *testing.T) {
	f := newFixture(t, 1000, telemetry)
	f.telemetry(1)
	f.ledger.SetTransfers("A1",
		model.PendingTransfer{AssetID: "A1", Proposer: "alice", Recipient: "bob", IsActive: true},
		model.PendingTransfer{AssetID: "A1", Proposer: "alice", Recipient: "carol", IsActive: true},
	)

	err := f.coord.Tick(context.Background())
	assert.True(t, model.IsInvariantViolation(err))
	assert.Len(t, f.coord.Timeline().Events, 1, "the timeline is merged before reconciliation")
	assert.Contains(t, f.events.kinds(), ChangeInvariantViolation)
}

func TestTick_TransferChangesArePublishedOnce(t *testing.T) {
	f := newFixture(t, 1000, initiated)
	f.ledger.SetTransfers("A1", model.PendingTransfer{AssetID: "A1", Proposer: "alice", Recipient: "bob", InitiatedAt: f.clock.Now(), IsActive: true})

	require.NoError(t, f.coord.Tick(context.Background()))
	require.NoError(t, f.coord.Tick(context.Background()))

	var transfers []Change
	for _, ch := range f.events.changes {
		if ch.Kind == ChangeTransfer {
			transfers = append(transfers, ch)
		}
	}
	require.Len(t, transfers, 1)
	assert.Equal(t, model.StatePendingOutgoing, transfers[0].View.State)
	assert.Equal(t, model.StatePendingIncoming, f.coord.Tracker().View("bob").State)
}

type memStore struct {
	mu      sync.Mutex
	events  []model.LifecycleEvent
	cursors []model.StreamCursor
}

func (s *memStore) LoadEvents(context.Context, string) ([]model.LifecycleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.LifecycleEvent(nil), s.events...), nil
}

func (s *memStore) LoadCursors(context.Context, string) ([]model.StreamCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.StreamCursor(nil), s.cursors...), nil
}

func (s *memStore) SaveProgress(_ context.Context, _ string, added []model.LifecycleEvent, cursors []model.StreamCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, added...)
	s.cursors = cursors
	return nil
}

func TestRestoreResumesFromStore(t *testing.T) {
	store := &memStore{}
	f := newFixture(t, 1000, telemetry)
	f.coord.WithStore(store)
	f.telemetry(1)
	f.telemetry(2)
	require.NoError(t, f.coord.Tick(context.Background()))
	require.Len(t, store.events, 2)

	// A fresh coordinator over the same store picks up where the first stopped.
	resumed := NewCoordinator("A1", []Stream{source.NewAdapter(telemetry, f.ledger, time.Second, 1000)},
		timeline.NewAggregator(normalize.DefaultRegistry(), 1), transfer.NewTracker("A1", f.ledger, nil, time.Hour)).WithStore(store)
	f.telemetry(3)
	require.NoError(t, resumed.Tick(context.Background()))

	assert.Len(t, resumed.Timeline().Events, 3)
	qs := streamQueries(f.ledger, telemetry.ID)
	assert.Equal(t, uint64(3), qs[len(qs)-1].From)
}

type fakeLease struct {
	mu       sync.Mutex
	extends  int
	fail     bool
	unlocked bool
}

func (l *fakeLease) ExtendLock(context.Context, time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends++
	if l.fail {
		return errors.New("not the holder")
	}
	return nil
}

func (l *fakeLease) Unlock(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlocked = true
	return nil
}

func TestRunStopsWhenLeaseIsLost(t *testing.T) {
	f := newFixture(t, 1000, telemetry)
	lease := &fakeLease{fail: true}
	f.coord.WithLease(lease, time.Second)

	err := f.coord.Run(context.Background())
	assert.True(t, errors.Is(err, ErrLeaseLost))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 1000, telemetry)
	f.telemetry(1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()
	require.Eventually(t, func() bool { return len(f.coord.Timeline().Events) == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}
