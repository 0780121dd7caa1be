/*
Copyright 2024 Cellmark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package resync keeps the timeline and transfer state of watched assets up to date.
package resync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/internal/metrics"
	"github.com/cellmark/cellmark/model"
	"github.com/cellmark/cellmark/timeline"
	"github.com/cellmark/cellmark/transfer"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("cellmark.resync")

// ErrLeaseLost stops a coordinator whose watch lease was taken over or expired.
var ErrLeaseLost = errors.New("watch lease lost")

// Stream is a timeline source that also knows the ledger head and horizon.
type Stream interface {
	timeline.Source
	Head(ctx context.Context) (uint64, error)
	Horizon(head uint64) uint64
}

// Store persists merged events and cursors so a restart resumes where it stopped.
type Store interface {
	LoadEvents(ctx context.Context, assetID string) ([]model.LifecycleEvent, error)
	LoadCursors(ctx context.Context, assetID string) ([]model.StreamCursor, error)
	SaveProgress(ctx context.Context, assetID string, added []model.LifecycleEvent, cursors []model.StreamCursor) error
}

// Lease is held for as long as the coordinator watches its asset.
type Lease interface {
	ExtendLock(ctx context.Context, extension time.Duration) error
	Unlock(ctx context.Context) error
}

type cursor struct {
	model.StreamCursor
	backoff    *backoff.ExponentialBackOff
	skipUntil  time.Time
	lastReason model.PartialReason
}

// Coordinator owns the timeline, cursors and tracker of one asset. All mutation happens
// inside Tick; readers get copies.
type Coordinator struct {
	assetID    string
	streams    []Stream
	aggregator *timeline.Aggregator
	tracker    *transfer.Tracker
	store      Store
	listeners  []Listener
	interval   time.Duration
	lease      Lease
	leaseTTL   time.Duration
	now        func() time.Time

	tickMu       sync.Mutex
	cursors      map[string]*cursor
	restored     bool
	lastTransfer string

	mu       sync.RWMutex
	timeline model.Timeline

	resyncRequested atomic.Bool
	wake            chan struct{}
}

func NewCoordinator(assetID string, streams []Stream, aggregator *timeline.Aggregator, tracker *transfer.Tracker) *Coordinator {
	return &Coordinator{
		assetID:      assetID,
		streams:      streams,
		aggregator:   aggregator,
		tracker:      tracker,
		interval:     config.DefaultPollInterval,
		now:          time.Now,
		cursors:      make(map[string]*cursor),
		timeline:     model.Timeline{AssetID: assetID},
		lastTransfer: (*transfer.Snapshot)(nil).Fingerprint(),
		wake:         make(chan struct{}, 1),
	}
}

func (c *Coordinator) WithPollInterval(interval time.Duration) *Coordinator {
	if interval > 0 {
		c.interval = interval
	}
	return c
}

func (c *Coordinator) WithStore(store Store) *Coordinator {
	c.store = store
	return c
}

func (c *Coordinator) WithListeners(listeners ...Listener) *Coordinator {
	c.listeners = append(c.listeners, listeners...)
	return c
}

// WithLease makes every tick extend lease by ttl and stop the coordinator when that fails.
func (c *Coordinator) WithLease(lease Lease, ttl time.Duration) *Coordinator {
	c.lease = lease
	c.leaseTTL = ttl
	return c
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

func (c *Coordinator) AssetID() string {
	return c.assetID
}

func (c *Coordinator) Tracker() *transfer.Tracker {
	return c.tracker
}

// Timeline returns a copy of the merged timeline.
func (c *Coordinator) Timeline() model.Timeline {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeline.Clone()
}

// Cursors returns the current resume positions, ordered by stream.
func (c *Coordinator) Cursors() []model.StreamCursor {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	return c.cursorList()
}

// HardResync rewinds every cursor; the next tick replays each stream from its
// lookback horizon. Already merged events are kept and deduplicate the replay.
func (c *Coordinator) HardResync() {
	c.resyncRequested.Store(true)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled or the lease is lost.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	log := logrus.WithField("asset_id", c.assetID)
	log.Infof("watching asset, polling every %v", c.interval)

	for {
		if err := c.Tick(ctx); err != nil {
			if errors.Is(err, ErrLeaseLost) {
				log.WithError(err).Warn("stopping watch")
				return err
			}
			if ctx.Err() == nil {
				log.WithError(err).Error("tick failed")
			}
		}

		select {
		case <-ctx.Done():
			log.Info("watch stopped")
			return nil
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

// Tick runs one poll cycle: read heads, fetch each stream's delta, merge, then
// reconcile the tracker against the merged timeline. A failing stream never blocks
// the others. Invariant violations and a lost lease are returned.
func (c *Coordinator) Tick(ctx context.Context) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := tracer.Start(ctx, "Resync tick")
	defer span.End()
	span.SetAttributes(attribute.String("asset_id", c.assetID))

	if c.lease != nil {
		if err := c.lease.ExtendLock(ctx, c.leaseTTL); err != nil {
			return fmt.Errorf("%w: %v", ErrLeaseLost, err)
		}
	}
	if !c.restored {
		c.restore(ctx)
	}
	if c.resyncRequested.Swap(false) {
		c.resetCursors()
	}

	prev := c.Timeline()
	results := c.collect(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	next := timeline.Merge(prev, results)
	added := timeline.Added(prev, next)
	metrics.EventsMergedTotal.Add(float64(len(added)))

	c.mu.Lock()
	c.timeline = next
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveProgress(ctx, c.assetID, added, c.cursorList()); err != nil {
			logrus.WithField("asset_id", c.assetID).WithError(err).Error("could not persist progress")
		}
	}

	c.publishTimeline(ctx, prev, next, added)
	return c.reconcile(ctx, next)
}

func (c *Coordinator) collect(ctx context.Context) []timeline.StreamResult {
	now := c.now()
	heads := make(map[string]uint64, len(c.streams))
	var (
		reqs    []timeline.Request
		skipped []timeline.StreamResult
	)
	for _, s := range c.streams {
		id := s.StreamID()
		cur := c.cursor(id)
		if now.Before(cur.skipUntil) {
			skipped = append(skipped, partialResult(id, cur.lastReason, nil))
			continue
		}
		head, err := s.Head(ctx)
		if err != nil {
			c.backOff(cur, err, now)
			skipped = append(skipped, partialResult(id, cur.lastReason, err))
			continue
		}
		heads[id] = head
		if cur.Replay {
			// A cursor already behind the horizon keeps its position so the gap is
			// reported as truncation.
			if horizon := s.Horizon(head); horizon < cur.NextSeq {
				cur.NextSeq = horizon
			}
			cur.Replay = false
		}
		if cur.NextSeq > head {
			c.recovered(cur)
			continue
		}
		reqs = append(reqs, timeline.Request{Source: s, From: cur.NextSeq, To: head})
	}

	results := c.aggregator.Collect(ctx, c.assetID, reqs)
	results = c.narrowLookback(ctx, reqs, results, heads)

	partial := make(map[string]bool)
	for _, res := range append(results, skipped...) {
		if res.Partial {
			partial[res.StreamID] = true
		}
	}
	for _, res := range results {
		c.advance(res, heads[res.StreamID], now)
	}

	out := append(results, skipped...)
	for _, cur := range c.cursors {
		if cur.Truncated && !partial[cur.StreamID] {
			out = append(out, partialResult(cur.StreamID, model.ReasonLookbackExceeded, nil))
		}
	}
	return out
}

// narrowLookback retries every stream that hit the lookback horizon once, with the
// narrowest window the ledger still serves, and marks its history truncated.
func (c *Coordinator) narrowLookback(ctx context.Context, reqs []timeline.Request, results []timeline.StreamResult, heads map[string]uint64) []timeline.StreamResult {
	var (
		retry []timeline.Request
		index []int
	)
	for i, res := range results {
		if res.Reason != model.ReasonLookbackExceeded {
			continue
		}
		cur := c.cursor(res.StreamID)
		cur.Truncated = true
		s := reqs[i].Source.(Stream)
		head := heads[res.StreamID]
		horizon := s.Horizon(head)
		if horizon <= res.From {
			// The ledger's own horizon is narrower than configured; nothing older can be read.
			logrus.WithFields(logrus.Fields{"asset_id": c.assetID, "stream": res.StreamID}).
				Errorf("ledger refused %d..%d; skipping to head", res.From, head)
			cur.NextSeq = head + 1
			continue
		}
		retry = append(retry, timeline.Request{Source: s, From: horizon, To: head})
		index = append(index, i)
	}
	if len(retry) == 0 {
		return results
	}

	retried := c.aggregator.Collect(ctx, c.assetID, retry)
	for j, res := range retried {
		if res.Reason == model.ReasonLookbackExceeded {
			c.cursor(res.StreamID).NextSeq = heads[res.StreamID] + 1
		}
		if !res.Partial {
			// Truncation keeps the stream partial even though this window succeeded.
			res.Partial = true
			res.Reason = model.ReasonLookbackExceeded
		}
		results[index[j]] = res
	}
	return results
}

func (c *Coordinator) advance(res timeline.StreamResult, head uint64, now time.Time) {
	cur := c.cursor(res.StreamID)
	if res.Progressed {
		cur.NextSeq = res.Through + 1
	}
	switch {
	case res.Err == nil || res.Reason == model.ReasonLookbackExceeded:
		c.recovered(cur)
	case res.Reason == model.ReasonCorrupt:
		logrus.WithFields(logrus.Fields{"asset_id": c.assetID, "stream": res.StreamID}).
			WithError(res.Err).Error("corrupt stream data; replaying stream from its horizon")
		cur.Replay = true
	default:
		c.backOff(cur, res.Err, now)
	}
	cur.UpdatedAt = now.UTC()
}

func (c *Coordinator) reconcile(ctx context.Context, tl model.Timeline) error {
	snap, err := c.tracker.Reconcile(ctx, tl)
	if err != nil {
		var violation *model.InvariantViolation
		if errors.As(err, &violation) {
			metrics.InvariantViolationsTotal.Inc()
			c.publish(ctx, Change{Kind: ChangeInvariantViolation, AssetID: c.assetID, Timeline: tl, Violation: violation})
			return err
		}
		logrus.WithField("asset_id", c.assetID).WithError(err).Warn("transfer state not reconciled this cycle")
		return nil
	}

	if fp := snap.Fingerprint(); fp != c.lastTransfer {
		c.lastTransfer = fp
		c.publish(ctx, Change{Kind: ChangeTransfer, AssetID: c.assetID, Timeline: tl, Transfer: snap, View: c.tracker.View("")})
	}
	return nil
}

func (c *Coordinator) publishTimeline(ctx context.Context, prev, next model.Timeline, added []model.LifecycleEvent) {
	gauge := 0.0
	if next.Partial {
		gauge = 1
	}
	metrics.PartialTimelines.WithLabelValues(c.assetID).Set(gauge)

	if len(added) > 0 {
		c.publish(ctx, Change{Kind: ChangeTimelineUpdated, AssetID: c.assetID, Timeline: next, Added: added})
	}
	if !sameIncomplete(prev, next) {
		c.publish(ctx, Change{Kind: ChangeTimelinePartial, AssetID: c.assetID, Timeline: next})
	}
}

func (c *Coordinator) publish(ctx context.Context, ch Change) {
	for _, l := range c.listeners {
		l.OnChange(ctx, ch)
	}
}

func (c *Coordinator) restore(ctx context.Context) {
	c.restored = true
	if c.store == nil {
		return
	}
	log := logrus.WithField("asset_id", c.assetID)

	events, err := c.store.LoadEvents(ctx, c.assetID)
	if err != nil {
		log.WithError(err).Warn("could not restore events; starting from the ledger")
		return
	}
	cursors, err := c.store.LoadCursors(ctx, c.assetID)
	if err != nil {
		log.WithError(err).Warn("could not restore cursors; starting from the ledger")
		return
	}

	restored := timeline.Build(c.assetID, []timeline.StreamResult{{Events: events}})
	c.mu.Lock()
	c.timeline = restored
	c.mu.Unlock()
	for _, sc := range cursors {
		cur := c.cursor(sc.StreamID)
		cur.StreamCursor = sc
	}
	log.Infof("restored %d events and %d cursors", len(events), len(cursors))
}

func (c *Coordinator) resetCursors() {
	logrus.WithField("asset_id", c.assetID).Info("hard resync: replaying every stream from its horizon")
	for _, cur := range c.cursors {
		cur.Replay = true
		c.recovered(cur)
	}
}

func (c *Coordinator) cursor(streamID string) *cursor {
	cur, ok := c.cursors[streamID]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.interval
		b.MaxInterval = 20 * c.interval
		b.MaxElapsedTime = 0
		cur = &cursor{StreamCursor: model.StreamCursor{AssetID: c.assetID, StreamID: streamID}, backoff: b}
		c.cursors[streamID] = cur
	}
	return cur
}

func (c *Coordinator) cursorList() []model.StreamCursor {
	out := make([]model.StreamCursor, 0, len(c.cursors))
	for _, cur := range c.cursors {
		out = append(out, cur.StreamCursor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

func (c *Coordinator) backOff(cur *cursor, err error, now time.Time) {
	cur.lastReason = model.PartialReasonFor(err)
	cur.skipUntil = now.Add(cur.backoff.NextBackOff())
}

func (c *Coordinator) recovered(cur *cursor) {
	cur.backoff.Reset()
	cur.skipUntil = time.Time{}
}

func partialResult(streamID string, reason model.PartialReason, err error) timeline.StreamResult {
	if reason == "" {
		reason = model.ReasonUnreachable
	}
	return timeline.StreamResult{StreamID: streamID, Partial: true, Reason: reason, Err: err}
}

func sameIncomplete(a, b model.Timeline) bool {
	if a.Partial != b.Partial || len(a.IncompleteStreams) != len(b.IncompleteStreams) {
		return false
	}
	for i := range a.IncompleteStreams {
		if a.IncompleteStreams[i] != b.IncompleteStreams[i] {
			return false
		}
	}
	return true
}
