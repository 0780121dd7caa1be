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

// Package transfer mirrors the custody-transfer state an asset has on the ledger.
//
// The ledger's pending-transfer record is the source of truth. Clock-derived expiry
// is advisory and every Reconcile replaces the local view with what the ledger says.
// Actions are submitted but never applied locally.
package transfer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("cellmark.transfer")

// LedgerReader reads the authoritative transfer records of an asset.
type LedgerReader interface {
	PendingTransfers(ctx context.Context, assetID string) ([]model.PendingTransfer, error)
}

// Submitter sends signed requests to the Transaction Submission Service.
type Submitter interface {
	Submit(ctx context.Context, s model.Submission) (model.SubmissionHandle, error)
}

// Snapshot is the result of one reconciliation.
type Snapshot struct {
	AssetID string                  `json:"asset_id"`
	Records []model.PendingTransfer `json:"records"`
	// Current is the active record, or the most recent ended one.
	Current *model.PendingTransfer `json:"current,omitempty"`
	// Outcome is the terminal state of Current once it is no longer active.
	Outcome        model.TransferState   `json:"outcome"`
	OutcomeEvent   *model.LifecycleEvent `json:"outcome_event,omitempty"`
	Diverged       bool                  `json:"diverged"`
	DivergenceNote string                `json:"divergence_note,omitempty"`
	ReconciledAt   time.Time             `json:"reconciled_at"`
}

// Active reports whether the snapshot holds an in-flight transfer.
func (s *Snapshot) Active() bool {
	return s != nil && s.Current != nil && s.Current.IsActive
}

// Fingerprint changes whenever a reader of the snapshot could observe a difference.
func (s *Snapshot) Fingerprint() string {
	if s == nil || s.Current == nil {
		return "none"
	}
	c := s.Current
	return fmt.Sprintf("%s|%s|%d|%t|%s|%t", c.Proposer, c.Recipient, c.InitiatedAt.Unix(), c.IsActive, s.Outcome, s.Diverged)
}

// Tracker holds the transfer state of one asset.
type Tracker struct {
	assetID   string
	ledger    LedgerReader
	submitter Submitter
	window    time.Duration
	timeout   time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	snapshot *Snapshot
}

// NewTracker creates a tracker. A zero window falls back to config.DefaultExpirationWindow.
func NewTracker(assetID string, ledger LedgerReader, submitter Submitter, window time.Duration) *Tracker {
	if window <= 0 {
		window = config.DefaultExpirationWindow
	}
	return &Tracker{
		assetID:   assetID,
		ledger:    ledger,
		submitter: submitter,
		window:    window,
		timeout:   config.DefaultFetchTimeout,
		now:       time.Now,
	}
}

// WithReadTimeout bounds each read of the ledger's transfer records.
func (t *Tracker) WithReadTimeout(d time.Duration) *Tracker {
	if d > 0 {
		t.timeout = d
	}
	return t
}

// WithClock replaces the wall clock, for tests and replays.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) AssetID() string {
	return t.assetID
}

// Snapshot returns a copy of the last reconciled snapshot, or nil before the first one.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.snapshot == nil {
		return nil
	}
	s := *t.snapshot
	s.Records = append([]model.PendingTransfer(nil), t.snapshot.Records...)
	return &s
}

// Restore installs a previously stored snapshot, e.g. from the snapshot cache.
func (t *Tracker) Restore(s *Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot = s
}

// Reconcile reads every transfer record of the asset and replaces the local snapshot.
// The read completes before any state is derived. More than one active record is an
// *model.InvariantViolation; the previous snapshot is then kept as is.
func (t *Tracker) Reconcile(ctx context.Context, tl model.Timeline) (*Snapshot, error) {
	ctx, span := tracer.Start(ctx, "Reconciling transfer state")
	defer span.End()
	span.SetAttributes(attribute.String("asset_id", t.assetID))

	readCtx, cancel := context.WithTimeout(ctx, t.timeout)
	records, err := t.ledger.PendingTransfers(readCtx, t.assetID)
	cancel()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("reading pending transfers of %s: %w", t.assetID, err)
	}

	var active []model.PendingTransfer
	for _, r := range records {
		if r.IsActive {
			active = append(active, r)
		}
	}
	if len(active) > 1 {
		violation := &model.InvariantViolation{
			AssetID: t.assetID,
			Detail:  fmt.Sprintf("%d active pending transfers", len(active)),
			Records: active,
		}
		span.RecordError(violation)
		logrus.WithField("asset_id", t.assetID).Error(violation.Error())
		return nil, violation
	}

	snap := derive(t.assetID, records, active, tl.TransferEvents())
	snap.ReconciledAt = t.now().UTC()

	t.mu.Lock()
	if prev := t.snapshot; prev != nil && snap.Current != nil && !snap.Current.IsActive &&
		snap.Outcome == model.StateNone && prev.Current != nil && prev.Current.SameInstance(*snap.Current) {
		// The record ended but its terminal event is not visible yet; keep what was already known.
		snap.Outcome, snap.OutcomeEvent = prev.Outcome, prev.OutcomeEvent
	}
	t.snapshot = snap
	t.mu.Unlock()

	return snap, nil
}

func derive(assetID string, records, active []model.PendingTransfer, events []model.LifecycleEvent) *Snapshot {
	snap := &Snapshot{AssetID: assetID, Records: records, Outcome: model.StateNone}

	var current *model.PendingTransfer
	switch {
	case len(active) == 1:
		c := active[0]
		current = &c
	case len(records) > 0:
		sorted := append([]model.PendingTransfer(nil), records...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].InitiatedAt.Before(sorted[j].InitiatedAt) })
		c := sorted[len(sorted)-1]
		current = &c
	}

	if current == nil {
		// No ledger record; older assets only carry events.
		if ev := latestTerminal(events); ev != nil {
			snap.Current = recordFromEvents(assetID, *ev, events)
			snap.Outcome = outcomeOf(ev.Kind)
			snap.OutcomeEvent = ev
		}
		return snap
	}

	snap.Current = current
	ev := terminalFor(*current, events)
	switch {
	case current.IsActive && ev != nil:
		snap.Diverged = true
		snap.DivergenceNote = fmt.Sprintf("timeline shows %s but the ledger record is still active", ev.Kind)
	case !current.IsActive && ev != nil:
		snap.Outcome = outcomeOf(ev.Kind)
		snap.OutcomeEvent = ev
	case !current.IsActive:
		snap.Diverged = true
		snap.DivergenceNote = "the ledger record is inactive but no terminal event is visible yet"
	}
	return snap
}

func isTerminal(k model.EventKind) bool {
	switch k {
	case model.KindOwnershipTransferAccepted, model.KindOwnershipTransferRejected,
		model.KindOwnershipTransferCancelled, model.KindOwnershipTransferExpired,
		model.KindOwnershipTransferred:
		return true
	}
	return false
}

func outcomeOf(k model.EventKind) model.TransferState {
	switch k {
	case model.KindOwnershipTransferAccepted, model.KindOwnershipTransferred:
		return model.StateAccepted
	case model.KindOwnershipTransferRejected:
		return model.StateRejected
	case model.KindOwnershipTransferCancelled:
		return model.StateCancelled
	case model.KindOwnershipTransferExpired:
		return model.StateExpired
	}
	return model.StateNone
}

func parties(ev model.LifecycleEvent) (string, string) {
	switch p := ev.Payload.(type) {
	case model.TransferInitiatedPayload:
		return p.From, p.To
	case model.TransferAcceptedPayload:
		return p.From, p.To
	case model.TransferRejectedPayload:
		return p.From, p.To
	case model.TransferCancelledPayload:
		return p.From, p.To
	case model.TransferExpiredPayload:
		return p.From, p.To
	case model.OwnershipTransferredPayload:
		return p.From, p.To
	}
	return "", ""
}

// terminalFor finds the event that ended rec: the first terminal event between the
// same parties at or after the record's initiation. Parties missing from an event
// match anything.
func terminalFor(rec model.PendingTransfer, events []model.LifecycleEvent) *model.LifecycleEvent {
	for i := range events {
		ev := events[i]
		if !isTerminal(ev.Kind) || ev.Timestamp.Before(rec.InitiatedAt) {
			continue
		}
		from, to := parties(ev)
		if (from == "" || from == rec.Proposer) && (to == "" || to == rec.Recipient) {
			return &ev
		}
	}
	return nil
}

func latestTerminal(events []model.LifecycleEvent) *model.LifecycleEvent {
	for i := len(events) - 1; i >= 0; i-- {
		if isTerminal(events[i].Kind) {
			ev := events[i]
			return &ev
		}
	}
	return nil
}

func recordFromEvents(assetID string, terminal model.LifecycleEvent, events []model.LifecycleEvent) *model.PendingTransfer {
	from, to := parties(terminal)
	rec := &model.PendingTransfer{AssetID: assetID, Proposer: from, Recipient: to, InitiatedAt: terminal.Timestamp}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Kind != model.KindOwnershipTransferInitiated || ev.Timestamp.After(terminal.Timestamp) {
			continue
		}
		if p, ok := ev.Payload.(model.TransferInitiatedPayload); ok && p.From == from && p.To == to {
			rec.InitiatedAt = ev.Timestamp
			rec.ProposedNewState = p.NewState
			break
		}
	}
	return rec
}
