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

// Package source reads one record-keeper stream from the Ledger Query Service.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/model"
)

// Ledger is the part of the Ledger Query Service an adapter needs.
type Ledger interface {
	QueryEvents(ctx context.Context, q model.EventQuery) ([]model.RawEvent, error)
	CurrentHead(ctx context.Context, streamID string) (uint64, error)
	ResolveTimestamp(ctx context.Context, streamID string, seq uint64) (time.Time, error)
}

// Adapter wraps the ledger for a single (record-keeper, event-type) stream.
// It never writes.
type Adapter struct {
	stream   config.StreamConfig
	ledger   Ledger
	timeout  time.Duration
	lookback uint64

	mu         sync.Mutex
	timestamps map[uint64]time.Time
}

// NewAdapter creates an adapter. fetchTimeout bounds every ledger call; lookback is the
// number of sequences behind head the ledger still serves.
func NewAdapter(stream config.StreamConfig, ledger Ledger, fetchTimeout time.Duration, lookback uint64) *Adapter {
	if fetchTimeout <= 0 {
		fetchTimeout = config.DefaultFetchTimeout
	}
	return &Adapter{
		stream:     stream,
		ledger:     ledger,
		timeout:    fetchTimeout,
		lookback:   lookback,
		timestamps: make(map[uint64]time.Time),
	}
}

// FromConfig creates one adapter per configured stream.
func FromConfig(cnf config.SyncConfig, ledger Ledger) []*Adapter {
	adapters := make([]*Adapter, 0, len(cnf.Streams))
	for _, st := range cnf.Streams {
		adapters = append(adapters, NewAdapter(st, ledger, cnf.FetchTimeout.Std(), cnf.LookbackHorizon))
	}
	return adapters
}

func (a *Adapter) StreamID() string {
	return a.stream.ID
}

func (a *Adapter) Stream() config.StreamConfig {
	return a.stream
}

// Horizon is the oldest sequence the ledger will scan when its head is at head.
func (a *Adapter) Horizon(head uint64) uint64 {
	if head <= a.lookback {
		return 0
	}
	return head - a.lookback
}

// Head returns the current head of the stream.
func (a *Adapter) Head(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	head, err := a.ledger.CurrentHead(ctx, a.stream.ID)
	if err != nil {
		return 0, a.classify(ctx, 0, 0, err)
	}
	return head, nil
}

// Fetch returns the events of assetID with sequence in [fromSeq, toSeq], in ascending order.
//
// toSeq beyond the ledger head fails with model.ErrBeyondHead. fromSeq older than the
// lookback horizon fails with a *model.PermanentRangeError that must not be retried.
// Network failures and timeouts are *model.TransientFetchError. A response that breaks
// the ordering contract is a *model.CorruptStreamError.
func (a *Adapter) Fetch(ctx context.Context, assetID string, fromSeq, toSeq uint64) ([]model.RawEvent, error) {
	if fromSeq > toSeq {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	head, err := a.ledger.CurrentHead(ctx, a.stream.ID)
	if err != nil {
		return nil, a.classify(ctx, fromSeq, 0, err)
	}
	if toSeq > head {
		return nil, fmt.Errorf("stream %s: to %d, head %d: %w", a.stream.ID, toSeq, head, model.ErrBeyondHead)
	}
	horizon := a.Horizon(head)
	if fromSeq < horizon {
		return nil, &model.PermanentRangeError{StreamID: a.stream.ID, From: fromSeq, Horizon: horizon, Err: model.ErrLookbackExceeded}
	}

	events, err := a.ledger.QueryEvents(ctx, model.EventQuery{
		StreamID:  a.stream.ID,
		EventType: a.stream.EventType,
		Filter:    map[string]string{a.stream.AssetField: assetID},
		From:      fromSeq,
		To:        toSeq,
	})
	if err != nil {
		return nil, a.classify(ctx, fromSeq, horizon, err)
	}
	return a.validate(assetID, fromSeq, toSeq, events)
}

func (a *Adapter) validate(assetID string, fromSeq, toSeq uint64, events []model.RawEvent) ([]model.RawEvent, error) {
	var last uint64
	for i := range events {
		ev := &events[i]
		if ev.Sequence < fromSeq || ev.Sequence > toSeq {
			return nil, &model.CorruptStreamError{StreamID: a.stream.ID, Detail: fmt.Sprintf("sequence %d outside requested range %d..%d", ev.Sequence, fromSeq, toSeq)}
		}
		if i > 0 && ev.Sequence <= last {
			return nil, &model.CorruptStreamError{StreamID: a.stream.ID, Detail: fmt.Sprintf("sequence %d follows %d", ev.Sequence, last)}
		}
		last = ev.Sequence

		if ev.AssetID == "" {
			ev.AssetID = assetID
		} else if ev.AssetID != assetID {
			return nil, &model.CorruptStreamError{StreamID: a.stream.ID, Detail: fmt.Sprintf("sequence %d belongs to asset %s", ev.Sequence, ev.AssetID)}
		}
		ev.StreamID = a.stream.ID
		if ev.RecordKeeper == "" {
			ev.RecordKeeper = a.stream.RecordKeeper
		}
		if ev.EventType == "" {
			ev.EventType = a.stream.EventType
		}
	}
	return events, nil
}

// ResolveTimestamp returns the wall-clock time of seq. Results are memoized.
func (a *Adapter) ResolveTimestamp(ctx context.Context, seq uint64) (time.Time, error) {
	a.mu.Lock()
	ts, ok := a.timestamps[seq]
	a.mu.Unlock()
	if ok {
		return ts, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	ts, err := a.ledger.ResolveTimestamp(ctx, a.stream.ID, seq)
	if err != nil {
		return time.Time{}, a.classify(ctx, seq, 0, err)
	}

	a.mu.Lock()
	a.timestamps[seq] = ts
	a.mu.Unlock()
	return ts, nil
}

func (a *Adapter) classify(ctx context.Context, from, horizon uint64, err error) error {
	var (
		rangeErr   *model.PermanentRangeError
		corruptErr *model.CorruptStreamError
	)
	switch {
	case errors.As(err, &rangeErr), errors.As(err, &corruptErr):
		return err
	case errors.Is(err, model.ErrLookbackExceeded):
		return &model.PermanentRangeError{StreamID: a.stream.ID, From: from, Horizon: horizon, Err: err}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &model.TransientFetchError{StreamID: a.stream.ID, Timeout: true, Err: err}
	}
	return &model.TransientFetchError{StreamID: a.stream.ID, Err: err}
}
