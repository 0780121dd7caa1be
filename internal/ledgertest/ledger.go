// Package ledgertest provides an in-memory Ledger Query Service for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cellmark/cellmark/model"
)

type stream struct {
	head       uint64
	events     []model.RawEvent
	timestamps map[uint64]time.Time
	err        error
	queryHook  func(q model.EventQuery) ([]model.RawEvent, error)
}

// Ledger is safe for concurrent use. Zero value is not usable; call New.
type Ledger struct {
	mu        sync.Mutex
	streams   map[string]*stream
	transfers map[string][]model.PendingTransfer
	transErr  error
	queries   []model.EventQuery
}

func New() *Ledger {
	return &Ledger{
		streams:   make(map[string]*stream),
		transfers: make(map[string][]model.PendingTransfer),
	}
}

func (l *Ledger) stream(id string) *stream {
	s, ok := l.streams[id]
	if !ok {
		s = &stream{timestamps: make(map[uint64]time.Time)}
		l.streams[id] = s
	}
	return s
}

// Append writes an event and moves the stream head to its sequence if that is newer.
func (l *Ledger) Append(ev model.RawEvent, ts time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(ev.StreamID)
	s.events = append(s.events, ev)
	sort.Slice(s.events, func(i, j int) bool { return s.events[i].Sequence < s.events[j].Sequence })
	s.timestamps[ev.Sequence] = ts
	if ev.Sequence > s.head {
		s.head = ev.Sequence
	}
}

// SetHead moves a stream head without writing events.
func (l *Ledger) SetHead(streamID string, head uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stream(streamID).head = head
}

// Fail makes every call for the stream return err until cleared with nil.
func (l *Ledger) Fail(streamID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stream(streamID).err = err
}

// OnQuery replaces the event query of a stream.
func (l *Ledger) OnQuery(streamID string, hook func(q model.EventQuery) ([]model.RawEvent, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stream(streamID).queryHook = hook
}

func (l *Ledger) SetTransfers(assetID string, transfers ...model.PendingTransfer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transfers[assetID] = transfers
}

func (l *Ledger) FailTransfers(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transErr = err
}

// Queries returns every event query received so far.
func (l *Ledger) Queries() []model.EventQuery {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.EventQuery(nil), l.queries...)
}

func (l *Ledger) QueryEvents(ctx context.Context, q model.EventQuery) ([]model.RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.queries = append(l.queries, q)
	s := l.stream(q.StreamID)
	hook, failure := s.queryHook, s.err
	var out []model.RawEvent
	for _, ev := range s.events {
		if ev.Sequence < q.From || ev.Sequence > q.To {
			continue
		}
		if ev.AssetID != "" && q.Filter != nil {
			matches := false
			for _, v := range q.Filter {
				if v == ev.AssetID {
					matches = true
				}
			}
			if !matches {
				continue
			}
		}
		out = append(out, ev)
	}
	l.mu.Unlock()

	if hook != nil {
		return hook(q)
	}
	if failure != nil {
		return nil, failure
	}
	return out, nil
}

func (l *Ledger) CurrentHead(ctx context.Context, streamID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(streamID)
	if s.err != nil {
		return 0, s.err
	}
	return s.head, nil
}

func (l *Ledger) ResolveTimestamp(ctx context.Context, streamID string, seq uint64) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(streamID)
	ts, ok := s.timestamps[seq]
	if !ok {
		return time.Time{}, fmt.Errorf("no block %d on stream %s", seq, streamID)
	}
	return ts, nil
}

func (l *Ledger) PendingTransfers(ctx context.Context, assetID string) ([]model.PendingTransfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transErr != nil {
		return nil, l.transErr
	}
	return append([]model.PendingTransfer(nil), l.transfers[assetID]...), nil
}
