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

// Package timeline merges the streams of an asset into one ordered history.
package timeline

import (
	"context"
	"errors"
	"time"

	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/internal/metrics"
	"github.com/cellmark/cellmark/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("cellmark.timeline")

// Source is one stream of the Ledger Query Service.
type Source interface {
	StreamID() string
	Fetch(ctx context.Context, assetID string, fromSeq, toSeq uint64) ([]model.RawEvent, error)
	ResolveTimestamp(ctx context.Context, seq uint64) (time.Time, error)
}

// Normalizer turns a raw event into a LifecycleEvent.
type Normalizer interface {
	Normalize(raw model.RawEvent, ts time.Time) (model.LifecycleEvent, error)
}

// Request asks a source for the inclusive range [From, To].
type Request struct {
	Source Source
	From   uint64
	To     uint64
}

// StreamResult is the outcome of one Request.
type StreamResult struct {
	StreamID string
	From     uint64
	To       uint64
	Events   []model.LifecycleEvent

	// Progressed is set when at least the prefix up to Through was fully processed.
	Progressed bool
	Through    uint64

	Partial bool
	Reason  model.PartialReason
	Err     error
	Dropped int
}

// Aggregator fans out to sources and normalizes what they return.
type Aggregator struct {
	normalizer  Normalizer
	concurrency int
}

func NewAggregator(n Normalizer, concurrency int) *Aggregator {
	if concurrency <= 0 {
		concurrency = config.DefaultMaxConcurrency
	}
	return &Aggregator{normalizer: n, concurrency: concurrency}
}

// Collect runs every request concurrently and waits for all of them. It never fails as a
// whole: a failing stream yields a partial StreamResult and the others are unaffected.
// Results are returned in request order.
func (a *Aggregator) Collect(ctx context.Context, assetID string, reqs []Request) []StreamResult {
	ctx, span := tracer.Start(ctx, "Collecting stream events")
	defer span.End()
	span.SetAttributes(attribute.String("asset_id", assetID), attribute.Int("streams", len(reqs)))

	results := make([]StreamResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			results[i] = a.collectOne(ctx, assetID, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *Aggregator) collectOne(ctx context.Context, assetID string, req Request) StreamResult {
	streamID := req.Source.StreamID()
	res := StreamResult{StreamID: streamID, From: req.From, To: req.To}
	log := logrus.WithFields(logrus.Fields{"asset_id": assetID, "stream": streamID})

	raws, err := req.Source.Fetch(ctx, assetID, req.From, req.To)
	if err != nil {
		res.fail(err)
		metrics.FetchTotal.WithLabelValues(streamID, string(res.Reason)).Inc()
		log.WithError(err).Warnf("fetch %d..%d failed", req.From, req.To)
		return res
	}
	metrics.FetchTotal.WithLabelValues(streamID, "ok").Inc()

	res.Events = make([]model.LifecycleEvent, 0, len(raws))
	for _, raw := range raws {
		ts, err := req.Source.ResolveTimestamp(ctx, raw.Sequence)
		if err != nil {
			// Everything before this event is complete; the rest is retried next cycle.
			res.fail(err)
			if raw.Sequence > req.From {
				res.Progressed = true
				res.Through = raw.Sequence - 1
			}
			metrics.EventsDroppedTotal.WithLabelValues(streamID, "timestamp").Inc()
			log.WithError(err).WithField("seq", raw.Sequence).Warn("could not resolve timestamp")
			return res
		}

		ev, err := a.normalizer.Normalize(raw, ts)
		if err != nil {
			res.Dropped++
			reason := "malformed"
			if errors.Is(err, model.ErrUnknownEventType) {
				reason = "unknown_event_type"
			}
			metrics.EventsDroppedTotal.WithLabelValues(streamID, reason).Inc()
			log.WithError(err).WithField("seq", raw.Sequence).Warn("dropping event")
			continue
		}
		res.Events = append(res.Events, ev)
	}

	res.Progressed = true
	res.Through = req.To
	return res
}

func (r *StreamResult) fail(err error) {
	r.Err = err
	r.Partial = true
	r.Reason = model.PartialReasonFor(err)
}
