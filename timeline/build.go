package timeline

import (
	"sort"
	"time"

	"github.com/cellmark/cellmark/model"
	"github.com/sirupsen/logrus"
)

// Build merges results into a fresh timeline. See Merge.
func Build(assetID string, results []StreamResult) model.Timeline {
	return Merge(model.Timeline{AssetID: assetID}, results)
}

// Merge adds the events of results to prev. Every event of prev is kept, the first
// copy seen of a (stream, sequence) pair wins, and the output is sorted by
// (timestamp, stream, sequence). The partial flag reflects results only.
func Merge(prev model.Timeline, results []StreamResult) model.Timeline {
	seen := make(map[model.EventKey]string, len(prev.Events))
	events := make([]model.LifecycleEvent, 0, len(prev.Events))
	for _, ev := range prev.Events {
		if _, dup := seen[ev.Key()]; dup {
			continue
		}
		seen[ev.Key()] = ev.TransactionID
		events = append(events, ev)
	}

	var incomplete []model.IncompleteStream
	for _, res := range results {
		for _, ev := range res.Events {
			if tx, dup := seen[ev.Key()]; dup {
				if tx != ev.TransactionID {
					logrus.WithFields(logrus.Fields{
						"asset_id": prev.AssetID,
						"stream":   ev.SourceStream,
						"seq":      ev.SequenceNumber,
					}).Warn("redelivered event differs from the merged copy; keeping the first")
				}
				continue
			}
			seen[ev.Key()] = ev.TransactionID
			events = append(events, ev)
		}
		if res.Partial {
			incomplete = append(incomplete, model.IncompleteStream{StreamID: res.StreamID, Reason: res.Reason})
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Less(events[j]) })
	sort.Slice(incomplete, func(i, j int) bool { return incomplete[i].StreamID < incomplete[j].StreamID })

	return model.Timeline{
		AssetID:           prev.AssetID,
		Events:            events,
		Partial:           len(incomplete) > 0,
		IncompleteStreams: incomplete,
		BuiltAt:           time.Now().UTC(),
	}
}

// Added returns the events of next that are absent from prev.
func Added(prev, next model.Timeline) []model.LifecycleEvent {
	known := make(map[model.EventKey]struct{}, len(prev.Events))
	for _, ev := range prev.Events {
		known[ev.Key()] = struct{}{}
	}
	var added []model.LifecycleEvent
	for _, ev := range next.Events {
		if _, ok := known[ev.Key()]; !ok {
			added = append(added, ev)
		}
	}
	return added
}
