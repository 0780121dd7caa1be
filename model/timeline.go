package model

import "time"

// PartialReason explains why a stream contributed incomplete history.
type PartialReason string

const (
	ReasonLookbackExceeded PartialReason = "lookback_exceeded"
	ReasonUnreachable      PartialReason = "unreachable"
	ReasonTimeout          PartialReason = "timeout"
	ReasonCorrupt          PartialReason = "corrupt"
)

type IncompleteStream struct {
	StreamID string        `json:"stream_id"`
	Reason   PartialReason `json:"reason"`
}

// Timeline is the merged, ordered lifecycle history of one asset.
type Timeline struct {
	AssetID           string             `json:"asset_id"`
	Events            []LifecycleEvent   `json:"events"`
	Partial           bool               `json:"partial"`
	IncompleteStreams []IncompleteStream `json:"incomplete_streams"`
	BuiltAt           time.Time          `json:"built_at"`
}

// Clone returns a copy whose slices do not alias the receiver's.
func (t Timeline) Clone() Timeline {
	c := t
	c.Events = append([]LifecycleEvent(nil), t.Events...)
	c.IncompleteStreams = append([]IncompleteStream(nil), t.IncompleteStreams...)
	return c
}

// Contains reports whether an event with the given key is part of the timeline.
func (t Timeline) Contains(key EventKey) bool {
	for _, e := range t.Events {
		if e.Key() == key {
			return true
		}
	}
	return false
}

// TransferEvents returns the custody-transfer events in timeline order.
func (t Timeline) TransferEvents() []LifecycleEvent {
	var out []LifecycleEvent
	for _, e := range t.Events {
		if e.Kind.IsTransfer() {
			out = append(out, e)
		}
	}
	return out
}

// StreamCursor is the resume position of one stream for one asset.
type StreamCursor struct {
	AssetID  string `json:"asset_id"`
	StreamID string `json:"stream_id"`
	// NextSeq is the first sequence not yet merged.
	NextSeq uint64 `json:"next_seq"`
	// Truncated marks history before the lookback horizon as permanently missing.
	Truncated bool `json:"truncated"`
	// Replay rewinds NextSeq to the stream's lookback horizon on the next poll.
	Replay    bool      `json:"replay"`
	UpdatedAt time.Time `json:"updated_at"`
}
