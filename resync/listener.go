package resync

import (
	"context"

	"github.com/cellmark/cellmark/model"
	"github.com/cellmark/cellmark/transfer"
)

type ChangeKind string

const (
	ChangeTimelineUpdated    ChangeKind = "timeline.updated"
	ChangeTimelinePartial    ChangeKind = "timeline.partial"
	ChangeTransfer           ChangeKind = "transfer.changed"
	ChangeInvariantViolation ChangeKind = "transfer.invariant_violation"
)

// Change is published after a tick altered what readers of an asset can observe.
type Change struct {
	Kind     ChangeKind
	AssetID  string
	Timeline model.Timeline
	// Added holds the newly merged events of a ChangeTimelineUpdated.
	Added []model.LifecycleEvent
	// Transfer and View are set for ChangeTransfer. View is the observer's view.
	Transfer  *transfer.Snapshot
	View      model.TransferView
	Violation *model.InvariantViolation
}

// Listener is called synchronously from the asset's tick goroutine and must not block for long.
type Listener interface {
	OnChange(ctx context.Context, ch Change)
}

type ListenerFunc func(ctx context.Context, ch Change)

func (f ListenerFunc) OnChange(ctx context.Context, ch Change) { f(ctx, ch) }
