package transfer

import (
	"fmt"
	"time"

	"github.com/cellmark/cellmark/model"
)

// View derives the transfer state as seen by actor at the current time.
// An empty actor or a third party gets the observer role, which sees a pending
// transfer from the proposer's side.
func (t *Tracker) View(actor string) model.TransferView {
	t.mu.RLock()
	snap := t.snapshot
	t.mu.RUnlock()
	return ViewOf(t.assetID, snap, actor, t.now(), t.window)
}

// ViewOf derives the view of a stored snapshot, as View does for the live one.
func ViewOf(assetID string, snap *Snapshot, actor string, now time.Time, window time.Duration) model.TransferView {
	view := model.TransferView{AssetID: assetID, Actor: actor, Role: model.RoleNone, State: model.StateNone}
	if snap == nil {
		return view
	}
	view.ReconciledAt = snap.ReconciledAt
	view.Diverged = snap.Diverged
	view.DivergenceNote = snap.DivergenceNote
	if snap.Current == nil {
		return view
	}

	cur := *snap.Current
	view.Transfer = &cur
	view.Role = roleOf(cur, actor)

	if cur.IsActive {
		remaining := cur.ExpiresAt(window).Sub(now)
		if remaining <= 0 {
			remaining = 0
			view.State = model.StateLocallyExpiredUnconfirmed
		} else if view.Role == model.RoleRecipient {
			view.State = model.StatePendingIncoming
		} else {
			view.State = model.StatePendingOutgoing
		}
		view.TimeRemaining = &remaining
		return view
	}

	view.State = snap.Outcome
	view.TerminalReason = terminalReason(snap)
	return view
}

func roleOf(rec model.PendingTransfer, actor string) model.Role {
	switch {
	case actor != "" && actor == rec.Proposer:
		return model.RoleProposer
	case actor != "" && actor == rec.Recipient:
		return model.RoleRecipient
	}
	return model.RoleObserver
}

func terminalReason(snap *Snapshot) string {
	cur := snap.Current
	switch snap.Outcome {
	case model.StateAccepted:
		if snap.OutcomeEvent != nil && snap.OutcomeEvent.Kind == model.KindOwnershipTransferred {
			return fmt.Sprintf("transferred to %s (legacy registry event)", cur.Recipient)
		}
		return fmt.Sprintf("accepted by %s", cur.Recipient)
	case model.StateRejected:
		if snap.OutcomeEvent != nil {
			if p, ok := snap.OutcomeEvent.Payload.(model.TransferRejectedPayload); ok && p.Reason != "" {
				return fmt.Sprintf("rejected by %s: %s", cur.Recipient, p.Reason)
			}
		}
		return fmt.Sprintf("rejected by %s", cur.Recipient)
	case model.StateCancelled:
		return fmt.Sprintf("cancelled by %s", cur.Proposer)
	case model.StateExpired:
		return "expired, confirmed by the ledger"
	}
	return "ended, outcome not yet observed"
}
