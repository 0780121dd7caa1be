package cellmark

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cellmark/cellmark/internal/traces"
	"github.com/cellmark/cellmark/model"
	"github.com/cellmark/cellmark/resync"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// ExpiredUnconfirmed is the payload of transfer.expired_unconfirmed: the window has
// elapsed but the ledger still reports the transfer as active.
type ExpiredUnconfirmed struct {
	AssetID   string                `json:"asset_id"`
	Transfer  model.PendingTransfer `json:"transfer"`
	ExpiresAt time.Time             `json:"expires_at"`
	CheckedAt time.Time             `json:"checked_at"`
}

// expiryScheduler schedules one expiry check per newly reconciled active transfer.
func (c *Cellmark) expiryScheduler() resync.Listener {
	window := c.cnf.Sync.ExpirationWindow.Std()
	return resync.ListenerFunc(func(ctx context.Context, ch resync.Change) {
		if ch.Kind != resync.ChangeTransfer || !ch.Transfer.Active() {
			return
		}
		if err := c.queue.ScheduleExpiryCheck(ctx, *ch.Transfer.Current, window); err != nil {
			logrus.WithField("asset_id", ch.AssetID).WithError(err).Warn("expiry check not scheduled")
		}
	})
}

// ProcessExpiryCheck re-reads the ledger once a transfer's window has elapsed. A
// transfer the ledger still reports as active is announced as expired but unconfirmed;
// one that has ended is left to the resync loop.
func (c *Cellmark) ProcessExpiryCheck(ctx context.Context, task *asynq.Task) error {
	var payload ExpiryCheckPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	ctx, span := traces.StartAssetSpan(ctx, "cellmark", "Expiry Check", payload.AssetID)
	defer span.End()

	records, err := c.ledger.PendingTransfers(ctx, payload.AssetID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	want := model.PendingTransfer{
		AssetID:     payload.AssetID,
		Proposer:    payload.Proposer,
		Recipient:   payload.Recipient,
		InitiatedAt: payload.InitiatedAt,
	}
	window := c.cnf.Sync.ExpirationWindow.Std()
	for _, rec := range records {
		if !rec.IsActive || !rec.SameInstance(want) {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"asset_id":  rec.AssetID,
			"proposer":  rec.Proposer,
			"recipient": rec.Recipient,
		}).Warn("transfer window elapsed without a ledger outcome")
		return c.queue.SendWebhook(ctx, NewWebhook{
			Event: "transfer.expired_unconfirmed",
			Payload: ExpiredUnconfirmed{
				AssetID:   rec.AssetID,
				Transfer:  rec,
				ExpiresAt: rec.ExpiresAt(window),
				CheckedAt: time.Now().UTC(),
			},
		})
	}

	logrus.WithField("asset_id", payload.AssetID).Debug("transfer ended before its window elapsed")
	return nil
}
