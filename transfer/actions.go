package transfer

import (
	"context"
	"errors"

	"github.com/cellmark/cellmark/internal/metrics"
	"github.com/cellmark/cellmark/model"
	"github.com/sirupsen/logrus"
)

// Initiate proposes a transfer from signer to recipient. It fails fast with
// model.ErrTransferAlreadyPending when the last reconciled state holds an active transfer.
func (t *Tracker) Initiate(ctx context.Context, signer, recipient, newState string) (model.SubmissionHandle, error) {
	action := model.ActionInitiate
	if recipient == "" {
		return t.refuse(action, model.SubmissionRejected, "recipient is required", nil)
	}
	if recipient == signer {
		return t.refuse(action, model.SubmissionRejected, "recipient must differ from the proposer", nil)
	}
	if snap := t.Snapshot(); snap.Active() {
		return t.refuse(action, model.SubmissionConflict, "", model.ErrTransferAlreadyPending)
	}
	return t.submit(ctx, action, signer, map[string]interface{}{
		"recipient": recipient,
		"new_state": newState,
	})
}

// Accept may only be submitted by the recipient of an active, unexpired transfer.
func (t *Tracker) Accept(ctx context.Context, signer string) (model.SubmissionHandle, error) {
	action := model.ActionAccept
	cur, err := t.activeFor(action, signer, func(rec model.PendingTransfer) string { return rec.Recipient })
	if err != nil {
		return model.SubmissionHandle{}, err
	}
	if !t.now().Before(cur.ExpiresAt(t.window)) {
		return t.refuse(action, model.SubmissionExpired, "the transfer window has elapsed", nil)
	}
	return t.submit(ctx, action, signer, nil)
}

// Reject may only be submitted by the recipient of an active transfer.
func (t *Tracker) Reject(ctx context.Context, signer, reason string) (model.SubmissionHandle, error) {
	action := model.ActionReject
	if _, err := t.activeFor(action, signer, func(rec model.PendingTransfer) string { return rec.Recipient }); err != nil {
		return model.SubmissionHandle{}, err
	}
	var params map[string]interface{}
	if reason != "" {
		params = map[string]interface{}{"reason": reason}
	}
	return t.submit(ctx, action, signer, params)
}

// Cancel may only be submitted by the proposer of an active transfer.
func (t *Tracker) Cancel(ctx context.Context, signer string) (model.SubmissionHandle, error) {
	action := model.ActionCancel
	if _, err := t.activeFor(action, signer, func(rec model.PendingTransfer) string { return rec.Proposer }); err != nil {
		return model.SubmissionHandle{}, err
	}
	return t.submit(ctx, action, signer, nil)
}

func (t *Tracker) activeFor(action model.TransferAction, signer string, party func(model.PendingTransfer) string) (model.PendingTransfer, error) {
	snap := t.Snapshot()
	if !snap.Active() {
		_, err := t.refuse(action, model.SubmissionNotPending, "no active transfer", nil)
		return model.PendingTransfer{}, err
	}
	if signer == "" || signer != party(*snap.Current) {
		_, err := t.refuse(action, model.SubmissionUnauthorized, "signer is not a party allowed to perform this action", nil)
		return model.PendingTransfer{}, err
	}
	return *snap.Current, nil
}

func (t *Tracker) refuse(action model.TransferAction, reason model.SubmissionReason, msg string, cause error) (model.SubmissionHandle, error) {
	metrics.SubmissionsTotal.WithLabelValues(string(action), string(reason)).Inc()
	return model.SubmissionHandle{}, &model.SubmissionError{Action: string(action), Reason: reason, Message: msg, Err: cause}
}

// submit hands the request to the submission service. Tracker state is not touched:
// the result becomes visible through the next Reconcile.
func (t *Tracker) submit(ctx context.Context, action model.TransferAction, signer string, params map[string]interface{}) (model.SubmissionHandle, error) {
	ctx, span := tracer.Start(ctx, "Submitting transfer action")
	defer span.End()

	if t.submitter == nil {
		return t.refuse(action, model.SubmissionRejected, "no submission service configured", nil)
	}

	handle, err := t.submitter.Submit(ctx, model.Submission{
		Action:         action,
		AssetID:        t.assetID,
		Signer:         signer,
		Params:         params,
		IdempotencyKey: model.GenerateUUIDWithSuffix("sub"),
	})
	if err != nil {
		span.RecordError(err)
		outcome := "error"
		var subErr *model.SubmissionError
		if errors.As(err, &subErr) {
			outcome = string(subErr.Reason)
		}
		metrics.SubmissionsTotal.WithLabelValues(string(action), outcome).Inc()
		logrus.WithFields(logrus.Fields{"asset_id": t.assetID, "action": action}).WithError(err).Warn("submission failed")
		return model.SubmissionHandle{}, err
	}

	metrics.SubmissionsTotal.WithLabelValues(string(action), "submitted").Inc()
	logrus.WithFields(logrus.Fields{"asset_id": t.assetID, "action": action, "handle": handle.Handle}).Info("submitted transfer action")
	return handle, nil
}
