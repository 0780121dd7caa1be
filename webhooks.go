/*
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
package cellmark

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/internal/request"
	"github.com/cellmark/cellmark/model"
	"github.com/cellmark/cellmark/resync"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// NewWebhook represents the structure of a webhook notification.
type NewWebhook struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data"`
}

// TimelineUpdate is the payload of timeline.updated.
type TimelineUpdate struct {
	AssetID string                 `json:"asset_id"`
	Added   []model.LifecycleEvent `json:"added"`
	Partial bool                   `json:"partial"`
}

// TimelineHealth is the payload of timeline.partial.
type TimelineHealth struct {
	AssetID           string                   `json:"asset_id"`
	Partial           bool                     `json:"partial"`
	IncompleteStreams []model.IncompleteStream `json:"incomplete_streams"`
}

// getEventFromState maps a transfer state to its webhook event.
func getEventFromState(state model.TransferState) string {
	switch {
	case state.IsPending():
		return "transfer.pending"
	case state == model.StateLocallyExpiredUnconfirmed:
		return "transfer.expired_unconfirmed"
	case state == model.StateNone:
		return ""
	default:
		return "transfer." + string(state)
	}
}

// webhooksFor translates a resync change into the webhooks it triggers.
// Invariant violations are delivered by the notification package.
func webhooksFor(ch resync.Change) []NewWebhook {
	switch ch.Kind {
	case resync.ChangeTimelineUpdated:
		return []NewWebhook{{
			Event:   "timeline.updated",
			Payload: TimelineUpdate{AssetID: ch.AssetID, Added: ch.Added, Partial: ch.Timeline.Partial},
		}}
	case resync.ChangeTimelinePartial:
		return []NewWebhook{{
			Event:   "timeline.partial",
			Payload: TimelineHealth{AssetID: ch.AssetID, Partial: ch.Timeline.Partial, IncompleteStreams: ch.Timeline.IncompleteStreams},
		}}
	case resync.ChangeTransfer:
		event := getEventFromState(ch.View.State)
		if event == "" {
			return nil
		}
		return []NewWebhook{{Event: event, Payload: ch.View}}
	}
	return nil
}

type webhookListener struct {
	queue *Queue
}

func (l *webhookListener) OnChange(ctx context.Context, ch resync.Change) {
	for _, hook := range webhooksFor(ch) {
		if err := l.queue.SendWebhook(ctx, hook); err != nil {
			logrus.WithFields(logrus.Fields{"asset_id": ch.AssetID, "event": hook.Event}).WithError(err).Warn("webhook not queued")
		}
	}
}

// ProcessWebhook delivers a queued webhook to the configured receiver.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	req, err := request.PostJSON(ctx, conf.Notification.Webhook.Url, payload, conf.Notification.Webhook.Headers)
	if err != nil {
		return err
	}
	if _, err := request.Call(req, nil); err != nil {
		logrus.WithField("event", payload.Event).WithError(err).Warn("webhook delivery failed")
		return err
	}
	logrus.WithField("event", payload.Event).Info("webhook delivered")
	return nil
}
