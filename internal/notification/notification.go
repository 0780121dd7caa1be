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

package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/internal/request"
	"github.com/cellmark/cellmark/model"
	"github.com/sirupsen/logrus"
)

// WebhookSender enqueues an outgoing webhook. It is registered by the root package
// so that this package does not depend on the queue.
type WebhookSender func(event string, payload interface{}) error

var (
	senderMu      sync.RWMutex
	webhookSender WebhookSender
)

func RegisterWebhookSender(sender WebhookSender) {
	senderMu.Lock()
	defer senderMu.Unlock()
	webhookSender = sender
}

func sendWebhook(event string, payload interface{}) error {
	senderMu.RLock()
	sender := webhookSender
	senderMu.RUnlock()
	if sender == nil {
		return nil
	}
	return sender(event, payload)
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func slackPayload(title string, fields map[string]string, order []string, at time.Time) slackMessage {
	msg := slackMessage{Blocks: []slackBlock{{
		Type: "header",
		Text: &slackText{Type: "plain_text", Text: title, Emoji: true},
	}}}
	for _, name := range order {
		msg.Blocks = append(msg.Blocks, slackBlock{
			Type:   "section",
			Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", name, fields[name])}},
		})
	}
	msg.Blocks = append(msg.Blocks, slackBlock{
		Type:   "section",
		Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%s", at.Format(time.RFC822))}},
	})
	return msg
}

// SlackNotification posts a message to the configured Slack webhook.
func SlackNotification(ctx context.Context, title string, fields map[string]string, order ...string) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Slack.WebhookUrl == "" {
		return nil
	}

	req, err := request.PostJSON(ctx, conf.Notification.Slack.WebhookUrl, slackPayload(title, fields, order, time.Now()), nil)
	if err != nil {
		return err
	}
	_, err = request.Call(req, nil)
	return err
}

// NotifyError logs systemError and reports it to Slack without blocking the caller.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)
		err := SlackNotification(context.Background(), "Error From Cellmark 🐞",
			map[string]string{"Error": systemError.Error()}, "Error")
		if err != nil {
			logrus.WithError(err).Warn("slack notification failed")
		}
	}(systemError)
}

// NotifyInvariantViolation alerts operators that the ledger reported more than one
// active transfer for an asset. The alert goes to Slack and to the webhook receiver.
func NotifyInvariantViolation(ctx context.Context, v *model.InvariantViolation) error {
	parties := make([]string, 0, len(v.Records))
	for _, r := range v.Records {
		parties = append(parties, fmt.Sprintf("%s → %s (%s)", r.Proposer, r.Recipient, r.InitiatedAt.UTC().Format(time.RFC3339)))
	}

	logrus.WithFields(logrus.Fields{
		"asset_id": v.AssetID,
		"records":  len(v.Records),
	}).Error("ledger reports more than one active transfer")

	slackErr := SlackNotification(ctx, "Transfer Invariant Violated 🚨", map[string]string{
		"Asset":   v.AssetID,
		"Detail":  v.Detail,
		"Records": strings.Join(parties, "\n"),
	}, "Asset", "Detail", "Records")

	if err := sendWebhook("transfer.invariant_violation", v); err != nil {
		return err
	}
	return slackErr
}
