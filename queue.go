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

package cellmark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cellmark/cellmark/config"
	redis_db "github.com/cellmark/cellmark/internal/redis-db"
	"github.com/cellmark/cellmark/model"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Queue represents a queue for webhook deliveries and transfer expiry checks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	cnf       *config.Configuration
}

// ExpiryCheckPayload identifies the transfer instance an expiry check is scheduled for.
type ExpiryCheckPayload struct {
	AssetID     string    `json:"asset_id"`
	Proposer    string    `json:"proposer"`
	Recipient   string    `json:"recipient"`
	InitiatedAt time.Time `json:"initiated_at"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
		cnf:       conf,
	}
}

// SendWebhook enqueues a webhook notification task. Nothing is queued when no
// receiver is configured.
func (q *Queue) SendWebhook(ctx context.Context, newWebhook NewWebhook) error {
	if q.cnf.Notification.Webhook.Url == "" {
		return nil
	}

	payload, err := json.Marshal(newWebhook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.cnf.Queue.WebhookQueue, payload, asynq.Queue(q.cnf.Queue.WebhookQueue), asynq.MaxRetry(5))
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		logrus.WithField("event", newWebhook.Event).WithError(err).Error("failed to enqueue webhook")
		return err
	}
	logrus.WithFields(logrus.Fields{"event": newWebhook.Event, "task_id": info.ID}).Debug("webhook enqueued")
	return nil
}

// expiryTaskID is stable per transfer instance so that every reconciliation of the
// same initiation schedules at most one check.
func expiryTaskID(rec model.PendingTransfer) string {
	return fmt.Sprintf("expiry_%s_%d", rec.AssetID, rec.InitiatedAt.Unix())
}

// ScheduleExpiryCheck enqueues a check that runs once rec's expiration window has elapsed.
func (q *Queue) ScheduleExpiryCheck(ctx context.Context, rec model.PendingTransfer, window time.Duration) error {
	payload, err := json.Marshal(ExpiryCheckPayload{
		AssetID:     rec.AssetID,
		Proposer:    rec.Proposer,
		Recipient:   rec.Recipient,
		InitiatedAt: rec.InitiatedAt,
	})
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(expiryTaskID(rec)),
		asynq.Queue(q.cnf.Queue.ExpiryCheckQueue),
		asynq.ProcessAt(rec.ExpiresAt(window)),
		asynq.Retention(window),
	}
	task := asynq.NewTask(q.cnf.Queue.ExpiryCheckQueue, payload, taskOptions...)
	_, err = q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"asset_id":   rec.AssetID,
		"expires_at": rec.ExpiresAt(window),
	}).Info("transfer expiry check scheduled")
	return nil
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}
