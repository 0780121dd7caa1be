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
	"embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/database"
	"github.com/cellmark/cellmark/internal/cache"
	"github.com/cellmark/cellmark/internal/ledgerclient"
	redlock "github.com/cellmark/cellmark/internal/lock"
	"github.com/cellmark/cellmark/internal/notification"
	redis_db "github.com/cellmark/cellmark/internal/redis-db"
	"github.com/cellmark/cellmark/internal/submitter"
	"github.com/cellmark/cellmark/model"
	"github.com/cellmark/cellmark/normalize"
	"github.com/cellmark/cellmark/resync"
	"github.com/cellmark/cellmark/source"
	"github.com/cellmark/cellmark/timeline"
	"github.com/cellmark/cellmark/transfer"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("cellmark")

//go:embed sql/*.sql
var SQLFiles embed.FS

// snapshotTTL bounds how long a cached snapshot outlives the watch that wrote it.
const snapshotTTL = 24 * time.Hour

// Ledger is everything read from the Ledger Query Service.
type Ledger interface {
	source.Ledger
	transfer.LedgerReader
}

// Cellmark watches assets, serves their timelines and transfer views, and submits
// transfer actions on behalf of users.
type Cellmark struct {
	cnf        *config.Configuration
	datasource database.IDataSource
	redis      redis.UniversalClient
	ledger     Ledger
	submitter  transfer.Submitter
	aggregator *timeline.Aggregator
	snapshots  *cache.Snapshots
	leases     *redlock.WatchLeases
	manager    *resync.Manager
	queue      *Queue
	instanceID string
}

// NewCellmark connects to Redis and the ledger using the loaded configuration.
func NewCellmark(db database.IDataSource) (*Cellmark, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.FromConfig(cnf.Redis)
	if err != nil {
		return nil, err
	}
	return New(cnf, db, redisClient.Client(), ledgerclient.New(cnf.Ledger), submitter.New(cnf.Submission))
}

// New wires a Cellmark around already connected clients.
func New(cnf *config.Configuration, db database.IDataSource, rc redis.UniversalClient, ledger Ledger, sub transfer.Submitter) (*Cellmark, error) {
	registry := normalize.DefaultRegistry()
	if err := registry.ValidateStreams(cnf.Sync.Streams); err != nil {
		return nil, err
	}

	c := &Cellmark{
		cnf:        cnf,
		datasource: db,
		redis:      rc,
		ledger:     ledger,
		submitter:  sub,
		aggregator: timeline.NewAggregator(registry, cnf.Sync.MaxConcurrency),
		snapshots:  cache.NewSnapshots(cache.NewRedisCache(rc), snapshotTTL),
		queue:      NewQueue(cnf),
		instanceID: instanceID(),
	}
	c.leases = redlock.NewWatchLeases(rc, c.instanceID)
	c.manager = resync.NewManager(c.newCoordinator).WithLeases(c.leases, cnf.Sync.LeaseDuration.Std())

	notification.RegisterWebhookSender(func(event string, payload interface{}) error {
		return c.queue.SendWebhook(context.Background(), NewWebhook{Event: event, Payload: payload})
	})
	return c, nil
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "cellmark"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func (c *Cellmark) Config() *config.Configuration {
	return c.cnf
}

func (c *Cellmark) DataSource() database.IDataSource {
	return c.datasource
}

func (c *Cellmark) Queue() *Queue {
	return c.queue
}

// newCoordinator builds the resync loop of one asset: one adapter per configured
// stream, the asset's transfer tracker and the listeners every change fans out to.
func (c *Cellmark) newCoordinator(assetID string) (*resync.Coordinator, error) {
	adapters := source.FromConfig(c.cnf.Sync, c.ledger)
	streams := make([]resync.Stream, 0, len(adapters))
	for _, a := range adapters {
		streams = append(streams, a)
	}

	tracker := transfer.NewTracker(assetID, c.ledger, c.submitter, c.cnf.Sync.ExpirationWindow.Std()).
		WithReadTimeout(c.cnf.Sync.FetchTimeout.Std())
	return resync.NewCoordinator(assetID, streams, c.aggregator, tracker).
		WithPollInterval(c.cnf.Sync.PollInterval.Std()).
		WithStore(c.datasource).
		WithListeners(c.snapshots, &webhookListener{queue: c.queue}, c.expiryScheduler(), resync.ListenerFunc(alertOnViolation)), nil
}

func alertOnViolation(ctx context.Context, ch resync.Change) {
	if ch.Kind != resync.ChangeInvariantViolation || ch.Violation == nil {
		return
	}
	if err := notification.NotifyInvariantViolation(ctx, ch.Violation); err != nil {
		logrus.WithField("asset_id", ch.AssetID).WithError(err).Error("invariant violation alert not delivered")
	}
}

// Watch persists assetID in the watched set and starts its resync loop here, unless
// another instance already holds its lease.
func (c *Cellmark) Watch(ctx context.Context, asset model.WatchedAsset) (model.WatchedAsset, error) {
	ctx, span := tracer.Start(ctx, "Watch Asset")
	defer span.End()

	if asset.AssetID == "" {
		return model.WatchedAsset{}, errors.New("asset_id is required")
	}
	watched, err := c.datasource.WatchAsset(ctx, asset)
	if err != nil {
		return model.WatchedAsset{}, err
	}
	if err := c.startLocal(ctx, asset.AssetID); err != nil {
		logrus.WithField("asset_id", asset.AssetID).WithError(err).Info("asset watched by another instance")
	}
	return watched, nil
}

// Unwatch stops the asset's loop and forgets its stored history. An instance other
// than this one stops its loop on its next supervision pass.
func (c *Cellmark) Unwatch(ctx context.Context, assetID string) error {
	ctx, span := tracer.Start(ctx, "Unwatch Asset")
	defer span.End()

	if _, ok := c.manager.Get(assetID); ok {
		if err := c.manager.Unwatch(ctx, assetID); err != nil {
			return err
		}
	}
	if err := c.datasource.UnwatchAsset(ctx, assetID); err != nil {
		return err
	}
	if err := c.snapshots.Forget(ctx, assetID); err != nil {
		logrus.WithField("asset_id", assetID).WithError(err).Warn("cached snapshots not dropped")
	}
	return nil
}

func (c *Cellmark) WatchedAssets(ctx context.Context) ([]model.WatchedAsset, error) {
	return c.datasource.GetWatchedAssets(ctx)
}

// LocalAssets lists the assets whose loop runs in this process.
func (c *Cellmark) LocalAssets() []string {
	return c.manager.Assets()
}

func (c *Cellmark) startLocal(ctx context.Context, assetID string) error {
	_, err := c.manager.Watch(ctx, assetID)
	return err
}

// Timeline returns the merged timeline of a watched asset.
func (c *Cellmark) Timeline(ctx context.Context, assetID string) (model.Timeline, error) {
	if coord, ok := c.manager.Get(assetID); ok {
		return coord.Timeline(), nil
	}

	tl, err := c.snapshots.Timeline(ctx, assetID)
	if err == nil {
		return tl, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		return model.Timeline{}, err
	}
	if err := c.ensureWatched(ctx, assetID); err != nil {
		return model.Timeline{}, err
	}
	return model.Timeline{AssetID: assetID, Events: []model.LifecycleEvent{}}, nil
}

// TransferView returns the transfer state of a watched asset as seen by actor.
func (c *Cellmark) TransferView(ctx context.Context, assetID, actor string) (model.TransferView, error) {
	if coord, ok := c.manager.Get(assetID); ok {
		return coord.Tracker().View(actor), nil
	}

	window := c.cnf.Sync.ExpirationWindow.Std()
	snap, err := c.snapshots.Transfer(ctx, assetID)
	if err == nil {
		return transfer.ViewOf(assetID, snap, actor, time.Now(), window), nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		return model.TransferView{}, err
	}
	if err := c.ensureWatched(ctx, assetID); err != nil {
		return model.TransferView{}, err
	}
	return transfer.ViewOf(assetID, nil, actor, time.Now(), window), nil
}

func (c *Cellmark) ensureWatched(ctx context.Context, assetID string) error {
	if _, err := c.datasource.GetWatchedAsset(ctx, assetID); err != nil {
		return fmt.Errorf("%s: %w", assetID, model.ErrAssetNotWatched)
	}
	return nil
}

// tracker returns the live tracker of a locally watched asset, or a tracker freshly
// reconciled against the ledger for one watched elsewhere.
func (c *Cellmark) tracker(ctx context.Context, assetID string) (*transfer.Tracker, error) {
	if coord, ok := c.manager.Get(assetID); ok {
		return coord.Tracker(), nil
	}

	tl, err := c.Timeline(ctx, assetID)
	if err != nil {
		return nil, err
	}
	t := transfer.NewTracker(assetID, c.ledger, c.submitter, c.cnf.Sync.ExpirationWindow.Std()).
		WithReadTimeout(c.cnf.Sync.FetchTimeout.Std())
	if _, err := t.Reconcile(ctx, tl); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Cellmark) InitiateTransfer(ctx context.Context, assetID, signer, recipient, newState string) (model.SubmissionHandle, error) {
	t, err := c.tracker(ctx, assetID)
	if err != nil {
		return model.SubmissionHandle{}, err
	}
	return t.Initiate(ctx, signer, recipient, newState)
}

func (c *Cellmark) AcceptTransfer(ctx context.Context, assetID, signer string) (model.SubmissionHandle, error) {
	t, err := c.tracker(ctx, assetID)
	if err != nil {
		return model.SubmissionHandle{}, err
	}
	return t.Accept(ctx, signer)
}

func (c *Cellmark) RejectTransfer(ctx context.Context, assetID, signer, reason string) (model.SubmissionHandle, error) {
	t, err := c.tracker(ctx, assetID)
	if err != nil {
		return model.SubmissionHandle{}, err
	}
	return t.Reject(ctx, signer, reason)
}

func (c *Cellmark) CancelTransfer(ctx context.Context, assetID, signer string) (model.SubmissionHandle, error) {
	t, err := c.tracker(ctx, assetID)
	if err != nil {
		return model.SubmissionHandle{}, err
	}
	return t.Cancel(ctx, signer)
}

// Shutdown stops every local loop and releases their leases.
func (c *Cellmark) Shutdown(ctx context.Context) {
	c.manager.Shutdown(ctx)
	if err := c.queue.Close(); err != nil {
		logrus.WithError(err).Warn("queue client not closed")
	}
}

// resyncChannel carries hard-resync requests to the instance holding an asset's lease.
const resyncChannel = "cellmark:resync"

// HardResync discards the asset's cursors and replays every stream from the beginning.
func (c *Cellmark) HardResync(ctx context.Context, assetID string) error {
	if err := c.ensureWatched(ctx, assetID); err != nil {
		return err
	}
	if err := c.datasource.ResetCursors(ctx, assetID); err != nil {
		return err
	}
	if coord, ok := c.manager.Get(assetID); ok {
		coord.HardResync()
		return nil
	}

	holder, err := c.leases.Holder(ctx, assetID)
	if err != nil {
		return err
	}
	if holder == "" {
		// The next instance to take the lease starts from the reset cursors.
		return nil
	}
	logrus.WithFields(logrus.Fields{"asset_id": assetID, "holder": holder}).Info("forwarding hard resync")
	return c.redis.Publish(ctx, resyncChannel, assetID).Err()
}

// ResumeWatches starts a loop for every persisted asset whose lease is free, and
// stops local loops of assets no longer in the watched set.
func (c *Cellmark) ResumeWatches(ctx context.Context) error {
	assets, err := c.datasource.GetWatchedAssets(ctx)
	if err != nil {
		return err
	}

	persisted := make(map[string]bool, len(assets))
	for _, a := range assets {
		persisted[a.AssetID] = true
		if _, ok := c.manager.Get(a.AssetID); ok {
			continue
		}
		if err := c.startLocal(ctx, a.AssetID); err != nil && !errors.Is(err, resync.ErrAlreadyWatched) {
			logrus.WithFields(logrus.Fields{"asset_id": a.AssetID, "error": err}).Debug("asset not resumed here")
		}
	}

	for _, id := range c.manager.Assets() {
		if persisted[id] {
			continue
		}
		if err := c.manager.Unwatch(ctx, id); err != nil {
			logrus.WithField("asset_id", id).WithError(err).Warn("failed to stop unwatched asset")
		}
	}
	return nil
}

// Supervise re-runs ResumeWatches every interval so leases dropped by a crashed
// instance are picked up, and serves hard-resync requests for local assets.
func (c *Cellmark) Supervise(ctx context.Context, interval time.Duration) {
	sub := c.redis.Subscribe(ctx, resyncChannel)
	defer func() {
		_ = sub.Close()
	}()
	requests := sub.Channel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-requests:
			if !ok {
				return
			}
			if coord, found := c.manager.Get(msg.Payload); found {
				logrus.WithField("asset_id", msg.Payload).Info("hard resync requested")
				coord.HardResync()
			}
		case <-ticker.C:
			if err := c.ResumeWatches(ctx); err != nil {
				logrus.WithError(err).Error("failed to resume watched assets")
			}
		}
	}
}
