package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cellmark/cellmark/model"
	"github.com/cellmark/cellmark/resync"
	"github.com/cellmark/cellmark/transfer"
	"github.com/sirupsen/logrus"
)

// Snapshots publishes the latest timeline and transfer snapshot of every watched
// asset so that any API instance can serve reads, whichever process holds the watch.
// Values are stored as JSON since event payloads are interfaces.
type Snapshots struct {
	cache Cache
	ttl   time.Duration
}

func NewSnapshots(c Cache, ttl time.Duration) *Snapshots {
	return &Snapshots{cache: c, ttl: ttl}
}

func timelineKey(assetID string) string { return "timeline:" + assetID }
func transferKey(assetID string) string { return "transfer:" + assetID }

func (s *Snapshots) OnChange(ctx context.Context, ch resync.Change) {
	var err error
	switch ch.Kind {
	case resync.ChangeTimelineUpdated, resync.ChangeTimelinePartial:
		err = s.put(ctx, timelineKey(ch.AssetID), ch.Timeline)
	case resync.ChangeTransfer:
		err = s.put(ctx, transferKey(ch.AssetID), ch.Transfer)
	default:
		return
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{"asset_id": ch.AssetID, "change": ch.Kind}).WithError(err).Warn("snapshot not cached")
	}
}

// Timeline returns the last published timeline of assetID, or ErrMiss.
func (s *Snapshots) Timeline(ctx context.Context, assetID string) (model.Timeline, error) {
	var tl model.Timeline
	err := s.get(ctx, timelineKey(assetID), &tl)
	return tl, err
}

// Transfer returns the last published transfer snapshot of assetID, or ErrMiss.
func (s *Snapshots) Transfer(ctx context.Context, assetID string) (*transfer.Snapshot, error) {
	var snap transfer.Snapshot
	if err := s.get(ctx, transferKey(assetID), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Forget drops what is cached for an asset that is no longer watched.
func (s *Snapshots) Forget(ctx context.Context, assetID string) error {
	if err := s.cache.Delete(ctx, timelineKey(assetID)); err != nil {
		return err
	}
	return s.cache.Delete(ctx, transferKey(assetID))
}

func (s *Snapshots) put(ctx context.Context, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, key, b, s.ttl)
}

func (s *Snapshots) get(ctx context.Context, key string, v interface{}) error {
	var b []byte
	if err := s.cache.Get(ctx, key, &b); err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
