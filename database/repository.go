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

package database

import (
	"context"
	"errors"

	"github.com/cellmark/cellmark/model"
)

var errDatasourceUnavailable = errors.New("datasource failed to initialise earlier in this process")

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	lifecycleEvents
	streamCursors
	watchedAssets
	SaveProgress(ctx context.Context, assetID string, added []model.LifecycleEvent, cursors []model.StreamCursor) error
	Ping(ctx context.Context) error
}

// lifecycleEvents persists the merged timeline of each asset.
type lifecycleEvents interface {
	LoadEvents(ctx context.Context, assetID string) ([]model.LifecycleEvent, error)
	CountEvents(ctx context.Context, assetID string) (int64, error)
}

// streamCursors persists how far each stream of an asset has been read.
type streamCursors interface {
	LoadCursors(ctx context.Context, assetID string) ([]model.StreamCursor, error)
	ResetCursors(ctx context.Context, assetID string) error
}

// watchedAssets persists the set of assets resumed on start.
type watchedAssets interface {
	WatchAsset(ctx context.Context, asset model.WatchedAsset) (model.WatchedAsset, error)
	UnwatchAsset(ctx context.Context, assetID string) error
	GetWatchedAsset(ctx context.Context, assetID string) (*model.WatchedAsset, error)
	GetWatchedAssets(ctx context.Context) ([]model.WatchedAsset, error)
}
