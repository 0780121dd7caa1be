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
package mocks

import (
	"context"

	"github.com/cellmark/cellmark/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

func (m *MockDataSource) SaveProgress(ctx context.Context, assetID string, added []model.LifecycleEvent, cursors []model.StreamCursor) error {
	args := m.Called(ctx, assetID, added, cursors)
	return args.Error(0)
}

func (m *MockDataSource) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Event methods

func (m *MockDataSource) LoadEvents(ctx context.Context, assetID string) ([]model.LifecycleEvent, error) {
	args := m.Called(ctx, assetID)
	return args.Get(0).([]model.LifecycleEvent), args.Error(1)
}

func (m *MockDataSource) CountEvents(ctx context.Context, assetID string) (int64, error) {
	args := m.Called(ctx, assetID)
	return args.Get(0).(int64), args.Error(1)
}

// Cursor methods

func (m *MockDataSource) LoadCursors(ctx context.Context, assetID string) ([]model.StreamCursor, error) {
	args := m.Called(ctx, assetID)
	return args.Get(0).([]model.StreamCursor), args.Error(1)
}

func (m *MockDataSource) ResetCursors(ctx context.Context, assetID string) error {
	args := m.Called(ctx, assetID)
	return args.Error(0)
}

// Watched asset methods

func (m *MockDataSource) WatchAsset(ctx context.Context, asset model.WatchedAsset) (model.WatchedAsset, error) {
	args := m.Called(ctx, asset)
	return args.Get(0).(model.WatchedAsset), args.Error(1)
}

func (m *MockDataSource) UnwatchAsset(ctx context.Context, assetID string) error {
	args := m.Called(ctx, assetID)
	return args.Error(0)
}

func (m *MockDataSource) GetWatchedAsset(ctx context.Context, assetID string) (*model.WatchedAsset, error) {
	args := m.Called(ctx, assetID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WatchedAsset), args.Error(1)
}

func (m *MockDataSource) GetWatchedAssets(ctx context.Context) ([]model.WatchedAsset, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.WatchedAsset), args.Error(1)
}
