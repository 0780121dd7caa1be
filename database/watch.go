package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/cellmark/cellmark/internal/apierror"
	"github.com/cellmark/cellmark/model"
	"github.com/lib/pq"
)

func (d Datasource) WatchAsset(ctx context.Context, asset model.WatchedAsset) (model.WatchedAsset, error) {
	metaDataJSON, err := json.Marshal(asset.MetaData)
	if err != nil {
		return model.WatchedAsset{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}
	asset.CreatedAt = time.Now().UTC()

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO cellmark.watched_assets (asset_id, created_at, meta_data)
		VALUES ($1, $2, $3)
	`, asset.AssetID, asset.CreatedAt, metaDataJSON)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return model.WatchedAsset{}, apierror.NewAPIError(apierror.ErrConflict, "Asset is already watched", err)
		}
		return model.WatchedAsset{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to watch asset", err)
	}
	return asset, nil
}

// UnwatchAsset forgets the asset together with its stored events and cursors.
func (d Datasource) UnwatchAsset(ctx context.Context, assetID string) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM cellmark.watched_assets WHERE asset_id = $1`, assetID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unwatch asset", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Asset is not watched", nil)
	}
	for _, table := range []string{"cellmark.lifecycle_events", "cellmark.stream_cursors"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE asset_id = $1`, assetID); err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to drop asset history", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit unwatch", err)
	}
	return nil
}

func (d Datasource) GetWatchedAsset(ctx context.Context, assetID string) (*model.WatchedAsset, error) {
	asset := model.WatchedAsset{}
	var metaDataJSON []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT asset_id, created_at, meta_data
		FROM cellmark.watched_assets
		WHERE asset_id = $1
	`, assetID).Scan(&asset.AssetID, &asset.CreatedAt, &metaDataJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Asset is not watched", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve watched asset", err)
	}
	if err := unmarshalMetaData(metaDataJSON, &asset.MetaData); err != nil {
		return nil, err
	}
	return &asset, nil
}

func (d Datasource) GetWatchedAssets(ctx context.Context) ([]model.WatchedAsset, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT asset_id, created_at, meta_data
		FROM cellmark.watched_assets
		ORDER BY created_at, asset_id
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve watched assets", err)
	}
	defer rows.Close()

	assets := []model.WatchedAsset{}
	for rows.Next() {
		asset := model.WatchedAsset{}
		var metaDataJSON []byte
		if err := rows.Scan(&asset.AssetID, &asset.CreatedAt, &metaDataJSON); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan watched asset", err)
		}
		if err := unmarshalMetaData(metaDataJSON, &asset.MetaData); err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over watched assets", err)
	}
	return assets, nil
}

func unmarshalMetaData(raw []byte, into *map[string]interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
	}
	return nil
}
