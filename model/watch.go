package model

import "time"

// WatchedAsset is an asset whose timeline and transfer state are kept in sync.
// The set survives restarts.
type WatchedAsset struct {
	AssetID   string                 `json:"asset_id"`
	CreatedAt time.Time              `json:"created_at"`
	MetaData  map[string]interface{} `json:"meta_data,omitempty"`
}
