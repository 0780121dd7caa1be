package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cellmark/cellmark/internal/apierror"
	"github.com/cellmark/cellmark/model"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchAsset_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("INSERT INTO cellmark.watched_assets").
		WithArgs("A1", sqlmock.AnyArg(), []byte(`{"fleet":"north"}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	asset, err := ds.WatchAsset(context.Background(), model.WatchedAsset{AssetID: "A1", MetaData: map[string]interface{}{"fleet": "north"}})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), asset.CreatedAt, time.Second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWatchAsset_AlreadyWatched(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("INSERT INTO cellmark.watched_assets").
		WillReturnError(&pq.Error{Code: "23505", Message: "unique_violation"})

	_, err = ds.WatchAsset(context.Background(), model.WatchedAsset{AssetID: "A1"})
	var apiErr apierror.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}

func TestUnwatchAsset(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM cellmark.watched_assets").WithArgs("A1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM cellmark.lifecycle_events").WithArgs("A1").WillReturnResult(sqlmock.NewResult(0, 14))
	mock.ExpectExec("DELETE FROM cellmark.stream_cursors").WithArgs("A1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	require.NoError(t, ds.UnwatchAsset(context.Background(), "A1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnwatchAsset_NotWatched(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM cellmark.watched_assets").WithArgs("A9").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = ds.UnwatchAsset(context.Background(), "A9")
	assert.Equal(t, 404, apierror.MapErrorToHTTPStatus(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWatchedAssets(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ts := time.Unix(1700000000, 0).UTC()
	rows := sqlmock.NewRows([]string{"asset_id", "created_at", "meta_data"}).
		AddRow("A1", ts, []byte(`{"fleet":"north"}`)).
		AddRow("A2", ts, nil)
	mock.ExpectQuery("SELECT asset_id, created_at, meta_data FROM cellmark.watched_assets").WillReturnRows(rows)

	assets, err := ds.GetWatchedAssets(context.Background())
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, "north", assets[0].MetaData["fleet"])
	assert.Nil(t, assets[1].MetaData)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWatchedAsset_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT asset_id, created_at, meta_data").WithArgs("A9").WillReturnRows(sqlmock.NewRows([]string{"asset_id", "created_at", "meta_data"}))

	asset, err := ds.GetWatchedAsset(context.Background(), "A9")
	assert.Nil(t, asset)
	assert.Equal(t, 404, apierror.MapErrorToHTTPStatus(err))
}
