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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cellmark/cellmark/internal/apierror"
	"github.com/cellmark/cellmark/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sohEvent(seq uint64, ts time.Time) model.LifecycleEvent {
	return model.LifecycleEvent{
		Kind:           model.KindSOHUpdated,
		AssetID:        "A1",
		SourceStream:   "BatteryRegistry.SOHUpdated",
		SequenceNumber: seq,
		Timestamp:      ts,
		TransactionID:  "0xabc",
		Payload:        model.SOHUpdatedPayload{StateOfHealth: decimal.RequireFromString("88.4"), CycleCount: 120},
	}
}

func TestSaveProgress_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ts := time.Unix(1700000000, 0).UTC()
	ev := sohEvent(7, ts)
	cursor := model.StreamCursor{AssetID: "A1", StreamID: ev.SourceStream, NextSeq: 8, Truncated: true, UpdatedAt: ts}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO cellmark.lifecycle_events").
		WithArgs("A1", ev.SourceStream, int64(7), string(model.KindSOHUpdated), ts, "0xabc", sqlmock.AnyArg(), ev.Hash()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO cellmark.stream_cursors").
		WithArgs("A1", ev.SourceStream, int64(8), true, false, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = ds.SaveProgress(context.Background(), "A1", []model.LifecycleEvent{ev}, []model.StreamCursor{cursor})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveProgress_RollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ts := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO cellmark.lifecycle_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO cellmark.stream_cursors").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = ds.SaveProgress(context.Background(), "A1", []model.LifecycleEvent{sohEvent(7, ts)},
		[]model.StreamCursor{{StreamID: "BatteryRegistry.SOHUpdated", NextSeq: 8, UpdatedAt: ts}})
	var apiErr apierror.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierror.ErrInternalServer, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadEvents_DecodesPayloads(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ts := time.Unix(1700000000, 0).UTC()

	rows := sqlmock.NewRows([]string{"source_stream", "sequence_number", "kind", "event_timestamp", "transaction_id", "payload"}).
		AddRow("BatteryRegistry.SOHUpdated", int64(7), "SOHUpdated", ts, "0xabc", []byte(`{"state_of_health":"88.4","cycle_count":120}`)).
		AddRow("OwnershipRegistry.TransferInitiated", int64(9), "OwnershipTransferInitiated", ts.Add(time.Minute), nil, []byte(`{"from":"P","to":"R"}`))
	mock.ExpectQuery("SELECT source_stream, sequence_number, kind").WithArgs("A1").WillReturnRows(rows)

	events, err := ds.LoadEvents(context.Background(), "A1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	soh, ok := events[0].Payload.(model.SOHUpdatedPayload)
	require.True(t, ok, "payload decoded as %T", events[0].Payload)
	assert.True(t, soh.StateOfHealth.Equal(decimal.RequireFromString("88.4")))
	assert.Equal(t, uint64(120), soh.CycleCount)
	assert.Equal(t, "A1", events[0].AssetID)

	initiated, ok := events[1].Payload.(model.TransferInitiatedPayload)
	require.True(t, ok, "payload decoded as %T", events[1].Payload)
	assert.Equal(t, "R", initiated.To)
	assert.Empty(t, events[1].TransactionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadEvents_UnknownKind(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	rows := sqlmock.NewRows([]string{"source_stream", "sequence_number", "kind", "event_timestamp", "transaction_id", "payload"}).
		AddRow("x", int64(1), "Teleported", time.Now(), nil, []byte(`{}`))
	mock.ExpectQuery("SELECT source_stream, sequence_number, kind").WithArgs("A1").WillReturnRows(rows)

	_, err = ds.LoadEvents(context.Background(), "A1")
	assert.Error(t, err)
}

func TestLoadCursors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ts := time.Unix(1700000000, 0).UTC()
	rows := sqlmock.NewRows([]string{"stream_id", "next_seq", "truncated", "replay", "updated_at"}).
		AddRow("DataVault.TelemetryRecorded", int64(42), false, true, ts).
		AddRow("OwnershipRegistry.TransferInitiated", int64(0), true, false, ts)
	mock.ExpectQuery("SELECT stream_id, next_seq, truncated, replay, updated_at").WithArgs("A1").WillReturnRows(rows)

	cursors, err := ds.LoadCursors(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, []model.StreamCursor{
		{AssetID: "A1", StreamID: "DataVault.TelemetryRecorded", NextSeq: 42, Replay: true, UpdatedAt: ts},
		{AssetID: "A1", StreamID: "OwnershipRegistry.TransferInitiated", NextSeq: 0, Truncated: true, UpdatedAt: ts},
	}, cursors)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetCursorsAndCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec(`UPDATE cellmark.stream_cursors SET replay = TRUE, updated_at = NOW\(\) WHERE asset_id = \$1`).WithArgs("A1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectQuery("SELECT COUNT").WithArgs("A1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(12)))

	require.NoError(t, ds.ResetCursors(context.Background(), "A1"))
	count, err := ds.CountEvents(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
