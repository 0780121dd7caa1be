package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cellmark/cellmark/internal/apierror"
	"github.com/cellmark/cellmark/model"
)

// SaveProgress stores the events merged by one tick together with the cursors that
// produced them. Both are written in one transaction so a restart never resumes past
// an event it did not keep. Redelivered events are ignored.
func (d Datasource) SaveProgress(ctx context.Context, assetID string, added []model.LifecycleEvent, cursors []model.StreamCursor) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, ev := range added {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal event payload", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cellmark.lifecycle_events (asset_id, source_stream, sequence_number, kind, event_timestamp, transaction_id, payload, hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (asset_id, source_stream, sequence_number) DO NOTHING
		`, assetID, ev.SourceStream, int64(ev.SequenceNumber), string(ev.Kind), ev.Timestamp, ev.TransactionID, payload, ev.Hash())
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to store event %s", ev.Key()), err)
		}
	}

	for _, c := range cursors {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cellmark.stream_cursors (asset_id, stream_id, next_seq, truncated, replay, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (asset_id, stream_id) DO UPDATE
			SET next_seq = EXCLUDED.next_seq, truncated = EXCLUDED.truncated, replay = EXCLUDED.replay, updated_at = EXCLUDED.updated_at
		`, assetID, c.StreamID, int64(c.NextSeq), c.Truncated, c.Replay, c.UpdatedAt)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to store cursor of %s", c.StreamID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit progress", err)
	}
	return nil
}

// LoadEvents returns the stored timeline of assetID in canonical order.
func (d Datasource) LoadEvents(ctx context.Context, assetID string) ([]model.LifecycleEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT source_stream, sequence_number, kind, event_timestamp, transaction_id, payload
		FROM cellmark.lifecycle_events
		WHERE asset_id = $1
		ORDER BY event_timestamp, source_stream, sequence_number
	`, assetID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve events", err)
	}
	defer rows.Close()

	events := []model.LifecycleEvent{}
	for rows.Next() {
		var (
			ev      = model.LifecycleEvent{AssetID: assetID}
			seq     int64
			kind    string
			txID    sql.NullString
			payload []byte
		)
		if err := rows.Scan(&ev.SourceStream, &seq, &kind, &ev.Timestamp, &txID, &payload); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan event", err)
		}
		ev.SequenceNumber = uint64(seq)
		ev.Kind = model.EventKind(kind)
		ev.TransactionID = txID.String
		ev.Timestamp = ev.Timestamp.UTC()

		p, err := model.NewPayload(ev.Kind)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Stored event has an unknown kind", err)
		}
		if err := json.Unmarshal(payload, p); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal event payload", err)
		}
		ev.Payload = model.DerefPayload(p)
		events = append(events, ev)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over events", err)
	}
	return events, nil
}

func (d Datasource) CountEvents(ctx context.Context, assetID string) (int64, error) {
	var count int64
	err := d.Conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM cellmark.lifecycle_events WHERE asset_id = $1`, assetID).Scan(&count)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count events", err)
	}
	return count, nil
}

func (d Datasource) LoadCursors(ctx context.Context, assetID string) ([]model.StreamCursor, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT stream_id, next_seq, truncated, replay, updated_at
		FROM cellmark.stream_cursors
		WHERE asset_id = $1
		ORDER BY stream_id
	`, assetID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve cursors", err)
	}
	defer rows.Close()

	cursors := []model.StreamCursor{}
	for rows.Next() {
		c := model.StreamCursor{AssetID: assetID}
		var next int64
		if err := rows.Scan(&c.StreamID, &next, &c.Truncated, &c.Replay, &c.UpdatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan cursor", err)
		}
		c.NextSeq = uint64(next)
		cursors = append(cursors, c)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over cursors", err)
	}
	return cursors, nil
}

// ResetCursors flags every stream of assetID for replay from its lookback horizon on the
// next poll. Truncation already recorded is kept.
func (d Datasource) ResetCursors(ctx context.Context, assetID string) error {
	_, err := d.Conn.ExecContext(ctx, `UPDATE cellmark.stream_cursors SET replay = TRUE, updated_at = NOW() WHERE asset_id = $1`, assetID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reset cursors", err)
	}
	return nil
}

func (d Datasource) Ping(ctx context.Context) error {
	return d.Conn.PingContext(ctx)
}
