package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/fedroom/internal/ir"
)

// maxFrameLayers bounds delta chains; deeper frames are stored in full.
const maxFrameLayers = 16

// CreateRoom records a room and its version.
// Uses ON CONFLICT DO NOTHING for idempotency; the version of an existing
// room is never changed.
func (s *Store) CreateRoom(ctx context.Context, roomID, version string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (room_id, version)
		VALUES (?, ?)
		ON CONFLICT(room_id) DO NOTHING
	`, roomID, version)
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

// SetRoomDisabled toggles the disabled flag. Disabled rooms refuse ingestion.
func (s *Store) SetRoomDisabled(ctx context.Context, roomID string, disabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET disabled = ? WHERE room_id = ?
	`, boolInt(disabled), roomID)
	if err != nil {
		return fmt.Errorf("set room disabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set room disabled: %s: %w", roomID, ErrNotFound)
	}
	return nil
}

// SetMinDepth records the depth of the first timeline event of a room.
// Later calls are no-ops.
func (s *Store) SetMinDepth(ctx context.Context, roomID string, depth int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET min_depth = ? WHERE room_id = ? AND min_depth = 0
	`, depth, roomID)
	if err != nil {
		return fmt.Errorf("set min depth: %w", err)
	}
	return nil
}

// PutEvent persists an event as an outlier. The caller assigns ev.SN.
// Returns inserted=false when the event id is already stored, in which case
// nothing is changed.
func (s *Store) PutEvent(ctx context.Context, ev *ir.Event) (inserted bool, err error) {
	if ev.SN <= 0 {
		return false, fmt.Errorf("put event %s: sequence number not assigned", ev.EventID)
	}
	data, err := marshalEvent(ev)
	if err != nil {
		return false, fmt.Errorf("put event %s: %w", ev.EventID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events
		(sn, event_id, room_id, depth, json, outlier, timeline, soft_failed, rejection_reason)
		VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`,
		ev.SN,
		ev.EventID,
		ev.RoomID,
		ev.Depth,
		data,
		boolInt(ev.SoftFailed),
		ev.RejectionReason,
	)
	if err != nil {
		return false, fmt.Errorf("put event %s: %w", ev.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put event %s: %w", ev.EventID, err)
	}
	return n > 0, nil
}

// MarkSoftFailed flags a stored event as soft-failed.
func (s *Store) MarkSoftFailed(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET soft_failed = 1 WHERE event_id = ?
	`, eventID)
	if err != nil {
		return fmt.Errorf("mark soft failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark soft failed: %s: %w", eventID, ErrNotFound)
	}
	return nil
}

// MarkRejected records a permanent rejection reason on a stored event.
// An existing reason is kept.
func (s *Store) MarkRejected(ctx context.Context, eventID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET rejection_reason = ?
		WHERE event_id = ? AND rejection_reason = ''
	`, reason, eventID)
	if err != nil {
		return fmt.Errorf("mark rejected: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := eventSN(ctx, s.db, eventID); err != nil {
			return fmt.Errorf("mark rejected: %w", err)
		}
	}
	return nil
}

// SaveStateFrame stores a state snapshot for a room and returns its frame id.
//
// Frames are content-addressed per room, so saving an identical state twice
// returns the same id. New frames are stored as a delta against the room's
// current frame unless that would make the chain deeper than maxFrameLayers.
// Every referenced event must already be persisted.
func (s *Store) SaveStateFrame(ctx context.Context, roomID string, state map[ir.StateField]string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("save state frame: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	fs := make(frameState, len(state))
	for field, eventID := range state {
		fieldID, err := internField(ctx, tx, field)
		if err != nil {
			return 0, fmt.Errorf("save state frame: %w", err)
		}
		sn, err := eventSN(ctx, tx, eventID)
		if err != nil {
			return 0, fmt.Errorf("save state frame: %s: %w", field, err)
		}
		fs[fieldID] = sn
	}
	hash := fs.hash()

	var existing int64
	err = tx.QueryRowContext(ctx, `
		SELECT frame_id FROM state_frames WHERE room_id = ? AND hash = ?
	`, roomID, hash).Scan(&existing)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("save state frame: %w", err)
	}

	var parentID sql.NullInt64
	var layer int64
	appended, disposed := fs.entries(), []frameEntry{}

	var current sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT frame_id FROM rooms WHERE room_id = ?`, roomID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("save state frame: %w", err)
	}
	if current.Valid {
		parent, parentLayer, err := loadFrame(ctx, tx, current.Int64)
		if err != nil {
			return 0, fmt.Errorf("save state frame: %w", err)
		}
		if parentLayer+1 < maxFrameLayers {
			parentID = current
			layer = parentLayer + 1
			appended, disposed = fs.diff(parent)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO state_frames (room_id, hash, parent_id, layer, appended, disposed)
		VALUES (?, ?, ?, ?, ?, ?)
	`, roomID, hash, parentID, layer, encodeEntries(appended), encodeEntries(disposed))
	if err != nil {
		return 0, fmt.Errorf("save state frame: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save state frame: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("save state frame: commit: %w", err)
	}
	return id, nil
}

// Commit is a timeline append: one event promoted together with the
// state before it, the room's new current state and its new frontier.
type Commit struct {
	RoomID      string
	EventID     string
	StateBefore int64    // frame id of the state before the event
	StateAfter  int64    // new current frame, 0 to leave it unchanged
	Extremities []string // full replacement set
}

// Commit applies c atomically. Committing an event twice is a no-op.
func (s *Store) Commit(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit %s: begin tx: %w", c.EventID, err)
	}
	defer tx.Rollback() // No-op if committed

	sn, err := eventSN(ctx, tx, c.EventID)
	if err != nil {
		return fmt.Errorf("commit %s: %w", c.EventID, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE events SET outlier = 0, timeline = 1
		WHERE sn = ? AND timeline = 0
	`, sn)
	if err != nil {
		return fmt.Errorf("commit %s: %w", c.EventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_points (event_sn, frame_id) VALUES (?, ?)
		ON CONFLICT(event_sn) DO NOTHING
	`, sn, c.StateBefore); err != nil {
		return fmt.Errorf("commit %s: state point: %w", c.EventID, err)
	}

	if c.StateAfter != 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE rooms SET frame_id = ? WHERE room_id = ?
		`, c.StateAfter, c.RoomID); err != nil {
			return fmt.Errorf("commit %s: current state: %w", c.EventID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM forward_extremities WHERE room_id = ?
	`, c.RoomID); err != nil {
		return fmt.Errorf("commit %s: extremities: %w", c.EventID, err)
	}
	for _, id := range c.Extremities {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO forward_extremities (room_id, event_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, c.RoomID, id); err != nil {
			return fmt.Errorf("commit %s: extremities: %w", c.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", c.EventID, err)
	}
	return nil
}

// internField returns the id of a state field, inserting it if new.
func internField(ctx context.Context, tx *sql.Tx, field ir.StateField) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_fields (event_type, state_key) VALUES (?, ?)
		ON CONFLICT(event_type, state_key) DO NOTHING
	`, field.Type, field.StateKey); err != nil {
		return 0, fmt.Errorf("intern field %s: %w", field, err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `
		SELECT field_id FROM state_fields WHERE event_type = ? AND state_key = ?
	`, field.Type, field.StateKey).Scan(&id); err != nil {
		return 0, fmt.Errorf("intern field %s: %w", field, err)
	}
	return id, nil
}

func eventSN(ctx context.Context, q querier, eventID string) (int64, error) {
	var sn int64
	err := q.QueryRowContext(ctx, `SELECT sn FROM events WHERE event_id = ?`, eventID).Scan(&sn)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("event %s: %w", eventID, err)
	}
	return sn, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
