package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/fedroom/internal/ir"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Room is the stored record of a room.
type Room struct {
	ID       string
	Version  string
	Disabled bool
	FrameID  int64 // current state frame, 0 when none
	MinDepth int64
}

// Room loads a room record. Returns ErrNotFound for unknown rooms.
func (s *Store) Room(ctx context.Context, roomID string) (Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT room_id, version, disabled, frame_id, min_depth
		FROM rooms WHERE room_id = ?
	`, roomID)
	r, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	if err != nil {
		return Room{}, fmt.Errorf("room %s: %w", roomID, err)
	}
	return r, nil
}

// Rooms lists all rooms ordered by id.
func (s *Store) Rooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, version, disabled, frame_id, min_depth
		FROM rooms ORDER BY room_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := []Room{}
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (Room, error) {
	var (
		r        Room
		disabled int
		frame    sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Version, &disabled, &frame, &r.MinDepth); err != nil {
		return Room{}, err
	}
	r.Disabled = disabled != 0
	r.FrameID = frame.Int64
	return r, nil
}

// Event loads an event with its local metadata. Returns ErrNotFound for
// unknown ids.
func (s *Store) Event(ctx context.Context, eventID string) (*ir.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sn, json, outlier, soft_failed, rejection_reason
		FROM events WHERE event_id = ?
	`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", eventID, err)
	}
	return ev, nil
}

func scanEvent(row scanner) (*ir.Event, error) {
	var (
		sn         int64
		data       string
		outlier    int
		softFailed int
		rejection  string
	)
	if err := row.Scan(&sn, &data, &outlier, &softFailed, &rejection); err != nil {
		return nil, err
	}
	ev, err := unmarshalEvent(data)
	if err != nil {
		return nil, err
	}
	ev.SN = sn
	ev.Outlier = outlier != 0
	ev.SoftFailed = softFailed != 0
	ev.RejectionReason = rejection
	return ev, nil
}

// HasEvent reports whether an event is stored in any form.
func (s *Store) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE event_id = ?
	`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has event: %w", err)
	}
	return n > 0, nil
}

// IsTimeline reports whether an event has been committed to the timeline.
func (s *Store) IsTimeline(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE event_id = ? AND timeline = 1
	`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is timeline: %w", err)
	}
	return n > 0, nil
}

// MaxSN returns the highest sequence number ever assigned, 0 when empty.
func (s *Store) MaxSN(ctx context.Context) (int64, error) {
	var sn sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sn) FROM events`).Scan(&sn); err != nil {
		return 0, fmt.Errorf("max sn: %w", err)
	}
	return sn.Int64, nil
}

// Extremities returns the forward extremities of a room, sorted.
func (s *Store) Extremities(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id FROM forward_extremities
		WHERE room_id = ?
		ORDER BY event_id COLLATE BINARY ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("extremities: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("extremities: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("extremities: %w", err)
	}
	return ids, nil
}

// LoadStateFrame expands a frame into (type, state_key) → event id.
func (s *Store) LoadStateFrame(ctx context.Context, frameID int64) (map[ir.StateField]string, error) {
	fs, _, err := loadFrame(ctx, s.db, frameID)
	if err != nil {
		return nil, fmt.Errorf("load state frame: %w", err)
	}
	out, err := s.resolveFrame(ctx, fs)
	if err != nil {
		return nil, fmt.Errorf("load state frame %d: %w", frameID, err)
	}
	return out, nil
}

// CurrentState returns the current state of a room and its frame id. A
// room without committed state yields an empty map and frame 0.
func (s *Store) CurrentState(ctx context.Context, roomID string) (map[ir.StateField]string, int64, error) {
	room, err := s.Room(ctx, roomID)
	if err != nil {
		return nil, 0, fmt.Errorf("current state: %w", err)
	}
	if room.FrameID == 0 {
		return map[ir.StateField]string{}, 0, nil
	}
	state, err := s.LoadStateFrame(ctx, room.FrameID)
	if err != nil {
		return nil, 0, fmt.Errorf("current state: %w", err)
	}
	return state, room.FrameID, nil
}

// StateBefore returns the state immediately before a timeline event.
// ok is false for outliers and unknown events.
func (s *Store) StateBefore(ctx context.Context, eventID string) (state map[ir.StateField]string, ok bool, err error) {
	var frameID int64
	err = s.db.QueryRowContext(ctx, `
		SELECT p.frame_id FROM event_points p
		JOIN events e ON e.sn = p.event_sn
		WHERE e.event_id = ?
	`, eventID).Scan(&frameID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("state before %s: %w", eventID, err)
	}
	state, err = s.LoadStateFrame(ctx, frameID)
	if err != nil {
		return nil, false, fmt.Errorf("state before %s: %w", eventID, err)
	}
	return state, true, nil
}

// loadFrame expands a frame by walking its delta chain from the root.
func loadFrame(ctx context.Context, q querier, frameID int64) (frameState, int64, error) {
	type layer struct {
		appended, disposed []frameEntry
	}
	var (
		chain []layer
		depth int64
		first = true
	)
	for id := (sql.NullInt64{Int64: frameID, Valid: true}); id.Valid; {
		var (
			parent             sql.NullInt64
			lvl                int64
			appended, disposed []byte
		)
		err := q.QueryRowContext(ctx, `
			SELECT parent_id, layer, appended, disposed FROM state_frames WHERE frame_id = ?
		`, id.Int64).Scan(&parent, &lvl, &appended, &disposed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("frame %d: %w", id.Int64, ErrNotFound)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("frame %d: %w", id.Int64, err)
		}
		if first {
			depth, first = lvl, false
		}
		a, err := decodeEntries(appended)
		if err != nil {
			return nil, 0, fmt.Errorf("frame %d: %w", id.Int64, err)
		}
		d, err := decodeEntries(disposed)
		if err != nil {
			return nil, 0, fmt.Errorf("frame %d: %w", id.Int64, err)
		}
		chain = append(chain, layer{appended: a, disposed: d})
		id = parent
	}

	fs := frameState{}
	for _, l := range slices.Backward(chain) {
		fs.apply(l.appended, l.disposed)
	}
	return fs, depth, nil
}

// resolveFrame maps field ids and sequence numbers back to their names.
func (s *Store) resolveFrame(ctx context.Context, fs frameState) (map[ir.StateField]string, error) {
	out := make(map[ir.StateField]string, len(fs))
	for _, e := range fs.entries() {
		var (
			field   ir.StateField
			eventID string
		)
		if err := s.db.QueryRowContext(ctx, `
			SELECT event_type, state_key FROM state_fields WHERE field_id = ?
		`, e.field).Scan(&field.Type, &field.StateKey); err != nil {
			return nil, fmt.Errorf("field %d: %w", e.field, err)
		}
		if err := s.db.QueryRowContext(ctx, `
			SELECT event_id FROM events WHERE sn = ?
		`, e.sn).Scan(&eventID); err != nil {
			return nil, fmt.Errorf("event sn %d: %w", e.sn, err)
		}
		out[field] = eventID
	}
	return out, nil
}
