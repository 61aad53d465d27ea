package store

import (
	"context"
	"fmt"

	"github.com/roach88/fedroom/internal/ir"
)

// Timeline returns committed timeline events of a room with sn > afterSN,
// in sequence order. limit <= 0 means no limit.
func (s *Store) Timeline(ctx context.Context, roomID string, afterSN int64, limit int) ([]*ir.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sn, json, outlier, soft_failed, rejection_reason
		FROM events
		WHERE room_id = ? AND timeline = 1 AND sn > ?
		ORDER BY sn ASC
		LIMIT ?
	`, roomID, afterSN, limit)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	return collectEvents(rows, "timeline")
}

// RoomEvents returns every stored event of a room, outliers included, in
// sequence order.
func (s *Store) RoomEvents(ctx context.Context, roomID string) ([]*ir.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sn, json, outlier, soft_failed, rejection_reason
		FROM events
		WHERE room_id = ?
		ORDER BY sn ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("room events: %w", err)
	}
	return collectEvents(rows, "room events")
}

type eventRows interface {
	scanner
	Next() bool
	Err() error
	Close() error
}

func collectEvents(rows eventRows, op string) ([]*ir.Event, error) {
	defer rows.Close()
	events := []*ir.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return events, nil
}
