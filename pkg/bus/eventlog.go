package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Event is one persisted bus notification.
type Event struct {
	ID        int64
	Channel   string
	Payload   []byte
	CreatedAt time.Time
}

// EventLog reads the persisted notification history. It backs truncated
// payload resolution and catch-up after a dropped LISTEN connection or a
// late websocket subscriber.
type EventLog struct {
	db *sql.DB
}

func NewEventLog(db *sql.DB) *EventLog {
	return &EventLog{db: db}
}

// GetEvent fetches one event's full payload by id.
func (l *EventLog) GetEvent(ctx context.Context, eventID int64) ([]byte, error) {
	var payload []byte
	err := l.db.QueryRowContext(ctx,
		`SELECT payload FROM bus_events WHERE id = $1`, eventID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d not found", eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event %d: %w", eventID, err)
	}
	return payload, nil
}

// GetEventsSince returns events on a channel with id greater than lastEventID,
// oldest first, capped at limit.
func (l *EventLog) GetEventsSince(ctx context.Context, channel string, lastEventID int64, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, channel, payload, created_at FROM bus_events
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`, channel, lastEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events on %s: %w", channel, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Channel, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune deletes events older than the retention window.
func (l *EventLog) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM bus_events WHERE created_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
