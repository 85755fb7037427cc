package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// notifyLimit is PostgreSQL's NOTIFY payload ceiling minus headroom for the
// injected event id.
const notifyLimit = 7900

// Publisher delivers messages on named channels. Persistent publishes store
// the payload in bus_events and fire NOTIFY in the same transaction, so the
// notification never outruns the row. Transient publishes (tool-call
// streams) fire NOTIFY only.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher over the shared pool.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// Publish persists and broadcasts a message on a channel. The payload must
// marshal to JSON. Fails if the backing store is unreachable.
func (p *Publisher) Publish(ctx context.Context, channel string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", channel, err)
	}
	return p.persistAndNotify(ctx, channel, payloadJSON)
}

// PublishTransient broadcasts without persisting. Used for high-frequency
// streams whose history nobody replays.
func (p *Publisher) PublishTransient(ctx context.Context, channel string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", channel, err)
	}
	notifyPayload, err := truncateIfNeeded(payloadJSON, 0)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// persistAndNotify inserts the event row and fires pg_notify in a single
// transaction; pg_notify is transactional and held until COMMIT.
func (p *Publisher) persistAndNotify(ctx context.Context, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO bus_events (channel, payload, created_at) VALUES ($1, $2, $3) RETURNING id`,
		channel, payloadJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := injectEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// injectEventIDAndTruncate adds event_id to the NOTIFY copy of the payload
// so subscribers can re-read the full row when truncated.
func injectEventIDAndTruncate(payloadJSON []byte, eventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for event_id injection: %w", err)
	}
	m["event_id"] = eventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(enriched, eventID)
}

// truncateIfNeeded returns the payload as-is when it fits the NOTIFY limit,
// else a minimal envelope carrying only the lookup id.
func truncateIfNeeded(payloadJSON []byte, eventID int64) (string, error) {
	if len(payloadJSON) <= notifyLimit {
		return string(payloadJSON), nil
	}
	if eventID == 0 {
		// Transient payloads have no backing row to re-read; oversized ones
		// are a protocol bug on the agent side.
		return "", fmt.Errorf("transient payload exceeds NOTIFY limit (%d bytes)", len(payloadJSON))
	}
	envelope, err := json.Marshal(map[string]any{
		"truncated": true,
		"event_id":  eventID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncation envelope: %w", err)
	}
	return string(envelope), nil
}

// truncationEnvelope is the decoded form of an oversized-notification stub.
type truncationEnvelope struct {
	Truncated bool  `json:"truncated"`
	EventID   int64 `json:"event_id"`
}
