package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fleetcore-io/fleetcore/internal/connection"
	"github.com/fleetcore-io/fleetcore/internal/safety"
)

// EnsureSchema creates the journal tables when they are missing.
func (c *Client) EnsureSchema(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS connection_events (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_connection_events_device
			ON connection_events (device_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS safety_events (
			id BIGSERIAL PRIMARY KEY,
			stopped BOOLEAN NOT NULL,
			cause TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// InsertConnectionEvent persists one lifecycle event. The typed payload
// is stored as JSONB under the event's own timestamp.
func (c *Client) InsertConnectionEvent(ctx context.Context, ev connection.Event) error {
	var payload []byte
	if ev.Data != nil {
		var err error
		payload, err = json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
	}

	_, err := c.pool.Exec(ctx, `
		INSERT INTO connection_events (event_type, device_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, string(ev.Type), string(ev.DeviceID), payload, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert connection event: %w", err)
	}
	return nil
}

// InsertSafetyEvent persists one emergency-stop transition.
func (c *Client) InsertSafetyEvent(ctx context.Context, ev safety.StopEvent) error {
	var cause, detail string
	if ev.Reason != nil {
		cause = string(ev.Reason.Cause)
		detail = ev.Reason.Detail
	}

	_, err := c.pool.Exec(ctx, `
		INSERT INTO safety_events (stopped, cause, detail, created_at)
		VALUES ($1, $2, $3, $4)
	`, ev.Stopped, cause, detail, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert safety event: %w", err)
	}
	return nil
}

// RecentConnectionEvents returns the newest events, optionally filtered
// to one device.
func (c *Client) RecentConnectionEvents(ctx context.Context, limit int, deviceID string) ([]ConnectionEventRow, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, event_type, device_id, payload, created_at
		FROM connection_events
	`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = $1`
		args = append(args, deviceID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection events: %w", err)
	}
	defer rows.Close()

	events := make([]ConnectionEventRow, 0)
	for rows.Next() {
		var row ConnectionEventRow
		var payload []byte
		if err := rows.Scan(&row.ID, &row.Type, &row.DeviceID, &payload, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &row.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
			}
		}
		events = append(events, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read connection events: %w", err)
	}

	return events, nil
}

// RecentSafetyEvents returns the newest stop/reset transitions.
func (c *Client) RecentSafetyEvents(ctx context.Context, limit int) ([]SafetyEventRow, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := c.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, stopped, cause, detail, created_at
		FROM safety_events
		ORDER BY created_at DESC, id DESC
		LIMIT %d
	`, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query safety events: %w", err)
	}
	defer rows.Close()

	events := make([]SafetyEventRow, 0)
	for rows.Next() {
		var row SafetyEventRow
		if err := rows.Scan(&row.ID, &row.Stopped, &row.Cause, &row.Detail, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan safety event: %w", err)
		}
		events = append(events, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read safety events: %w", err)
	}

	return events, nil
}
