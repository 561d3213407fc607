package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dealbook/internal/event"
)

// EventLogWriter writes applied events to Postgres using batch inserts.
// Multi-row INSERT keeps the writer portable; switch to pgx CopyFrom if
// throughput ever demands it.
type EventLogWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
}

// EventRow represents a row in event_log.events.
type EventRow struct {
	Sequence   int64
	EventType  string
	CommandID  string
	DealNumber *int64
	Payload    []byte // JSON-encoded event payload
	StateHash  []byte
	PrevHash   []byte
	Timestamp  time.Time
}

// RowFromEnvelope flattens an engine envelope into its storage shape.
func RowFromEnvelope(env *event.Envelope) (EventRow, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal payload seq=%d: %w", env.Sequence, err)
	}
	row := EventRow{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		CommandID: env.CommandID.String(),
		Payload:   payload,
		StateHash: append([]byte(nil), env.StateHash[:]...),
		PrevHash:  append([]byte(nil), env.PrevHash[:]...),
		Timestamp: env.Timestamp,
	}
	if env.DealNumber != nil {
		n := int64(*env.DealNumber)
		row.DealNumber = &n
	}
	return row, nil
}

func NewEventLogWriter(db *sql.DB, batchSize int, flushTimeout time.Duration) *EventLogWriter {
	return &EventLogWriter{
		db:           db,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

// WriteEventBatch writes a batch of events inside the given transaction
// using a multi-row INSERT. Conflicting sequences are skipped, which makes
// replay after a crash idempotent.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, command_id, deal_number, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*8)

	for i, e := range events {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			e.Sequence, e.EventType, e.CommandID, e.DealNumber,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LastSequence returns the highest persisted sequence, or 0 for an empty log.
func (w *EventLogWriter) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log.events`,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// RecentCommandIDs returns distinct command IDs from the most recent
// events, oldest first, for warming the in-memory idempotency LRU on boot.
func (w *EventLogWriter) RecentCommandIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT DISTINCT ON (command_id) command_id, sequence FROM (
			SELECT sequence, command_id
			FROM event_log.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent ORDER BY command_id, sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var commandID string
		var sequence int64
		if err := rows.Scan(&commandID, &sequence); err != nil {
			return nil, err
		}
		keys = append(keys, commandID)
	}
	return keys, rows.Err()
}
