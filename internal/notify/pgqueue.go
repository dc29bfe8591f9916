package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// PGQueue hands messages to the external email fabric through its intake
// table. The fabric owns dequeue, rendering, retries and delivery; this
// side performs exactly one insert per message, keyed by a fresh message
// id the fabric deduplicates on.
type PGQueue struct {
	db *sql.DB
}

// NewPGQueue wraps a connection pool.
func NewPGQueue(db *sql.DB) *PGQueue {
	return &PGQueue{db: db}
}

// Enqueue inserts one message into the intake table.
func (q *PGQueue) Enqueue(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO email_queue (id, recipient_email, template, payload)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), msg.RecipientEmail, msg.Template, payload)
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}
