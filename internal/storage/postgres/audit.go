package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/digcoord/digcoord/internal/types"
)

// AuditLog is the append-only transition and change record. Rows are
// never updated or deleted by this module.
type AuditLog struct {
	db *sql.DB
}

// Append inserts one audit row.
func (a *AuditLog) Append(ctx context.Context, e *types.AuditEntry) error {
	before, after, err := encodeSnapshots(e)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO audit_logs (entity_id, actor_id, action, before, after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.EntityID, e.ActorID, e.Action, before, after, auditTime(e))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// appendTx inserts one audit row inside the caller's transaction, so a
// state write and its audit entry commit or roll back together.
func (a *AuditLog) appendTx(ctx context.Context, tx *sql.Tx, e *types.AuditEntry) error {
	before, after, err := encodeSnapshots(e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_logs (entity_id, actor_id, action, before, after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.EntityID, e.ActorID, e.Action, before, after, auditTime(e))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func encodeSnapshots(e *types.AuditEntry) ([]byte, []byte, error) {
	before, err := json.Marshal(snapshotOrEmpty(e.Before))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode before snapshot: %w", err)
	}
	after, err := json.Marshal(snapshotOrEmpty(e.After))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode after snapshot: %w", err)
	}
	return before, after, nil
}

func snapshotOrEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func auditTime(e *types.AuditEntry) time.Time {
	if e.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return e.CreatedAt
}
