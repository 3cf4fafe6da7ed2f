package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rogers-f/signoff/internal/domain"
)

// DecisionLogRepo is the append-only audit trail of instance events. Rows are
// never updated or deleted; the schema enforces this with triggers.
type DecisionLogRepo struct{}

// AppendTx inserts a log entry within an existing transaction. Sequence
// numbers are unique per instance, so a replayed append fails with
// ErrDuplicateEvent instead of producing a second record.
func (r *DecisionLogRepo) AppendTx(ctx context.Context, tx *sql.Tx, e domain.LogEntry) error {
	const q = `INSERT INTO decision_log (instance_id, seq_no, stage_order, actor_id, event_type, detail, created_at_ns)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		e.InstanceID,
		e.SeqNo,
		e.StageOrder,
		e.ActorID,
		string(e.EventType),
		e.Detail,
		toNanos(e.Timestamp),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrDuplicateEvent.Detail("%s seq %d", e.InstanceID, e.SeqNo)
		}
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}

// ListByInstance returns log entries for an instance, oldest first.
func (r *DecisionLogRepo) ListByInstance(ctx context.Context, db *sql.DB, instanceID string) ([]domain.LogEntry, error) {
	const q = `SELECT id, instance_id, seq_no, stage_order, actor_id, event_type, detail, created_at_ns
FROM decision_log
WHERE instance_id = ?
ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var (
			e         domain.LogEntry
			eventType string
			at        int64
		)
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.SeqNo, &e.StageOrder, &e.ActorID, &eventType, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.EventType = domain.EventType(eventType)
		e.Timestamp = fromNanos(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
