package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogers-f/signoff/internal/domain"
)

// DecisionRepo handles persistence for approver decisions.
type DecisionRepo struct{}

// AppendTx records a decision within an existing transaction.
func (r *DecisionRepo) AppendTx(ctx context.Context, tx *sql.Tx, instanceID string, d domain.Decision) error {
	const q = `INSERT INTO decisions (instance_id, stage_order, approver_id, outcome, comment, created_at_ns)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		instanceID,
		d.StageOrder,
		d.ApproverID,
		string(d.Outcome),
		d.Comment,
		toNanos(d.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

// ListByInstance returns an instance's decisions in the order they were applied.
func (r *DecisionRepo) ListByInstance(ctx context.Context, db *sql.DB, instanceID string) ([]domain.Decision, error) {
	const q = `SELECT stage_order, approver_id, outcome, comment, created_at_ns
FROM decisions
WHERE instance_id = ?
ORDER BY id ASC`

	rows, err := db.QueryContext(ctx, q, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.Decision
	for rows.Next() {
		var (
			d       domain.Decision
			outcome string
			at      int64
		)
		if err := rows.Scan(&d.StageOrder, &d.ApproverID, &outcome, &d.Comment, &at); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Outcome = domain.Outcome(outcome)
		d.Timestamp = fromNanos(at)
		out = append(out, d)
	}
	return out, rows.Err()
}
