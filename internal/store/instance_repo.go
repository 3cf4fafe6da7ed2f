package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rogers-f/signoff/internal/domain"
)

// InstanceRepo handles persistence for RequestInstance state rows. Decisions
// live in their own table; see DecisionRepo.
type InstanceRepo struct{}

const instanceColumns = `instance_id, request_id, workflow_id, request_type, attributes_json, current_stage, status,
	entered_stage_ns, escalated_to, escalated_at_ns, escalations, state_version, last_log_seq, created_at_ns, updated_at_ns`

// CreateTx inserts a new instance within an existing transaction.
func (r *InstanceRepo) CreateTx(ctx context.Context, tx *sql.Tx, inst *domain.RequestInstance) error {
	attrs, err := marshalAttributes(inst.Attributes)
	if err != nil {
		return err
	}

	q := `INSERT INTO request_instances (` + instanceColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		inst.ID,
		inst.RequestID,
		inst.WorkflowID,
		string(inst.RequestType),
		attrs,
		inst.CurrentStageOrder,
		string(inst.Status),
		toNanos(inst.EnteredStageAt),
		inst.EscalatedTo,
		escalatedAtNanos(inst),
		inst.Escalations,
		inst.StateVersion,
		inst.LastLogSeq,
		toNanos(inst.CreatedAt),
		toNanos(inst.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

// UpdateStateTx writes the mutable state of an instance using optimistic
// locking. The update only succeeds if the stored state_version still equals
// inst.StateVersion; on success the stored version is incremented.
func (r *InstanceRepo) UpdateStateTx(ctx context.Context, tx *sql.Tx, inst *domain.RequestInstance) error {
	const q = `UPDATE request_instances SET
		current_stage = ?,
		status = ?,
		entered_stage_ns = ?,
		escalated_to = ?,
		escalated_at_ns = ?,
		escalations = ?,
		state_version = state_version + 1,
		last_log_seq = ?,
		updated_at_ns = ?
	WHERE instance_id = ? AND state_version = ?`

	res, err := tx.ExecContext(ctx, q,
		inst.CurrentStageOrder,
		string(inst.Status),
		toNanos(inst.EnteredStageAt),
		inst.EscalatedTo,
		escalatedAtNanos(inst),
		inst.Escalations,
		inst.LastLogSeq,
		toNanos(inst.UpdatedAt),
		inst.ID,
		inst.StateVersion,
	)
	if err != nil {
		return fmt.Errorf("update instance state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}

// GetByID retrieves an instance by its ID. Decisions are not populated.
func (r *InstanceRepo) GetByID(ctx context.Context, db *sql.DB, id string) (*domain.RequestInstance, error) {
	q := `SELECT ` + instanceColumns + ` FROM request_instances WHERE instance_id = ?`

	inst, err := scanInstance(db.QueryRowContext(ctx, q, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrInstanceNotFound.Detail("%s", id)
		}
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

// FindOpenByRequest returns the non-terminal instance for a request, or nil
// when the request has none.
func (r *InstanceRepo) FindOpenByRequest(ctx context.Context, db *sql.DB, requestID string) (*domain.RequestInstance, error) {
	q := `SELECT ` + instanceColumns + ` FROM request_instances
WHERE request_id = ? AND status = ?
ORDER BY created_at_ns DESC LIMIT 1`

	inst, err := scanInstance(db.QueryRowContext(ctx, q, requestID, string(domain.StatusPending)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find open instance: %w", err)
	}
	return inst, nil
}

// ListOpen returns all non-terminal instances ordered by creation time.
func (r *InstanceRepo) ListOpen(ctx context.Context, db *sql.DB) ([]*domain.RequestInstance, error) {
	q := `SELECT ` + instanceColumns + ` FROM request_instances
WHERE status = ?
ORDER BY created_at_ns ASC`

	rows, err := db.QueryContext(ctx, q, string(domain.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list open instances: %w", err)
	}
	defer rows.Close()

	var out []*domain.RequestInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// CountByStatus aggregates instance counts per status for one workflow.
func (r *InstanceRepo) CountByStatus(ctx context.Context, db *sql.DB, workflowID string) (*domain.WorkflowStats, error) {
	const q = `SELECT status, COUNT(*) FROM request_instances WHERE workflow_id = ? GROUP BY status`

	rows, err := db.QueryContext(ctx, q, workflowID)
	if err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}
	defer rows.Close()

	stats := &domain.WorkflowStats{WorkflowID: workflowID}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan instance count: %w", err)
		}
		switch domain.InstanceStatus(status) {
		case domain.StatusPending:
			stats.Pending = n
		case domain.StatusApproved:
			stats.Approved = n
		case domain.StatusRejected:
			stats.Rejected = n
		case domain.StatusExpired:
			stats.Expired = n
		case domain.StatusCancelled:
			stats.Cancelled = n
		}
	}
	return stats, rows.Err()
}

func scanInstance(row rowScanner) (*domain.RequestInstance, error) {
	var (
		inst                   domain.RequestInstance
		reqType, attrs, status string
		entered, escalatedAt   int64
		createdAt, updatedAt   int64
	)
	err := row.Scan(&inst.ID, &inst.RequestID, &inst.WorkflowID, &reqType, &attrs, &inst.CurrentStageOrder, &status,
		&entered, &inst.EscalatedTo, &escalatedAt, &inst.Escalations, &inst.StateVersion, &inst.LastLogSeq,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	inst.RequestType = domain.WorkflowType(reqType)
	inst.Status = domain.InstanceStatus(status)
	inst.EnteredStageAt = fromNanos(entered)
	if escalatedAt != 0 {
		t := fromNanos(escalatedAt)
		inst.EscalatedAt = &t
	}
	inst.CreatedAt = fromNanos(createdAt)
	inst.UpdatedAt = fromNanos(updatedAt)
	if err := json.Unmarshal([]byte(attrs), &inst.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	return &inst, nil
}

func marshalAttributes(attrs map[string]any) (string, error) {
	if attrs == nil {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("marshal attributes: %w", err)
	}
	return string(b), nil
}

func escalatedAtNanos(inst *domain.RequestInstance) int64 {
	if inst.EscalatedAt == nil {
		return 0
	}
	return toNanos(*inst.EscalatedAt)
}
