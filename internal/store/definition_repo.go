package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rogers-f/signoff/internal/domain"
)

// DefinitionRepo handles persistence for WorkflowDefinition records. Rows are
// written once; only the active flag is updated afterwards.
type DefinitionRepo struct{}

// Create inserts a published definition.
func (r *DefinitionRepo) Create(ctx context.Context, db *sql.DB, def domain.WorkflowDefinition) error {
	triggers, err := json.Marshal(def.TriggerConditions)
	if err != nil {
		return fmt.Errorf("marshal trigger conditions: %w", err)
	}
	stages, err := json.Marshal(def.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	const q = `INSERT INTO workflow_definitions (workflow_id, name, version, workflow_type, triggers_json, stages_json, active, created_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, q,
		def.ID,
		def.Name,
		def.Version,
		string(def.Type),
		string(triggers),
		string(stages),
		boolToInt(def.Active),
		def.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create definition: %w", err)
	}
	return nil
}

// GetByID retrieves a definition by its ID, active or not.
func (r *DefinitionRepo) GetByID(ctx context.Context, db *sql.DB, id string) (*domain.WorkflowDefinition, error) {
	const q = `SELECT workflow_id, name, version, workflow_type, triggers_json, stages_json, active, created_at_unix
FROM workflow_definitions WHERE workflow_id = ?`

	def, err := scanDefinition(db.QueryRowContext(ctx, q, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrDefinitionNotFound.Detail("%s", id)
		}
		return nil, fmt.Errorf("get definition: %w", err)
	}
	return def, nil
}

// List returns definitions ordered by ID. An empty wfType lists all types.
func (r *DefinitionRepo) List(ctx context.Context, db *sql.DB, wfType domain.WorkflowType, activeOnly bool) ([]*domain.WorkflowDefinition, error) {
	var (
		where []string
		args  []any
	)
	if wfType != "" {
		where = append(where, "workflow_type = ?")
		args = append(args, string(wfType))
	}
	if activeOnly {
		where = append(where, "active = 1")
	}

	q := `SELECT workflow_id, name, version, workflow_type, triggers_json, stages_json, active, created_at_unix
FROM workflow_definitions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY workflow_id ASC"

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*domain.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// SetActive toggles whether a definition is eligible for new requests.
func (r *DefinitionRepo) SetActive(ctx context.Context, db *sql.DB, id string, active bool) error {
	res, err := db.ExecContext(ctx, `UPDATE workflow_definitions SET active = ? WHERE workflow_id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("set definition active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrDefinitionNotFound.Detail("%s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*domain.WorkflowDefinition, error) {
	var (
		d                domain.WorkflowDefinition
		wfType           string
		triggers, stages string
		active           int
		createdAt        int64
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Version, &wfType, &triggers, &stages, &active, &createdAt); err != nil {
		return nil, err
	}
	d.Type = domain.WorkflowType(wfType)
	d.Active = active != 0
	d.CreatedAt = unixTime(createdAt)
	if err := json.Unmarshal([]byte(triggers), &d.TriggerConditions); err != nil {
		return nil, fmt.Errorf("decode trigger conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(stages), &d.Stages); err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
