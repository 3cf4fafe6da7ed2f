package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rogers-f/signoff/internal/condition"
	"github.com/rogers-f/signoff/internal/domain"
	"github.com/rogers-f/signoff/internal/store"
)

// Registry publishes workflow definitions and selects the one that governs a
// new request. Published definitions never change apart from their active
// flag, so callers may hold on to the pointers it returns.
type Registry struct {
	DB        *sql.DB
	Repo      *store.DefinitionRepo
	Evaluator *condition.Evaluator
	Log       zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*domain.WorkflowDefinition
}

// New creates a Registry backed by db.
func New(db *sql.DB, log zerolog.Logger) *Registry {
	return &Registry{
		DB:        db,
		Repo:      &store.DefinitionRepo{},
		Evaluator: condition.NewEvaluator(log),
		Log:       log.With().Str("component", "registry").Logger(),
		cache:     make(map[string]*domain.WorkflowDefinition),
	}
}

// Publish validates and stores a definition. An omitted id is generated.
// Publishing the same content again under an existing id is a no-op that
// returns the stored definition; different content is ErrDuplicateDefinition.
func (r *Registry) Publish(ctx context.Context, def domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	def.Normalize()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	r.warnUnknownOperators(&def)

	existing, err := r.Repo.GetByID(ctx, r.DB, def.ID)
	switch {
	case err == nil:
		if !sameContent(existing, &def) {
			return nil, domain.ErrDuplicateDefinition.Detail("%s", def.ID)
		}
		r.put(existing)
		return existing, nil
	case !errors.Is(err, domain.ErrDefinitionNotFound):
		return nil, err
	}

	def.CreatedAt = time.Now().UTC().Truncate(time.Second)
	if err := r.Repo.Create(ctx, r.DB, def); err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreWrite.Code, "publish definition", err)
	}

	stored := def
	r.put(&stored)
	r.Log.Info().
		Str("workflow_id", def.ID).
		Str("type", string(def.Type)).
		Int("version", def.Version).
		Int("stages", len(def.Stages)).
		Bool("active", def.Active).
		Msg("workflow definition published")
	return &stored, nil
}

// PublishAll publishes every definition in order and stops at the first error.
func (r *Registry) PublishAll(ctx context.Context, defs []domain.WorkflowDefinition) ([]*domain.WorkflowDefinition, error) {
	out := make([]*domain.WorkflowDefinition, 0, len(defs))
	for _, d := range defs {
		p, err := r.Publish(ctx, d)
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Get returns a definition by id, active or not.
func (r *Registry) Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	r.mu.RLock()
	def, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := r.Repo.GetByID(ctx, r.DB, id)
	if err != nil {
		return nil, err
	}
	r.put(def)
	return def, nil
}

// SetActive toggles whether a definition may be selected for new requests.
// Instances already running under it are unaffected.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	if err := r.Repo.SetActive(ctx, r.DB, id, active); err != nil {
		return err
	}

	r.mu.Lock()
	if old, ok := r.cache[id]; ok {
		updated := *old
		updated.Active = active
		r.cache[id] = &updated
	}
	r.mu.Unlock()

	r.Log.Info().Str("workflow_id", id).Bool("active", active).Msg("workflow definition toggled")
	return nil
}

// List returns definitions filtered by type (empty for all) and activity.
func (r *Registry) List(ctx context.Context, wfType domain.WorkflowType, activeOnly bool) ([]*domain.WorkflowDefinition, error) {
	return r.Repo.List(ctx, r.DB, wfType, activeOnly)
}

// Select finds the single active definition of wfType whose trigger
// conditions all hold for attrs. No match is ErrWorkflowNotFound; more than
// one match is ErrAmbiguousMatch naming every candidate.
func (r *Registry) Select(ctx context.Context, wfType domain.WorkflowType, attrs map[string]any) (*domain.WorkflowDefinition, error) {
	wfType = domain.WorkflowType(strings.ToLower(string(wfType)))
	if !wfType.Valid() {
		return nil, domain.ErrInvalidWorkflowType.Detail("%q", wfType)
	}

	defs, err := r.Repo.List(ctx, r.DB, wfType, true)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "list definitions", err)
	}

	var matches []*domain.WorkflowDefinition
	for _, d := range defs {
		if r.Evaluator.MatchAll(d.TriggerConditions, attrs) {
			matches = append(matches, d)
		}
	}

	switch len(matches) {
	case 0:
		return nil, domain.ErrWorkflowNotFound.Detail("type %s", wfType)
	case 1:
		r.put(matches[0])
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		r.Log.Error().Str("type", string(wfType)).Strs("workflow_ids", ids).Msg("ambiguous workflow match")
		return nil, domain.ErrAmbiguousMatch.Detail("type %s matches %s", wfType, strings.Join(ids, ", "))
	}
}

func (r *Registry) put(def *domain.WorkflowDefinition) {
	r.mu.Lock()
	r.cache[def.ID] = def
	r.mu.Unlock()
}

func (r *Registry) warnUnknownOperators(def *domain.WorkflowDefinition) {
	for _, c := range def.TriggerConditions {
		if _, ok := condition.Canonical(c.Operator); !ok {
			r.Log.Warn().
				Str("workflow_id", def.ID).
				Str("field", c.Field).
				Str("operator", string(c.Operator)).
				Msg("unknown operator, condition will never match")
		}
	}
}

// sameContent compares everything but the active flag and creation time.
// Both sides go through the same JSON round trip the store applies, so
// integers beyond float64 precision compare as they were persisted.
func sameContent(a, b *domain.WorkflowDefinition) bool {
	ca, cb := *a, *b
	ca.Active, cb.Active = false, false
	ca.CreatedAt, cb.CreatedAt = time.Time{}, time.Time{}
	ja, errA := canonicalJSON(ca)
	jb, errB := canonicalJSON(cb)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}

func canonicalJSON(def domain.WorkflowDefinition) ([]byte, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
