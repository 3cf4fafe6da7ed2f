package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rogers-f/signoff/internal/domain"
	"github.com/rogers-f/signoff/internal/metrics"
	"github.com/rogers-f/signoff/internal/notify"
	"github.com/rogers-f/signoff/internal/registry"
	"github.com/rogers-f/signoff/internal/store"
)

// Scheduler is the engine's view of the escalation timer owner.
type Scheduler interface {
	Arm(fire domain.TimerFire, at time.Time)
	Disarm(instanceID string)
}

// Engine is the state machine that moves request instances through the
// stages of their workflow. Every transition of one instance runs under that
// instance's lock and is persisted in a single transaction together with its
// decision log entries.
type Engine struct {
	DB           *sql.DB
	Registry     *registry.Registry
	InstanceRepo *store.InstanceRepo
	DecisionRepo *store.DecisionRepo
	LogRepo      *store.DecisionLogRepo
	Scheduler    Scheduler
	Notifier     notify.Dispatcher
	Metrics      *metrics.Metrics
	Log          zerolog.Logger
	Now          func() time.Time

	locks keyedMutex
}

// NewEngine creates an Engine. notifier and m may be nil.
func NewEngine(db *sql.DB, reg *registry.Registry, sched Scheduler, notifier notify.Dispatcher, m *metrics.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		DB:           db,
		Registry:     reg,
		InstanceRepo: &store.InstanceRepo{},
		DecisionRepo: &store.DecisionRepo{},
		LogRepo:      &store.DecisionLogRepo{},
		Scheduler:    sched,
		Notifier:     notifier,
		Metrics:      m,
		Log:          log.With().Str("component", "engine").Logger(),
		Now:          time.Now,
	}
}

type timerArm struct {
	fire domain.TimerFire
	at   time.Time
}

// change accumulates everything one transition writes and schedules.
type change struct {
	inst      *domain.RequestInstance
	def       *domain.WorkflowDefinition
	created   bool
	decisions []domain.Decision
	entries   []domain.LogEntry
	notes     []notify.Notification
	arm       *timerArm
	disarm    bool
}

func (c *change) log(eventType domain.EventType, actorID, detail string, at time.Time) {
	c.inst.LastLogSeq++
	c.entries = append(c.entries, domain.LogEntry{
		InstanceID: c.inst.ID,
		SeqNo:      c.inst.LastLogSeq,
		StageOrder: c.inst.CurrentStageOrder,
		ActorID:    actorID,
		EventType:  eventType,
		Timestamp:  at,
		Detail:     detail,
	})
}

func (c *change) record(d domain.Decision) {
	c.decisions = append(c.decisions, d)
	c.inst.Decisions = append(c.inst.Decisions, d)
	detail := string(d.Outcome)
	if d.Comment != "" {
		detail += ": " + d.Comment
	}
	c.log(domain.EventDecision, d.ApproverID, detail, d.Timestamp)
}

func (c *change) notify(kind notify.Kind, actorID string, actors []string, at time.Time) {
	c.notes = append(c.notes, notify.Notification{
		Kind:       kind,
		InstanceID: c.inst.ID,
		RequestID:  c.inst.RequestID,
		WorkflowID: c.inst.WorkflowID,
		StageOrder: c.inst.CurrentStageOrder,
		Status:     c.inst.Status,
		Actors:     actors,
		ActorID:    actorID,
		At:         at,
	})
}

// enterStage makes order the current stage. Auto-approve stages resolve at
// once with a system decision; otherwise the stage's timer is armed.
func (e *Engine) enterStage(c *change, order int, at time.Time) {
	stage, _ := c.def.Stage(order)
	c.inst.CurrentStageOrder = order
	c.inst.EnteredStageAt = at
	c.inst.EscalatedTo = ""
	c.inst.EscalatedAt = nil
	c.inst.Escalations = 0

	if stage.AutoApprove {
		c.record(domain.Decision{
			StageOrder: order,
			ApproverID: domain.SystemActor,
			Outcome:    domain.OutcomeApprove,
			Comment:    "auto-approved",
			Timestamp:  at,
		})
		e.advance(c, domain.SystemActor, at)
		return
	}

	c.notify(notify.KindStageEntered, "", stage.ApproverIDs(), at)
	if stage.EscalationWindow > 0 {
		c.arm = &timerArm{
			fire: domain.TimerFire{InstanceID: c.inst.ID, StageOrder: order, Anchor: at},
			at:   at.Add(stage.EscalationWindow),
		}
		c.disarm = false
	} else {
		c.arm = nil
		c.disarm = true
	}
}

// advance leaves the current stage after its quorum is met.
func (e *Engine) advance(c *change, actorID string, at time.Time) {
	c.notify(notify.KindStageExited, actorID, nil, at)
	if c.inst.CurrentStageOrder >= c.def.LastStage() {
		e.finish(c, domain.StatusApproved, actorID, "all stages approved", at)
		return
	}
	e.enterStage(c, c.inst.CurrentStageOrder+1, at)
}

// finish moves the instance to a terminal status.
func (e *Engine) finish(c *change, status domain.InstanceStatus, actorID, detail string, at time.Time) {
	c.inst.Status = status
	c.log(domain.EventTerminal, actorID, detail, at)
	c.arm = nil
	c.disarm = true
	c.notify(notify.KindTerminal, actorID, nil, at)
}

// CreateInstance selects the workflow for a request and starts it at stage 1.
// A request may have only one open instance at a time.
func (e *Engine) CreateInstance(ctx context.Context, requestID string, requestType domain.WorkflowType, attrs map[string]any) (*domain.RequestInstance, error) {
	start := time.Now()
	if requestID == "" {
		return nil, domain.ErrInvalidRequest.Detail("request id is required")
	}

	def, err := e.Registry.Select(ctx, requestType, attrs)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock("req:" + requestID)
	existing, err := e.InstanceRepo.FindOpenByRequest(ctx, e.DB, requestID)
	if err != nil {
		unlock()
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "find open instance", err)
	}
	if existing != nil {
		unlock()
		return nil, domain.ErrDuplicateRequest.Detail("%s is open as %s", requestID, existing.ID)
	}

	now := e.Now()
	c := &change{
		def:     def,
		created: true,
		inst: &domain.RequestInstance{
			ID:           uuid.NewString(),
			RequestID:    requestID,
			WorkflowID:   def.ID,
			RequestType:  def.Type,
			Attributes:   attrs,
			Status:       domain.StatusPending,
			StateVersion: 1,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
	}
	c.inst.CurrentStageOrder = 1
	c.log(domain.EventCreation, domain.SystemActor, fmt.Sprintf("workflow %s v%d", def.ID, def.Version), now)
	e.enterStage(c, 1, now)

	err = e.apply(ctx, c)
	unlock()
	if err != nil {
		return nil, err
	}

	e.Metrics.InstanceCreated(def.ID)
	e.Metrics.ObserveTransition("create", start)
	e.Log.Info().
		Str("instance_id", c.inst.ID).
		Str("request_id", requestID).
		Str("workflow_id", def.ID).
		Int("stage", c.inst.CurrentStageOrder).
		Str("status", string(c.inst.Status)).
		Msg("instance created")
	e.dispatch(ctx, c.notes)
	return c.inst, nil
}

// Decide records an approver's verdict on the current stage. A rejection is
// terminal at once; an approval advances the instance when the stage's
// quorum is met.
func (e *Engine) Decide(ctx context.Context, instanceID, approverID string, outcome domain.Outcome, comment string) (*domain.RequestInstance, error) {
	start := time.Now()
	if approverID == "" {
		return nil, domain.ErrInvalidDecision.Detail("approver id is required")
	}
	if !outcome.Valid() {
		return nil, domain.ErrInvalidDecision.Detail("%q", outcome)
	}

	unlock := e.locks.Lock(instanceID)
	inst, def, err := e.load(ctx, instanceID)
	if err != nil {
		unlock()
		return nil, err
	}
	if inst.Status.IsTerminal() {
		unlock()
		return nil, domain.ErrTerminalInstance.Detail("%s is %s", instanceID, inst.Status)
	}
	stage, ok := def.Stage(inst.CurrentStageOrder)
	if !ok {
		unlock()
		return nil, domain.ErrInvalidDefinition.Detail("%s has no stage %d", def.ID, inst.CurrentStageOrder)
	}
	if err := authorize(def, inst, stage, approverID); err != nil {
		unlock()
		return nil, err
	}

	now := e.Now()
	c := &change{inst: inst.Clone(), def: def}
	c.record(domain.Decision{
		StageOrder: inst.CurrentStageOrder,
		ApproverID: approverID,
		Outcome:    outcome,
		Comment:    comment,
		Timestamp:  now,
	})

	if outcome == domain.OutcomeReject {
		e.finish(c, domain.StatusRejected, approverID, "rejected by "+approverID, now)
	} else if tallyStage(c.inst, stage).Satisfied() {
		e.advance(c, approverID, now)
	}

	err = e.apply(ctx, c)
	unlock()
	if err != nil {
		return nil, err
	}

	e.Metrics.DecisionRecorded(string(outcome))
	e.Metrics.ObserveTransition("decide", start)
	e.Log.Info().
		Str("instance_id", instanceID).
		Str("approver_id", approverID).
		Str("outcome", string(outcome)).
		Int("stage", c.inst.CurrentStageOrder).
		Str("status", string(c.inst.Status)).
		Msg("decision recorded")
	e.dispatch(ctx, c.notes)
	return c.inst, nil
}

// Escalate handles an elapsed escalation window. A fire that no longer
// matches the instance's current stage entry is discarded and the unchanged
// instance is returned. The first fire on a stage with an escalation target
// hands the stage to that target and re-arms the window; any other fire
// expires the instance.
func (e *Engine) Escalate(ctx context.Context, fire domain.TimerFire) (*domain.RequestInstance, error) {
	start := time.Now()
	unlock := e.locks.Lock(fire.InstanceID)
	inst, def, err := e.load(ctx, fire.InstanceID)
	if err != nil {
		unlock()
		return nil, err
	}
	if inst.Status.IsTerminal() {
		unlock()
		e.Metrics.StaleFire()
		return nil, domain.ErrTerminalInstance.Detail("%s is %s", fire.InstanceID, inst.Status)
	}
	if fire.StageOrder != inst.CurrentStageOrder || !fire.Anchor.Equal(inst.TimerAnchor()) {
		unlock()
		e.Metrics.StaleFire()
		e.Log.Debug().
			Str("instance_id", fire.InstanceID).
			Int("fire_stage", fire.StageOrder).
			Int("current_stage", inst.CurrentStageOrder).
			Msg("stale escalation fire discarded")
		return inst, nil
	}
	stage, ok := def.Stage(inst.CurrentStageOrder)
	if !ok {
		unlock()
		return nil, domain.ErrInvalidDefinition.Detail("%s has no stage %d", def.ID, inst.CurrentStageOrder)
	}

	now := e.Now()
	c := &change{inst: inst.Clone(), def: def}
	result := "expired"
	if stage.EscalateTo != "" && inst.Escalations == 0 {
		result = "handed_off"
		c.log(domain.EventEscalation, domain.SystemActor, "escalated to "+stage.EscalateTo, now)
		c.inst.EscalatedTo = stage.EscalateTo
		c.inst.EscalatedAt = &now
		c.inst.Escalations = 1
		c.arm = &timerArm{
			fire: domain.TimerFire{InstanceID: inst.ID, StageOrder: inst.CurrentStageOrder, Anchor: now},
			at:   now.Add(stage.EscalationWindow),
		}
		c.notify(notify.KindEscalated, domain.SystemActor, []string{stage.EscalateTo}, now)
	} else {
		c.log(domain.EventEscalation, domain.SystemActor, "window elapsed without a decision", now)
		c.inst.Escalations++
		e.finish(c, domain.StatusExpired, domain.SystemActor, "expired", now)
	}

	err = e.apply(ctx, c)
	unlock()
	if err != nil {
		return nil, err
	}

	e.Metrics.Escalated(result)
	e.Metrics.ObserveTransition("escalate", start)
	e.Log.Info().
		Str("instance_id", inst.ID).
		Int("stage", inst.CurrentStageOrder).
		Str("result", result).
		Str("escalated_to", c.inst.EscalatedTo).
		Msg("escalation window elapsed")
	e.dispatch(ctx, c.notes)
	return c.inst, nil
}

// HandleTimerFire is the scheduler callback. Errors are logged since there is
// no caller to return them to.
func (e *Engine) HandleTimerFire(ctx context.Context, fire domain.TimerFire) {
	_, err := e.Escalate(ctx, fire)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrTerminalInstance):
		e.Log.Debug().Str("instance_id", fire.InstanceID).Msg("timer fired for terminal instance")
	default:
		e.Log.Error().Err(err).Str("instance_id", fire.InstanceID).Int("stage", fire.StageOrder).Msg("escalation failed")
	}
}

// Cancel administratively ends a non-terminal instance. An empty actorID is
// recorded as the admin actor.
func (e *Engine) Cancel(ctx context.Context, instanceID, actorID, reason string) (*domain.RequestInstance, error) {
	start := time.Now()
	if actorID == "" {
		actorID = domain.AdminActor
	}

	unlock := e.locks.Lock(instanceID)
	inst, def, err := e.load(ctx, instanceID)
	if err != nil {
		unlock()
		return nil, err
	}
	if inst.Status.IsTerminal() {
		unlock()
		return nil, domain.ErrTerminalInstance.Detail("%s is %s", instanceID, inst.Status)
	}

	now := e.Now()
	c := &change{inst: inst.Clone(), def: def}
	detail := "cancelled"
	if reason != "" {
		detail += ": " + reason
	}
	e.finish(c, domain.StatusCancelled, actorID, detail, now)

	err = e.apply(ctx, c)
	unlock()
	if err != nil {
		return nil, err
	}

	e.Metrics.ObserveTransition("cancel", start)
	e.Log.Info().Str("instance_id", instanceID).Str("actor_id", actorID).Str("reason", reason).Msg("instance cancelled")
	e.dispatch(ctx, c.notes)
	return c.inst, nil
}

// GetInstance returns an instance with its decisions.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*domain.RequestInstance, error) {
	inst, err := e.InstanceRepo.GetByID(ctx, e.DB, instanceID)
	if err != nil {
		return nil, err
	}
	decisions, err := e.DecisionRepo.ListByInstance(ctx, e.DB, instanceID)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "list decisions", err)
	}
	inst.Decisions = decisions
	return inst, nil
}

// GetLog returns an instance's decision log, oldest first.
func (e *Engine) GetLog(ctx context.Context, instanceID string) ([]domain.LogEntry, error) {
	if _, err := e.InstanceRepo.GetByID(ctx, e.DB, instanceID); err != nil {
		return nil, err
	}
	entries, err := e.LogRepo.ListByInstance(ctx, e.DB, instanceID)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "list decision log", err)
	}
	return entries, nil
}

// Stats returns per-status instance counts for a workflow. Terminal counts
// only ever grow.
func (e *Engine) Stats(ctx context.Context, workflowID string) (*domain.WorkflowStats, error) {
	if _, err := e.Registry.Get(ctx, workflowID); err != nil {
		return nil, err
	}
	stats, err := e.InstanceRepo.CountByStatus(ctx, e.DB, workflowID)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "count instances", err)
	}
	return stats, nil
}

// ListPending returns open instances waiting on actorID, skipping those where
// the actor has already approved the current stage.
func (e *Engine) ListPending(ctx context.Context, actorID string) ([]*domain.RequestInstance, error) {
	open, err := e.InstanceRepo.ListOpen(ctx, e.DB)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "list open instances", err)
	}

	out := []*domain.RequestInstance{}
	for _, inst := range open {
		def, err := e.Registry.Get(ctx, inst.WorkflowID)
		if err != nil {
			return nil, err
		}
		stage, ok := def.Stage(inst.CurrentStageOrder)
		if !ok || !isDecider(inst, stage, actorID) {
			continue
		}
		decisions, err := e.DecisionRepo.ListByInstance(ctx, e.DB, inst.ID)
		if err != nil {
			return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "list decisions", err)
		}
		inst.Decisions = decisions
		if hasApproved(inst, actorID) {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// Recover re-arms the timers of every open instance from its persisted
// stage entry. Deadlines already past fire as soon as the scheduler runs.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	open, err := e.InstanceRepo.ListOpen(ctx, e.DB)
	if err != nil {
		return 0, domain.WrapEngineError(domain.ErrRecoveryFailed.Code, "list open instances", err)
	}

	armed := 0
	for _, inst := range open {
		def, err := e.Registry.Get(ctx, inst.WorkflowID)
		if err != nil {
			return armed, domain.WrapEngineError(domain.ErrRecoveryFailed.Code, "load workflow "+inst.WorkflowID, err)
		}
		stage, ok := def.Stage(inst.CurrentStageOrder)
		if !ok || stage.EscalationWindow <= 0 {
			continue
		}
		anchor := inst.TimerAnchor()
		e.Scheduler.Arm(domain.TimerFire{
			InstanceID: inst.ID,
			StageOrder: inst.CurrentStageOrder,
			Anchor:     anchor,
		}, anchor.Add(stage.EscalationWindow))
		armed++
	}

	e.Log.Info().Int("open", len(open)).Int("armed", armed).Msg("escalation timers recovered")
	return armed, nil
}

// load reads an instance, its decisions and its definition. It must finish
// before a transaction is opened: the store allows a single connection.
func (e *Engine) load(ctx context.Context, instanceID string) (*domain.RequestInstance, *domain.WorkflowDefinition, error) {
	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	def, err := e.Registry.Get(ctx, inst.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	return inst, def, nil
}

// apply persists a change and then updates the scheduler. It must be called
// with the instance's lock held.
func (e *Engine) apply(ctx context.Context, c *change) error {
	c.inst.UpdatedAt = e.Now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "begin tx", err)
	}
	defer tx.Rollback()

	if c.created {
		err = e.InstanceRepo.CreateTx(ctx, tx, c.inst)
	} else {
		err = e.InstanceRepo.UpdateStateTx(ctx, tx, c.inst)
	}
	if err != nil {
		return storeError("save instance", err)
	}
	for _, d := range c.decisions {
		if err := e.DecisionRepo.AppendTx(ctx, tx, c.inst.ID, d); err != nil {
			return storeError("append decision", err)
		}
	}
	for _, entry := range c.entries {
		if err := e.LogRepo.AppendTx(ctx, tx, entry); err != nil {
			return storeError("append log entry", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "commit transition", err)
	}
	if !c.created {
		c.inst.StateVersion++
	}

	if c.disarm {
		e.Scheduler.Disarm(c.inst.ID)
	}
	if c.arm != nil {
		e.Scheduler.Arm(c.arm.fire, c.arm.at)
	}
	if c.inst.Status.IsTerminal() {
		e.Metrics.InstanceTerminal(c.inst.WorkflowID, string(c.inst.Status))
		e.Log.Info().
			Str("instance_id", c.inst.ID).
			Str("workflow_id", c.inst.WorkflowID).
			Str("status", string(c.inst.Status)).
			Msg("instance reached terminal status")
	}
	return nil
}

// dispatch delivers notifications after the instance lock is released.
// Failures are logged and never reach the caller.
func (e *Engine) dispatch(ctx context.Context, notes []notify.Notification) {
	if e.Notifier == nil {
		return
	}
	for _, n := range notes {
		if err := e.Notifier.Dispatch(ctx, n); err != nil {
			e.Metrics.NotifyFailed("engine")
			e.Log.Warn().Err(err).
				Str("kind", string(n.Kind)).
				Str("instance_id", n.InstanceID).
				Msg("notification failed")
		}
	}
}

func storeError(op string, err error) error {
	if errors.Is(err, domain.ErrOptimisticLock) || errors.Is(err, domain.ErrDuplicateEvent) {
		return err
	}
	return domain.WrapEngineError(domain.ErrStoreWrite.Code, op, err)
}

func hasApproved(inst *domain.RequestInstance, actorID string) bool {
	for _, d := range inst.DecisionsAt(inst.CurrentStageOrder) {
		if d.ApproverID == actorID && d.Outcome == domain.OutcomeApprove {
			return true
		}
	}
	return false
}
