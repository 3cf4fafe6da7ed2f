package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rogers-f/signoff/internal/domain"
	"github.com/rogers-f/signoff/internal/notify"
	"github.com/rogers-f/signoff/internal/registry"
	"github.com/rogers-f/signoff/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type armCall struct {
	fire domain.TimerFire
	at   time.Time
}

type recordingScheduler struct {
	mu      sync.Mutex
	armed   map[string]armCall
	arms    int
	disarms int
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{armed: make(map[string]armCall)}
}

func (s *recordingScheduler) Arm(fire domain.TimerFire, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed[fire.InstanceID] = armCall{fire: fire, at: at}
	s.arms++
}

func (s *recordingScheduler) Disarm(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.armed, instanceID)
	s.disarms++
}

func (s *recordingScheduler) get(instanceID string) (armCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.armed[instanceID]
	return a, ok
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
	err   error
}

func (n *recordingNotifier) Dispatch(_ context.Context, note notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return n.err
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, len(n.notes))
	for i, note := range n.notes {
		out[i] = note.Kind
	}
	return out
}

type testEnv struct {
	eng      *Engine
	clock    *fakeClock
	sched    *recordingScheduler
	notifier *recordingNotifier
}

func newTestEngine(t *testing.T, defs ...domain.WorkflowDefinition) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := store.NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := registry.New(db, zerolog.Nop())
	for _, d := range defs {
		if _, err := reg.Publish(context.Background(), d); err != nil {
			t.Fatalf("Publish %s: %v", d.ID, err)
		}
	}

	env := &testEnv{
		clock:    &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		sched:    newRecordingScheduler(),
		notifier: &recordingNotifier{},
	}
	env.eng = NewEngine(db, reg, env.sched, env.notifier, nil, zerolog.Nop())
	env.eng.Now = env.clock.Now
	return env
}

func approvers(ids ...string) []domain.Approver {
	out := make([]domain.Approver, len(ids))
	for i, id := range ids {
		out[i] = domain.Approver{ID: id, Role: "approver"}
	}
	return out
}

// twoStageDeal has two single-approver stages with quorum any and no timers.
func twoStageDeal() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		ID:   "deal-two-stage",
		Name: "Deal sign-off",
		Type: domain.TypeDeal,
		Stages: []domain.StageDefinition{
			{Order: 1, Name: "Sales manager", Approvers: approvers("mgr"), Quorum: domain.QuorumAny},
			{Order: 2, Name: "Finance", Approvers: approvers("fin"), Quorum: domain.QuorumAny},
		},
		Active: true,
	}
}

// contractAll needs both legal approvers within an hour, then hands off to
// the manager.
func contractAll() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		ID:   "contract-legal",
		Name: "Contract legal review",
		Type: domain.TypeContract,
		Stages: []domain.StageDefinition{
			{
				Order:            1,
				Name:             "Legal",
				Approvers:        approvers("a", "b"),
				Quorum:           domain.QuorumAll,
				EscalationWindow: time.Hour,
				EscalateTo:       "manager",
			},
		},
		Active: true,
	}
}

func singleStage(id string, wfType domain.WorkflowType, q domain.Quorum, ids ...string) domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		ID:     id,
		Name:   id,
		Type:   wfType,
		Stages: []domain.StageDefinition{{Order: 1, Name: "Review", Approvers: approvers(ids...), Quorum: q}},
		Active: true,
	}
}

func mustCreate(t *testing.T, env *testEnv, requestID string, wfType domain.WorkflowType) *domain.RequestInstance {
	t.Helper()
	inst, err := env.eng.CreateInstance(context.Background(), requestID, wfType, map[string]any{"amount": 1000})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	return inst
}

func mustDecide(t *testing.T, env *testEnv, instanceID, approverID string, outcome domain.Outcome) *domain.RequestInstance {
	t.Helper()
	inst, err := env.eng.Decide(context.Background(), instanceID, approverID, outcome, "")
	if err != nil {
		t.Fatalf("Decide(%s, %s): %v", approverID, outcome, err)
	}
	return inst
}

func eventTypes(entries []domain.LogEntry) []domain.EventType {
	out := make([]domain.EventType, len(entries))
	for i, e := range entries {
		out[i] = e.EventType
	}
	return out
}

func sameEvents(a, b []domain.EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCreateInstance_StartsAtStageOne(t *testing.T) {
	env := newTestEngine(t, twoStageDeal())
	ctx := context.Background()

	inst := mustCreate(t, env, "req-1", domain.TypeDeal)
	if inst.Status != domain.StatusPending {
		t.Errorf("Status = %q, want pending", inst.Status)
	}
	if inst.CurrentStageOrder != 1 {
		t.Errorf("CurrentStageOrder = %d, want 1", inst.CurrentStageOrder)
	}
	if !inst.EnteredStageAt.Equal(env.clock.Now()) {
		t.Errorf("EnteredStageAt = %v, want %v", inst.EnteredStageAt, env.clock.Now())
	}
	if _, ok := env.sched.get(inst.ID); ok {
		t.Error("no timer expected for a stage without escalation window")
	}

	got, err := env.eng.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.RequestID != "req-1" || got.WorkflowID != "deal-two-stage" {
		t.Errorf("got %+v", got)
	}

	entries, err := env.eng.GetLog(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	if len(entries) != 1 || entries[0].EventType != domain.EventCreation || entries[0].ActorID != domain.SystemActor {
		t.Errorf("log = %+v, want a single creation entry", entries)
	}

	notes := env.notifier.notes
	if len(notes) != 1 || notes[0].Kind != notify.KindStageEntered || len(notes[0].Actors) != 1 || notes[0].Actors[0] != "mgr" {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestScenario_TwoStageAnyApproved(t *testing.T) {
	env := newTestEngine(t, twoStageDeal())
	ctx := context.Background()

	inst := mustCreate(t, env, "req-1", domain.TypeDeal)

	inst = mustDecide(t, env, inst.ID, "mgr", domain.OutcomeApprove)
	if inst.Status != domain.StatusPending || inst.CurrentStageOrder != 2 {
		t.Fatalf("after stage 1: status %q stage %d", inst.Status, inst.CurrentStageOrder)
	}

	inst = mustDecide(t, env, inst.ID, "fin", domain.OutcomeApprove)
	if inst.Status != domain.StatusApproved {
		t.Fatalf("Status = %q, want approved", inst.Status)
	}

	entries, err := env.eng.GetLog(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	decisions := 0
	for i, e := range entries {
		if e.SeqNo != int64(i+1) {
			t.Errorf("entry %d SeqNo = %d", i, e.SeqNo)
		}
		if e.EventType == domain.EventDecision {
			decisions++
		}
	}
	if decisions != 2 {
		t.Errorf("decision entries = %d, want 2", decisions)
	}
	want := []domain.EventType{domain.EventCreation, domain.EventDecision, domain.EventDecision, domain.EventTerminal}
	if !sameEvents(eventTypes(entries), want) {
		t.Errorf("log = %v, want %v", eventTypes(entries), want)
	}

	wantKinds := []notify.Kind{
		notify.KindStageEntered,
		notify.KindStageExited, notify.KindStageEntered,
		notify.KindStageExited, notify.KindTerminal,
	}
	gotKinds := env.notifier.kinds()
	if fmt.Sprint(gotKinds) != fmt.Sprint(wantKinds) {
		t.Errorf("notifications = %v, want %v", gotKinds, wantKinds)
	}
}

func TestScenario_EscalationHandsOffToManager(t *testing.T) {
	env := newTestEngine(t, contractAll())
	ctx := context.Background()

	inst := mustCreate(t, env, "req-1", domain.TypeContract)
	armed, ok := env.sched.get(inst.ID)
	if !ok {
		t.Fatal("expected a timer for the legal stage")
	}
	if !armed.at.Equal(env.clock.Now().Add(time.Hour)) {
		t.Errorf("timer at %v, want one hour after creation", armed.at)
	}

	inst = mustDecide(t, env, inst.ID, "a", domain.OutcomeApprove)
	if inst.Status != domain.StatusPending {
		t.Fatalf("Status after first approval = %q, want pending", inst.Status)
	}

	env.clock.Advance(time.Hour)
	inst, err := env.eng.Escalate(ctx, armed.fire)
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if inst.Status != domain.StatusPending {
		t.Errorf("Status after escalation = %q, want pending", inst.Status)
	}
	if inst.EscalatedTo != "manager" {
		t.Errorf("EscalatedTo = %q, want manager", inst.EscalatedTo)
	}
	rearmed, ok := env.sched.get(inst.ID)
	if !ok || !rearmed.fire.Anchor.Equal(env.clock.Now()) {
		t.Errorf("expected timer re-armed from the hand-off, got %+v", rearmed)
	}

	if _, err := env.eng.Decide(ctx, inst.ID, "b", domain.OutcomeApprove, ""); !errors.Is(err, domain.ErrUnauthorizedApprover) {
		t.Errorf("original approver after hand-off: expected ErrUnauthorizedApprover, got %v", err)
	}

	inst = mustDecide(t, env, inst.ID, "manager", domain.OutcomeApprove)
	if inst.Status != domain.StatusApproved {
		t.Fatalf("Status = %q, want approved", inst.Status)
	}
	if _, ok := env.sched.get(inst.ID); ok {
		t.Error("timer should be disarmed after approval")
	}

	entries, err := env.eng.GetLog(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	want := []domain.EventType{
		domain.EventCreation, domain.EventDecision, domain.EventEscalation, domain.EventDecision, domain.EventTerminal,
	}
	if !sameEvents(eventTypes(entries), want) {
		t.Fatalf("log = %v, want %v", eventTypes(entries), want)
	}
	if entries[1].ActorID != "a" || entries[3].ActorID != "manager" {
		t.Errorf("decision actors = %s, %s", entries[1].ActorID, entries[3].ActorID)
	}
}

func TestEscalate_SecondFireExpires(t *testing.T) {
	env := newTestEngine(t, contractAll())
	ctx := context.Background()

	inst := mustCreate(t, env, "req-1", domain.TypeContract)
	first, _ := env.sched.get(inst.ID)

	env.clock.Advance(time.Hour)
	if _, err := env.eng.Escalate(ctx, first.fire); err != nil {
		t.Fatalf("first Escalate: %v", err)
	}
	second, _ := env.sched.get(inst.ID)

	env.clock.Advance(time.Hour)
	inst, err := env.eng.Escalate(ctx, second.fire)
	if err != nil {
		t.Fatalf("second Escalate: %v", err)
	}
	if inst.Status != domain.StatusExpired {
		t.Errorf("Status = %q, want expired", inst.Status)
	}
	if inst.Escalations != 2 {
		t.Errorf("Escalations = %d, want 2", inst.Escalations)
	}
	if _, ok := env.sched.get(inst.ID); ok {
		t.Error("timer should be disarmed after expiry")
	}

	entries, _ := env.eng.GetLog(ctx, inst.ID)
	last := entries[len(entries)-1]
	if last.EventType != domain.EventTerminal || last.ActorID != domain.SystemActor {
		t.Errorf("last entry = %+v", last)
	}
}

func TestEscalate_WithoutTargetExpires(t *testing.T) {
	def := singleStage("ticket-sla", domain.TypeTicket, domain.QuorumAny, "agent")
	def.Stages[0].EscalationWindow = 30 * time.Minute
	env := newTestEngine(t, def)
	ctx := context.Background()

	inst := mustCreate(t, env, "ticket-1", domain.TypeTicket)
	armed, _ := env.sched.get(inst.ID)

	env.clock.Advance(31 * time.Minute)
	inst, err := env.eng.Escalate(ctx, armed.fire)
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if inst.Status != domain.StatusExpired {
		t.Errorf("Status = %q, want expired", inst.Status)
	}

	entries, _ := env.eng.GetLog(ctx, inst.ID)
	want := []domain.EventType{domain.EventCreation, domain.EventEscalation, domain.EventTerminal}
	if !sameEvents(eventTypes(entries), want) {
		t.Errorf("log = %v, want %v", eventTypes(entries), want)
	}
}

func TestEscalate_StaleFireIsNoop(t *testing.T) {
	def := twoStageDeal()
	def.Stages[0].EscalationWindow = time.Hour
	def.Stages[1].EscalationWindow = time.Hour
	env := newTestEngine(t, def)
	ctx := context.Background()

	inst := mustCreate(t, env, "req-1", domain.TypeDeal)
	stageOne, _ := env.sched.get(inst.ID)

	env.clock.Advance(10 * time.Minute)
	inst = mustDecide(t, env, inst.ID, "mgr", domain.OutcomeApprove)
	before, _ := env.eng.GetLog(ctx, inst.ID)

	env.clock.Advance(time.Hour)
	got, err := env.eng.Escalate(ctx, stageOne.fire)
	if err != nil {
		t.Fatalf("stale Escalate: %v", err)
	}
	if got.CurrentStageOrder != 2 || got.Status != domain.StatusPending || got.EscalatedTo != "" {
		t.Errorf("stale fire mutated instance: %+v", got)
	}

	sameStageOldAnchor := domain.TimerFire{InstanceID: inst.ID, StageOrder: 2, Anchor: stageOne.fire.Anchor}
	if _, err := env.eng.Escalate(ctx, sameStageOldAnchor); err != nil {
		t.Fatalf("stale Escalate with old anchor: %v", err)
	}

	after, _ := env.eng.GetLog(ctx, inst.ID)
	if len(after) != len(before) {
		t.Errorf("stale fire appended to log: %d -> %d entries", len(before), len(after))
	}
	stored, _ := env.eng.GetInstance(ctx, inst.ID)
	if stored.StateVersion != inst.StateVersion {
		t.Errorf("StateVersion changed from %d to %d", inst.StateVersion, stored.StateVersion)
	}
}

func TestEscalate_AfterCancelIsRejected(t *testing.T) {
	env := newTestEngine(t, contractAll())
	ctx := context.Background()

	inst := mustCreate(t, env, "req-1", domain.TypeContract)
	armed, _ := env.sched.get(inst.ID)

	if _, err := env.eng.Cancel(ctx, inst.ID, "", "customer withdrew"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok := env.sched.get(inst.ID); ok {
		t.Error("cancel must disarm the timer")
	}

	env.clock.Advance(time.Hour)
	if _, err := env.eng.Escalate(ctx, armed.fire); !errors.Is(err, domain.ErrTerminalInstance) {
		t.Errorf("expected ErrTerminalInstance, got %v", err)
	}
	got, _ := env.eng.GetInstance(ctx, inst.ID)
	if got.Status != domain.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
}

func TestTerminalInstanceIsLocked(t *testing.T) {
	for _, tc := range []struct {
		name   string
		finish func(env *testEnv, id string) error
		want   domain.InstanceStatus
	}{
		{"approved", func(env *testEnv, id string) error {
			_, err := env.eng.Decide(context.Background(), id, "solo", domain.OutcomeApprove, "")
			return err
		}, domain.StatusApproved},
		{"rejected", func(env *testEnv, id string) error {
			_, err := env.eng.Decide(context.Background(), id, "solo", domain.OutcomeReject, "no")
			return err
		}, domain.StatusRejected},
		{"cancelled", func(env *testEnv, id string) error {
			_, err := env.eng.Cancel(context.Background(), id, "ops", "duplicate")
			return err
		}, domain.StatusCancelled},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEngine(t, singleStage("wf", domain.TypeDiscount, domain.QuorumAny, "solo"))
			ctx := context.Background()
			inst := mustCreate(t, env, "req-1", domain.TypeDiscount)
			if err := tc.finish(env, inst.ID); err != nil {
				t.Fatalf("finish: %v", err)
			}
			before, _ := env.eng.GetInstance(ctx, inst.ID)
			beforeLog, _ := env.eng.GetLog(ctx, inst.ID)

			if _, err := env.eng.Decide(ctx, inst.ID, "solo", domain.OutcomeApprove, ""); !errors.Is(err, domain.ErrTerminalInstance) {
				t.Errorf("Decide: expected ErrTerminalInstance, got %v", err)
			}
			fire := domain.TimerFire{InstanceID: inst.ID, StageOrder: 1, Anchor: before.EnteredStageAt}
			if _, err := env.eng.Escalate(ctx, fire); !errors.Is(err, domain.ErrTerminalInstance) {
				t.Errorf("Escalate: expected ErrTerminalInstance, got %v", err)
			}
			if _, err := env.eng.Cancel(ctx, inst.ID, "", ""); !errors.Is(err, domain.ErrTerminalInstance) {
				t.Errorf("Cancel: expected ErrTerminalInstance, got %v", err)
			}

			after, _ := env.eng.GetInstance(ctx, inst.ID)
			afterLog, _ := env.eng.GetLog(ctx, inst.ID)
			if after.Status != tc.want || len(after.Decisions) != len(before.Decisions) {
				t.Errorf("instance changed: %+v", after)
			}
			if len(afterLog) != len(beforeLog) {
				t.Errorf("log grew from %d to %d", len(beforeLog), len(afterLog))
			}
		})
	}
}

func TestRejectDominance(t *testing.T) {
	env := newTestEngine(t, singleStage("wf", domain.TypeDeal, domain.QuorumAll, "a", "b", "c"))
	inst := mustCreate(t, env, "req-1", domain.TypeDeal)

	mustDecide(t, env, inst.ID, "a", domain.OutcomeApprove)
	mustDecide(t, env, inst.ID, "b", domain.OutcomeApprove)
	inst = mustDecide(t, env, inst.ID, "c", domain.OutcomeReject)

	if inst.Status != domain.StatusRejected {
		t.Errorf("Status = %q, want rejected", inst.Status)
	}
	if len(inst.Decisions) != 3 {
		t.Errorf("Decisions = %d, want 3", len(inst.Decisions))
	}
}

func TestQuorum_AdvancesAfterRequiredApprovals(t *testing.T) {
	for _, tc := range []struct {
		quorum   domain.Quorum
		n        int
		required int
	}{
		{domain.QuorumAny, 3, 1},
		{domain.QuorumAll, 3, 3},
		{domain.QuorumMajority, 3, 2},
		{domain.QuorumMajority, 4, 3},
		{domain.QuorumMajority, 5, 3},
	} {
		t.Run(fmt.Sprintf("%s_%d", tc.quorum, tc.n), func(t *testing.T) {
			ids := make([]string, tc.n)
			for i := range ids {
				ids[i] = fmt.Sprintf("ap-%d", i)
			}
			def := singleStage("wf", domain.TypeDeal, tc.quorum, ids...)
			def.Stages = append(def.Stages, domain.StageDefinition{Order: 2, Name: "Final", Approvers: approvers("final")})
			env := newTestEngine(t, def)
			inst := mustCreate(t, env, "req-1", domain.TypeDeal)

			for i := 0; i < tc.required; i++ {
				if inst.CurrentStageOrder != 1 {
					t.Fatalf("advanced after %d approvals, want %d", i, tc.required)
				}
				// A repeat approval from the first approver never adds to the count.
				if i > 0 {
					inst = mustDecide(t, env, inst.ID, ids[0], domain.OutcomeApprove)
					if inst.CurrentStageOrder != 1 {
						t.Fatalf("repeat approval advanced the stage after %d distinct approvals", i)
					}
				}
				inst = mustDecide(t, env, inst.ID, ids[i], domain.OutcomeApprove)
			}
			if inst.CurrentStageOrder != 2 {
				t.Errorf("CurrentStageOrder = %d after %d approvals, want 2", inst.CurrentStageOrder, tc.required)
			}
		})
	}
}

func TestDecide_UnauthorizedApprover(t *testing.T) {
	env := newTestEngine(t, twoStageDeal())
	ctx := context.Background()
	inst := mustCreate(t, env, "req-1", domain.TypeDeal)

	for _, actor := range []string{"stranger", "fin"} {
		if _, err := env.eng.Decide(ctx, inst.ID, actor, domain.OutcomeApprove, ""); !errors.Is(err, domain.ErrUnauthorizedApprover) {
			t.Errorf("%s: expected ErrUnauthorizedApprover, got %v", actor, err)
		}
	}

	entries, _ := env.eng.GetLog(ctx, inst.ID)
	if len(entries) != 1 {
		t.Errorf("unauthorized decisions were logged: %d entries", len(entries))
	}
}

func TestDecide_StageAlreadyAdvanced(t *testing.T) {
	env := newTestEngine(t, twoStageDeal())
	inst := mustCreate(t, env, "req-1", domain.TypeDeal)
	mustDecide(t, env, inst.ID, "mgr", domain.OutcomeApprove)

	_, err := env.eng.Decide(context.Background(), inst.ID, "mgr", domain.OutcomeReject, "")
	if !errors.Is(err, domain.ErrStageAdvanced) {
		t.Errorf("expected ErrStageAdvanced, got %v", err)
	}
	if !errors.Is(err, domain.ErrUnauthorizedApprover) {
		t.Errorf("stage-advanced error should also be an unauthorized approver error, got %v", err)
	}
}

func TestDecide_InvalidInput(t *testing.T) {
	env := newTestEngine(t, twoStageDeal())
	ctx := context.Background()
	inst := mustCreate(t, env, "req-1", domain.TypeDeal)

	if _, err := env.eng.Decide(ctx, inst.ID, "mgr", "maybe", ""); !errors.Is(err, domain.ErrInvalidDecision) {
		t.Errorf("expected ErrInvalidDecision, got %v", err)
	}
	if _, err := env.eng.Decide(ctx, inst.ID, "", domain.OutcomeApprove, ""); !errors.Is(err, domain.ErrInvalidDecision) {
		t.Errorf("expected ErrInvalidDecision for empty approver, got %v", err)
	}
	if _, err := env.eng.Decide(ctx, "missing", "mgr", domain.OutcomeApprove, ""); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestDecide_CommentIsLogged(t *testing.T) {
	env := newTestEngine(t, twoStageDeal())
	ctx := context.Background()
	inst := mustCreate(t, env, "req-1", domain.TypeDeal)

	if _, err := env.eng.Decide(ctx, inst.ID, "mgr", domain.OutcomeReject, "margin below floor"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	entries, _ := env.eng.GetLog(ctx, inst.ID)
	if entries[1].Detail != "reject: margin below floor" {
		t.Errorf("Detail = %q", entries[1].Detail)
	}
	got, _ := env.eng.GetInstance(ctx, inst.ID)
	if got.Decisions[0].Comment != "margin below floor" {
		t.Errorf("Comment = %q", got.Decisions[0].Comment)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEngine(t, twoStageDeal())
	ctx := context.Background()
	inst := mustCreate(t, env, "req-1", domain.TypeDeal)

	inst, err := env.eng.Cancel(ctx, inst.ID, "", "customer withdrew")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if inst.Status != domain.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", inst.Status)
	}

	entries, _ := env.eng.GetLog(ctx, inst.ID)
	last := entries[len(entries)-1]
	if last.EventType != domain.EventTerminal || last.ActorID != domain.AdminActor || last.Detail != "cancelled: customer withdrew" {
		t.Errorf("last entry = %+v", last)
	}
}

func TestAutoApprove(t *testing.T) {
	def := twoStageDeal()
	def.Stages[0].AutoApprove = true
	env := newTestEngine(t, def)
	ctx := context.Background()

	inst := mustCreate(t, env, "req-1", domain.TypeDeal)
	if inst.CurrentStageOrder != 2 || inst.Status != domain.StatusPending {
		t.Fatalf("got stage %d status %q, want stage 2 pending", inst.CurrentStageOrder, inst.Status)
	}

	got, _ := env.eng.GetInstance(ctx, inst.ID)
	if len(got.Decisions) != 1 || got.Decisions[0].ApproverID != domain.SystemActor || got.Decisions[0].StageOrder != 1 {
		t.Errorf("decisions = %+v, want one system approval at stage 1", got.Decisions)
	}
	entries, _ := env.eng.GetLog(ctx, inst.ID)
	want := []domain.EventType{domain.EventCreation, domain.EventDecision}
	if !sameEvents(eventTypes(entries), want) {
		t.Errorf("log = %v, want %v", eventTypes(entries), want)
	}
}

func TestAutoApprove_AllStages(t *testing.T) {
	def := twoStageDeal()
	def.Stages[0].AutoApprove = true
	def.Stages[1].AutoApprove = true
	env := newTestEngine(t, def)

	inst := mustCreate(t, env, "req-1", domain.TypeDeal)
	if inst.Status != domain.StatusApproved {
		t.Errorf("Status = %q, want approved", inst.Status)
	}
	if len(inst.Decisions) != 2 {
		t.Errorf("Decisions = %d, want 2", len(inst.Decisions))
	}
}

func TestCreateInstance_AmbiguousMatchCreatesNothing(t *testing.T) {
	a := singleStage("discount-a", domain.TypeDiscount, domain.QuorumAny, "mgr")
	a.TriggerConditions = []domain.Condition{{Field: "amount", Operator: domain.OpGt, Value: 100}}
	b := singleStage("discount-b", domain.TypeDiscount, domain.QuorumAny, "vp")
	b.TriggerConditions = []domain.Condition{{Field: "amount", Operator: domain.OpGt, Value: 500}}
	env := newTestEngine(t, a, b)
	ctx := context.Background()

	_, err := env.eng.CreateInstance(ctx, "req-1", domain.TypeDiscount, map[string]any{"amount": 1000})
	if !errors.Is(err, domain.ErrAmbiguousMatch) {
		t.Fatalf("expected ErrAmbiguousMatch, got %v", err)
	}

	open, err := env.eng.InstanceRepo.ListOpen(ctx, env.eng.DB)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no instances, got %d", len(open))
	}
	if len(env.notifier.notes) != 0 {
		t.Errorf("expected no notifications, got %d", len(env.notifier.notes))
	}
}

func TestCreateInstance_NotFound(t *testing.T) {
	env := newTestEngine(t, twoStageDeal())
	_, err := env.eng.CreateInstance(context.Background(), "req-1", domain.TypeTicket, nil)
	if !errors.Is(err, domain.ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestCreateInstance_DuplicateRequest(t *testing.T) {
	env := newTestEngine(t, twoStageDeal())
	ctx := context.Background()

	inst := mustCreate(t, env, "req-1", domain.TypeDeal)
	if _, err := env.eng.CreateInstance(ctx, "req-1", domain.TypeDeal, nil); !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	if _, err := env.eng.CreateInstance(ctx, "", domain.TypeDeal, nil); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}

	mustDecide(t, env, inst.ID, "mgr", domain.OutcomeReject)
	again := mustCreate(t, env, "req-1", domain.TypeDeal)
	if again.ID == inst.ID {
		t.Error("resubmission after a terminal outcome must get a new instance")
	}
}

func TestInactiveDefinitionStillGovernsInFlight(t *testing.T) {
	env := newTestEngine(t, twoStageDeal())
	ctx := context.Background()
	inst := mustCreate(t, env, "req-1", domain.TypeDeal)

	if err := env.eng.Registry.SetActive(ctx, "deal-two-stage", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := env.eng.CreateInstance(ctx, "req-2", domain.TypeDeal, nil); !errors.Is(err, domain.ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound for new request, got %v", err)
	}

	mustDecide(t, env, inst.ID, "mgr", domain.OutcomeApprove)
	inst = mustDecide(t, env, inst.ID, "fin", domain.OutcomeApprove)
	if inst.Status != domain.StatusApproved {
		t.Errorf("Status = %q, want approved", inst.Status)
	}
}

func TestRecover_RearmsFromPersistedState(t *testing.T) {
	env := newTestEngine(t, contractAll(), twoStageDeal())
	ctx := context.Background()

	waiting := mustCreate(t, env, "req-1", domain.TypeContract)
	handedOff := mustCreate(t, env, "req-2", domain.TypeContract)
	mustCreate(t, env, "req-3", domain.TypeDeal)

	first, _ := env.sched.get(handedOff.ID)
	env.clock.Advance(time.Hour)
	handedOff, err := env.eng.Escalate(ctx, first.fire)
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}

	fresh := newRecordingScheduler()
	env.eng.Scheduler = fresh
	n, err := env.eng.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Errorf("armed = %d, want 2", n)
	}

	a, ok := fresh.get(waiting.ID)
	if !ok || !a.fire.Anchor.Equal(waiting.EnteredStageAt) || !a.at.Equal(waiting.EnteredStageAt.Add(time.Hour)) {
		t.Errorf("waiting instance armed %+v", a)
	}
	b, ok := fresh.get(handedOff.ID)
	if !ok || !b.fire.Anchor.Equal(*handedOff.EscalatedAt) {
		t.Errorf("handed-off instance armed %+v", b)
	}

	// The recovered fire is accepted as current.
	env.clock.Advance(time.Hour)
	got, err := env.eng.Escalate(ctx, b.fire)
	if err != nil {
		t.Fatalf("Escalate recovered fire: %v", err)
	}
	if got.Status != domain.StatusExpired {
		t.Errorf("Status = %q, want expired", got.Status)
	}
}

func TestListPendingAndStats(t *testing.T) {
	env := newTestEngine(t, twoStageDeal())
	ctx := context.Background()

	first := mustCreate(t, env, "req-1", domain.TypeDeal)
	second := mustCreate(t, env, "req-2", domain.TypeDeal)
	third := mustCreate(t, env, "req-3", domain.TypeDeal)
	mustDecide(t, env, first.ID, "mgr", domain.OutcomeApprove)
	mustDecide(t, env, third.ID, "mgr", domain.OutcomeReject)

	mgr, err := env.eng.ListPending(ctx, "mgr")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(mgr) != 1 || mgr[0].ID != second.ID {
		t.Errorf("mgr pending = %v", mgr)
	}
	fin, err := env.eng.ListPending(ctx, "fin")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(fin) != 1 || fin[0].ID != first.ID {
		t.Errorf("fin pending = %v", fin)
	}

	stats, err := env.eng.Stats(ctx, "deal-two-stage")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 2 || stats.Rejected != 1 || stats.Approved != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if _, err := env.eng.Stats(ctx, "missing"); !errors.Is(err, domain.ErrDefinitionNotFound) {
		t.Errorf("expected ErrDefinitionNotFound, got %v", err)
	}
}

func TestConcurrentDecisions_AllQuorum(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	env := newTestEngine(t, singleStage("wf", domain.TypeDeal, domain.QuorumAll, ids...))
	ctx := context.Background()
	inst := mustCreate(t, env, "req-1", domain.TypeDeal)

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(approver string) {
			defer wg.Done()
			if _, err := env.eng.Decide(ctx, inst.ID, approver, domain.OutcomeApprove, ""); err != nil {
				errs <- err
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Decide: %v", err)
	}

	got, err := env.eng.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Status != domain.StatusApproved {
		t.Errorf("Status = %q, want approved", got.Status)
	}
	if len(got.Decisions) != len(ids) {
		t.Errorf("Decisions = %d, want %d", len(got.Decisions), len(ids))
	}

	entries, _ := env.eng.GetLog(ctx, inst.ID)
	for i, e := range entries {
		if e.SeqNo != int64(i+1) {
			t.Fatalf("log sequence has a gap at %d: %d", i, e.SeqNo)
		}
	}
	if env.eng.locks.size() != 0 {
		t.Errorf("lock table not drained: %d", env.eng.locks.size())
	}
}

func TestConcurrentDecisions_AnyQuorumSingleWinner(t *testing.T) {
	env := newTestEngine(t, singleStage("wf", domain.TypeDeal, domain.QuorumAny, "a", "b", "c", "d"))
	ctx := context.Background()
	inst := mustCreate(t, env, "req-1", domain.TypeDeal)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		terminal int
	)
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(approver string) {
			defer wg.Done()
			_, err := env.eng.Decide(ctx, inst.ID, approver, domain.OutcomeApprove, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrTerminalInstance):
				terminal++
			default:
				t.Errorf("Decide(%s): %v", approver, err)
			}
		}(id)
	}
	wg.Wait()

	if wins != 1 || terminal != 3 {
		t.Errorf("wins = %d, terminal = %d; want 1 and 3", wins, terminal)
	}
}

func TestNotificationFailureDoesNotBlockTransition(t *testing.T) {
	env := newTestEngine(t, twoStageDeal())
	env.notifier.err = errors.New("smtp unreachable")

	inst := mustCreate(t, env, "req-1", domain.TypeDeal)
	inst = mustDecide(t, env, inst.ID, "mgr", domain.OutcomeApprove)
	if inst.CurrentStageOrder != 2 {
		t.Errorf("CurrentStageOrder = %d, want 2", inst.CurrentStageOrder)
	}
	if len(env.notifier.notes) != 3 {
		t.Errorf("notifications attempted = %d, want 3", len(env.notifier.notes))
	}
}
