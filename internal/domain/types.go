// Package domain defines the core types for the signoff approval engine.
package domain

import "time"

// SystemActor is the actor recorded for engine-initiated events such as
// auto-approvals, escalations and expiries.
const SystemActor = "system"

// AdminActor is recorded for cancellations that do not name an actor.
const AdminActor = "admin"

// WorkflowType classifies the kind of request a workflow governs.
type WorkflowType string

const (
	TypeDiscount WorkflowType = "discount"
	TypeDeal     WorkflowType = "deal"
	TypeContract WorkflowType = "contract"
	TypeTicket   WorkflowType = "ticket"
	TypeCustom   WorkflowType = "custom"
)

// Valid reports whether t is one of the known workflow types.
func (t WorkflowType) Valid() bool {
	switch t {
	case TypeDiscount, TypeDeal, TypeContract, TypeTicket, TypeCustom:
		return true
	}
	return false
}

// Operator is a comparison operator used in trigger conditions.
type Operator string

const (
	OpEq       Operator = "="
	OpNeq      Operator = "!="
	OpGt       Operator = ">"
	OpGte      Operator = ">="
	OpLt       Operator = "<"
	OpLte      Operator = "<="
	OpContains Operator = "contains"
	OpIn       Operator = "in"
	OpBetween  Operator = "between"
)

// Condition is a single (field, operator, value) trigger predicate.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Quorum determines how many approvals satisfy a stage.
type Quorum string

const (
	QuorumAny      Quorum = "any"
	QuorumAll      Quorum = "all"
	QuorumMajority Quorum = "majority"
)

// Valid reports whether q is a known quorum rule.
func (q Quorum) Valid() bool {
	switch q {
	case QuorumAny, QuorumAll, QuorumMajority:
		return true
	}
	return false
}

// Approver is an identity allowed to decide on a stage. Role is informational.
type Approver struct {
	ID   string `json:"id" yaml:"id"`
	Role string `json:"role,omitempty" yaml:"role,omitempty"`
}

// StageDefinition is one approval step of a workflow.
type StageDefinition struct {
	Order            int           `json:"order" yaml:"order"`
	Name             string        `json:"name" yaml:"name"`
	Approvers        []Approver    `json:"approvers" yaml:"approvers"`
	Quorum           Quorum        `json:"quorum" yaml:"quorum"`
	EscalationWindow time.Duration `json:"escalation_window,omitempty" yaml:"escalation_window,omitempty"`
	EscalateTo       string        `json:"escalate_to,omitempty" yaml:"escalate_to,omitempty"`
	AutoApprove      bool          `json:"auto_approve,omitempty" yaml:"auto_approve,omitempty"`
}

// ApproverIDs returns the identities of the stage's approvers in declaration order.
func (s *StageDefinition) ApproverIDs() []string {
	ids := make([]string, 0, len(s.Approvers))
	for _, a := range s.Approvers {
		ids = append(ids, a.ID)
	}
	return ids
}

// HasApprover reports whether id is one of the stage's approvers.
func (s *StageDefinition) HasApprover(id string) bool {
	for _, a := range s.Approvers {
		if a.ID == id {
			return true
		}
	}
	return false
}

// WorkflowDefinition is a named, versioned approval template. Definitions are
// immutable once published; only Active may change afterwards.
type WorkflowDefinition struct {
	ID                string            `json:"id" yaml:"id"`
	Name              string            `json:"name" yaml:"name"`
	Version           int               `json:"version" yaml:"version"`
	Type              WorkflowType      `json:"type" yaml:"type"`
	TriggerConditions []Condition       `json:"trigger_conditions" yaml:"trigger_conditions"`
	Stages            []StageDefinition `json:"stages" yaml:"stages"`
	Active            bool              `json:"active" yaml:"active"`
	CreatedAt         time.Time         `json:"created_at" yaml:"-"`
}

// Stage returns the stage with the given order.
func (d *WorkflowDefinition) Stage(order int) (*StageDefinition, bool) {
	if order < 1 || order > len(d.Stages) {
		return nil, false
	}
	s := &d.Stages[order-1]
	if s.Order != order {
		return nil, false
	}
	return s, true
}

// LastStage returns the order of the final stage.
func (d *WorkflowDefinition) LastStage() int {
	return len(d.Stages)
}

// InstanceStatus is the lifecycle status of a RequestInstance.
type InstanceStatus string

const (
	StatusPending   InstanceStatus = "pending"
	StatusApproved  InstanceStatus = "approved"
	StatusRejected  InstanceStatus = "rejected"
	StatusEscalated InstanceStatus = "escalated"
	StatusExpired   InstanceStatus = "expired"
	StatusCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether the status can never change again.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Outcome is an approver's verdict on a stage.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

// Valid reports whether o is approve or reject.
func (o Outcome) Valid() bool {
	return o == OutcomeApprove || o == OutcomeReject
}

// Decision is one recorded verdict.
type Decision struct {
	StageOrder int       `json:"stage_order"`
	ApproverID string    `json:"approver_id"`
	Outcome    Outcome   `json:"outcome"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RequestInstance is one running execution of a workflow against a request.
type RequestInstance struct {
	ID                string         `json:"id"`
	RequestID         string         `json:"request_id"`
	WorkflowID        string         `json:"workflow_id"`
	RequestType       WorkflowType   `json:"request_type"`
	Attributes        map[string]any `json:"attributes,omitempty"`
	CurrentStageOrder int            `json:"current_stage_order"`
	Status            InstanceStatus `json:"status"`
	EnteredStageAt    time.Time      `json:"entered_stage_at"`
	EscalatedTo       string         `json:"escalated_to,omitempty"`
	EscalatedAt       *time.Time     `json:"escalated_at,omitempty"`
	Escalations       int            `json:"escalations"`
	Decisions         []Decision     `json:"decisions"`
	StateVersion      int64          `json:"state_version"`
	LastLogSeq        int64          `json:"-"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// TimerAnchor is the instant the current escalation window started counting:
// the stage entry time, or the hand-off time once the stage has escalated.
func (i *RequestInstance) TimerAnchor() time.Time {
	if i.EscalatedAt != nil {
		return *i.EscalatedAt
	}
	return i.EnteredStageAt
}

// DecisionsAt returns the decisions recorded for the given stage.
func (i *RequestInstance) DecisionsAt(stage int) []Decision {
	var out []Decision
	for _, d := range i.Decisions {
		if d.StageOrder == stage {
			out = append(out, d)
		}
	}
	return out
}

// Clone returns a deep copy of the instance.
func (i *RequestInstance) Clone() *RequestInstance {
	c := *i
	if i.EscalatedAt != nil {
		t := *i.EscalatedAt
		c.EscalatedAt = &t
	}
	c.Decisions = append([]Decision(nil), i.Decisions...)
	if i.Attributes != nil {
		c.Attributes = make(map[string]any, len(i.Attributes))
		for k, v := range i.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// EventType classifies decision log entries.
type EventType string

const (
	EventCreation   EventType = "creation"
	EventDecision   EventType = "decision"
	EventEscalation EventType = "escalation"
	EventTerminal   EventType = "terminal"
)

// LogEntry is an immutable audit record in the decision log.
type LogEntry struct {
	ID         int64     `json:"id"`
	InstanceID string    `json:"instance_id"`
	SeqNo      int64     `json:"seq_no"`
	StageOrder int       `json:"stage_order"`
	ActorID    string    `json:"actor_id"`
	EventType  EventType `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
	Detail     string    `json:"detail"`
}

// TimerFire identifies the stage entry an escalation timer was armed for.
type TimerFire struct {
	InstanceID string
	StageOrder int
	Anchor     time.Time
}

// WorkflowStats counts instances of one workflow per status.
type WorkflowStats struct {
	WorkflowID string `json:"workflow_id"`
	Pending    int    `json:"pending"`
	Approved   int    `json:"approved"`
	Rejected   int    `json:"rejected"`
	Expired    int    `json:"expired"`
	Cancelled  int    `json:"cancelled"`
}
