package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Normalize sorts stages by order and fills defaults for omitted fields:
// version 1 and quorum "any". It does not validate.
func (d *WorkflowDefinition) Normalize() {
	if d.Version == 0 {
		d.Version = 1
	}
	d.Type = WorkflowType(strings.ToLower(string(d.Type)))
	sort.SliceStable(d.Stages, func(i, j int) bool {
		return d.Stages[i].Order < d.Stages[j].Order
	})
	for i := range d.Stages {
		s := &d.Stages[i]
		if s.Quorum == "" {
			s.Quorum = QuorumAny
		}
		s.Quorum = Quorum(strings.ToLower(string(s.Quorum)))
	}
}

// Validate checks the structural invariants of a definition. Stages must be
// ordered 1..N without gaps or duplicates, and every stage needs at least one
// approver. All problems are reported together.
func (d *WorkflowDefinition) Validate() error {
	var problems []string

	if d.ID == "" {
		problems = append(problems, "id is required")
	}
	if d.Name == "" {
		problems = append(problems, "name is required")
	}
	if !d.Type.Valid() {
		problems = append(problems, fmt.Sprintf("type %q is not one of discount, deal, contract, ticket, custom", d.Type))
	}
	if d.Version < 1 {
		problems = append(problems, "version must be positive")
	}
	for i, c := range d.TriggerConditions {
		if c.Field == "" {
			problems = append(problems, fmt.Sprintf("trigger condition %d: field is required", i))
		}
	}

	if len(d.Stages) == 0 {
		problems = append(problems, "at least one stage is required")
	}
	for i := range d.Stages {
		s := &d.Stages[i]
		if s.Order != i+1 {
			problems = append(problems, fmt.Sprintf("stage %q: order %d, want %d (orders must be contiguous from 1)", s.Name, s.Order, i+1))
		}
		problems = append(problems, s.problems()...)
	}

	if len(problems) > 0 {
		return ErrInvalidDefinition.Detail("%s: %s", d.ID, strings.Join(problems, "; "))
	}
	return nil
}

func (s *StageDefinition) problems() []string {
	var problems []string
	label := fmt.Sprintf("stage %d", s.Order)

	if s.Name == "" {
		problems = append(problems, label+": name is required")
	}
	if len(s.Approvers) == 0 {
		problems = append(problems, label+": at least one approver is required")
	}
	seen := make(map[string]bool, len(s.Approvers))
	for _, a := range s.Approvers {
		if a.ID == "" {
			problems = append(problems, label+": approver id is required")
			continue
		}
		if seen[a.ID] {
			problems = append(problems, fmt.Sprintf("%s: duplicate approver %q", label, a.ID))
		}
		seen[a.ID] = true
	}
	if !s.Quorum.Valid() {
		problems = append(problems, fmt.Sprintf("%s: quorum %q is not one of any, all, majority", label, s.Quorum))
	}
	if s.EscalationWindow < 0 {
		problems = append(problems, label+": escalation_window must not be negative")
	}
	if s.EscalateTo != "" {
		if s.EscalationWindow == 0 {
			problems = append(problems, label+": escalate_to requires an escalation_window")
		}
		if seen[s.EscalateTo] {
			problems = append(problems, fmt.Sprintf("%s: escalate_to %q must not be one of the stage approvers", label, s.EscalateTo))
		}
	}
	return problems
}
