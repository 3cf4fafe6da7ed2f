package workflow

import (
	"github.com/rogers-f/signoff/internal/domain"
)

// effectiveDeciders returns who may decide the current stage and under which
// quorum. Once a stage is handed off, its escalation target decides alone.
func effectiveDeciders(inst *domain.RequestInstance, stage *domain.StageDefinition) ([]string, domain.Quorum) {
	if inst.EscalatedTo != "" {
		return []string{inst.EscalatedTo}, domain.QuorumAny
	}
	return stage.ApproverIDs(), stage.Quorum
}

// isDecider reports whether actorID may decide the instance's current stage.
func isDecider(inst *domain.RequestInstance, stage *domain.StageDefinition, actorID string) bool {
	ids, _ := effectiveDeciders(inst, stage)
	for _, id := range ids {
		if id == actorID {
			return true
		}
	}
	return false
}

// authorize checks actorID against the current stage. An actor who only
// belonged to stages the instance has already left gets ErrStageAdvanced so
// late or racing callers can tell "too late" from "never allowed".
func authorize(def *domain.WorkflowDefinition, inst *domain.RequestInstance, stage *domain.StageDefinition, actorID string) error {
	if isDecider(inst, stage, actorID) {
		return nil
	}

	for _, d := range inst.Decisions {
		if d.ApproverID == actorID && d.StageOrder < inst.CurrentStageOrder {
			return domain.ErrStageAdvanced.Detail("%s decided stage %d, instance is at stage %d", actorID, d.StageOrder, inst.CurrentStageOrder)
		}
	}
	for order := 1; order < inst.CurrentStageOrder; order++ {
		if s, ok := def.Stage(order); ok && s.HasApprover(actorID) {
			return domain.ErrStageAdvanced.Detail("%s approves stage %d, instance is at stage %d", actorID, order, inst.CurrentStageOrder)
		}
	}

	if inst.EscalatedTo != "" && stage.HasApprover(actorID) {
		return domain.ErrUnauthorizedApprover.Detail("stage %d was escalated to %s", inst.CurrentStageOrder, inst.EscalatedTo)
	}
	return domain.ErrUnauthorizedApprover.Detail("%s at stage %d", actorID, inst.CurrentStageOrder)
}
