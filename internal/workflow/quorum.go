package workflow

import "github.com/rogers-f/signoff/internal/domain"

// Tally is the approval count of one stage against its quorum rule.
type Tally struct {
	Quorum    domain.Quorum
	Deciders  int
	Required  int
	Approvals int
}

// Satisfied reports whether enough distinct deciders have approved.
func (t Tally) Satisfied() bool {
	return t.Required > 0 && t.Approvals >= t.Required
}

// RequiredApprovals returns how many of n deciders must approve under q.
func RequiredApprovals(q domain.Quorum, n int) int {
	if n <= 0 {
		return 0
	}
	switch q {
	case domain.QuorumAll:
		return n
	case domain.QuorumMajority:
		return n/2 + 1
	default:
		return 1
	}
}

// tallyStage counts approvals recorded at the instance's current stage by
// its effective deciders. Repeat approvals by one decider count once.
func tallyStage(inst *domain.RequestInstance, stage *domain.StageDefinition) Tally {
	deciders, q := effectiveDeciders(inst, stage)
	allowed := make(map[string]bool, len(deciders))
	for _, id := range deciders {
		allowed[id] = true
	}

	approved := make(map[string]bool)
	for _, d := range inst.DecisionsAt(inst.CurrentStageOrder) {
		if d.Outcome == domain.OutcomeApprove && allowed[d.ApproverID] {
			approved[d.ApproverID] = true
		}
	}

	return Tally{
		Quorum:    q,
		Deciders:  len(deciders),
		Required:  RequiredApprovals(q, len(deciders)),
		Approvals: len(approved),
	}
}
