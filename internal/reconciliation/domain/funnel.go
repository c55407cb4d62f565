// Package domain contains the reconciliation engine's core business rules:
// the internal funnel vocabulary, stage-name normalization, contact identity
// keys, appointment correlation and the progress ratchet. Everything in this
// package is pure and free of I/O.
package domain

// FunnelStage is one value of the fixed internal funnel vocabulary.
type FunnelStage string

const (
	StageConsultationBooked     FunnelStage = "consultation_booked"
	StageConfirmationIssued     FunnelStage = "confirmation_issued"
	StageAwaitingCreditDecision FunnelStage = "awaiting_credit_decision"
	StageContractSigned         FunnelStage = "contract_signed"
	StagePayoutReceived         FunnelStage = "payout_received"

	// StageBlocked is terminal and sits outside the funnel ordering. A lead
	// may accumulate it at any point, including after contract_signed.
	StageBlocked FunnelStage = "blocked"
)

// funnelOrder is the progression order. blocked is deliberately absent.
var funnelOrder = []FunnelStage{
	StageConsultationBooked,
	StageConfirmationIssued,
	StageAwaitingCreditDecision,
	StageContractSigned,
	StagePayoutReceived,
}

// OrderedStages returns the funnel stages in progression order, excluding blocked.
func OrderedStages() []FunnelStage {
	stages := make([]FunnelStage, len(funnelOrder))
	copy(stages, funnelOrder)
	return stages
}

// Rank returns the position of a stage in the funnel ordering.
// blocked and unknown stages have no rank.
func (s FunnelStage) Rank() (int, bool) {
	for i, stage := range funnelOrder {
		if stage == s {
			return i, true
		}
	}
	return 0, false
}

// IsKnown reports whether s belongs to the internal vocabulary.
func (s FunnelStage) IsKnown() bool {
	if s == StageBlocked {
		return true
	}
	_, ok := s.Rank()
	return ok
}

// Implied returns every stage a new observation of s marks as reached:
// a funnel stage implies itself and all earlier stages, blocked implies
// only itself.
func (s FunnelStage) Implied() []FunnelStage {
	if s == StageBlocked {
		return []FunnelStage{StageBlocked}
	}

	rank, ok := s.Rank()
	if !ok {
		return nil
	}

	implied := make([]FunnelStage, 0, rank+1)
	for i := 0; i <= rank; i++ {
		implied = append(implied, funnelOrder[i])
	}
	return implied
}

// AtLeast reports whether s is a ranked funnel stage at or beyond other.
func (s FunnelStage) AtLeast(other FunnelStage) bool {
	rank, ok := s.Rank()
	if !ok {
		return false
	}
	otherRank, ok := other.Rank()
	if !ok {
		return false
	}
	return rank >= otherRank
}
