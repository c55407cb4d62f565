package domain

import "time"

// StageFlags is the per-lead high-water mark of the funnel: one flag per
// stage plus the timestamp at which it was first reached. Flags only ever
// transition false to true and a set timestamp is never rewritten.
type StageFlags struct {
	Consultation     bool
	ConsultationAt   *time.Time
	Confirmation     bool
	ConfirmationAt   *time.Time
	AwaitingCredit   bool
	AwaitingCreditAt *time.Time
	Contract         bool
	ContractAt       *time.Time
	Payout           bool
	PayoutAt         *time.Time
	Blocked          bool
	BlockedAt        *time.Time
}

// flag returns pointers to the flag and timestamp slot for a stage.
func (f *StageFlags) flag(stage FunnelStage) (*bool, **time.Time) {
	switch stage {
	case StageConsultationBooked:
		return &f.Consultation, &f.ConsultationAt
	case StageConfirmationIssued:
		return &f.Confirmation, &f.ConfirmationAt
	case StageAwaitingCreditDecision:
		return &f.AwaitingCredit, &f.AwaitingCreditAt
	case StageContractSigned:
		return &f.Contract, &f.ContractAt
	case StagePayoutReceived:
		return &f.Payout, &f.PayoutAt
	case StageBlocked:
		return &f.Blocked, &f.BlockedAt
	}
	return nil, nil
}

// Reached reports whether the flag for a stage is set.
func (f StageFlags) Reached(stage FunnelStage) bool {
	set, _ := (&f).flag(stage)
	if set == nil {
		return false
	}
	return *set
}

// LeadState is the subset of a lead record the reconciliation engine reads
// and conditionally rewrites. Identity fields (email, phone) are never part
// of it; matching happens before the ratchet runs.
type LeadState struct {
	OpportunityID         *string
	CRMContactID          *string
	PipelineStage         *string
	PipelineUpdatedAt     *time.Time
	Flags                 StageFlags
	AppointmentDate       *time.Time
	AppointmentOccurred   *bool
	AppointmentOccurredAt *time.Time
}

// Observation is one reconciled sighting of a lead in the upstream CRM:
// the opportunity's stage resolved through the stage map, the upstream
// updated_at as the authoritative timestamp, and optional appointment facts.
type Observation struct {
	OpportunityID string
	ContactID     string
	Stage         FunnelStage
	StageMapped   bool
	StoredStage   string
	SourceTime    time.Time
	Appointment   *AppointmentFacts
}

// Advance applies one observation to a lead's current state and returns the
// new state plus whether anything actually changed. The returned state obeys
// the ratchet rules:
//
//   - flags only turn on, via the implied-stage closure of the observed
//     stage (blocked implies nothing but itself);
//   - a reached-at timestamp is written once, from the observation's
//     upstream source time, never from the wall clock;
//   - a raw stage "earlier" than an already reached stage clears nothing,
//     upstream regressions are treated as CRM noise;
//   - appointment facts merge first-write-wins, except that a recorded
//     appointment_occurred=false may still upgrade to true.
//
// Linkage fields (opportunity id, stored stage, pipeline updated_at) mirror
// the latest observation and count as changes when they drift. Running the
// same observation twice therefore reports changed=false the second time.
func Advance(current LeadState, obs Observation) (LeadState, bool) {
	next := current
	changed := false

	if obs.OpportunityID != "" && (next.OpportunityID == nil || *next.OpportunityID != obs.OpportunityID) {
		id := obs.OpportunityID
		next.OpportunityID = &id
		changed = true
	}
	if obs.ContactID != "" && (next.CRMContactID == nil || *next.CRMContactID != obs.ContactID) {
		id := obs.ContactID
		next.CRMContactID = &id
		changed = true
	}
	if obs.StoredStage != "" && (next.PipelineStage == nil || *next.PipelineStage != obs.StoredStage) {
		stage := obs.StoredStage
		next.PipelineStage = &stage
		changed = true
	}
	if !obs.SourceTime.IsZero() && (next.PipelineUpdatedAt == nil || !next.PipelineUpdatedAt.Equal(obs.SourceTime)) {
		ts := obs.SourceTime
		next.PipelineUpdatedAt = &ts
		changed = true
	}

	if obs.StageMapped {
		for _, implied := range obs.Stage.Implied() {
			set, at := next.Flags.flag(implied)
			if set == nil {
				continue
			}
			if !*set {
				*set = true
				changed = true
			}
			if *at == nil && !obs.SourceTime.IsZero() {
				ts := obs.SourceTime
				*at = &ts
				changed = true
			}
		}
	}

	if obs.Appointment != nil {
		changed = mergeAppointment(&next, *obs.Appointment) || changed
	}

	return next, changed
}

func mergeAppointment(state *LeadState, facts AppointmentFacts) bool {
	changed := false

	if state.AppointmentDate == nil && !facts.Date.IsZero() {
		date := facts.Date
		state.AppointmentDate = &date
		changed = true
	}

	if facts.Occurred != nil {
		switch {
		case state.AppointmentOccurred == nil:
			occurred := *facts.Occurred
			state.AppointmentOccurred = &occurred
			changed = true
		case !*state.AppointmentOccurred && *facts.Occurred:
			occurred := true
			state.AppointmentOccurred = &occurred
			changed = true
		}
	}

	if state.AppointmentOccurredAt == nil && facts.OccurredAt != nil &&
		state.AppointmentOccurred != nil && *state.AppointmentOccurred {
		ts := *facts.OccurredAt
		state.AppointmentOccurredAt = &ts
		changed = true
	}

	return changed
}
