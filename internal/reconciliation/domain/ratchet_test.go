package domain

import (
	"testing"
	"time"
)

var (
	runOneTime = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	runTwoTime = time.Date(2026, 2, 20, 16, 30, 0, 0, time.UTC)
)

func consultationObservation(ts time.Time) Observation {
	return Observation{
		OpportunityID: "opp-1",
		ContactID:     "contact-1",
		Stage:         StageConsultationBooked,
		StageMapped:   true,
		StoredStage:   string(StageConsultationBooked),
		SourceTime:    ts,
	}
}

func TestAdvanceSetsImpliedStagesWithSourceTime(t *testing.T) {
	obs := Observation{
		OpportunityID: "opp-1",
		ContactID:     "contact-1",
		Stage:         StageContractSigned,
		StageMapped:   true,
		StoredStage:   string(StageContractSigned),
		SourceTime:    runOneTime,
	}

	next, changed := Advance(LeadState{}, obs)
	if !changed {
		t.Fatal("expected a change on first observation")
	}

	for _, stage := range []FunnelStage{StageConsultationBooked, StageConfirmationIssued, StageAwaitingCreditDecision, StageContractSigned} {
		if !next.Flags.Reached(stage) {
			t.Errorf("stage %q should be reached", stage)
		}
	}
	if next.Flags.Payout {
		t.Error("payout must not be implied by contract_signed")
	}
	if next.Flags.Blocked {
		t.Error("blocked must not be implied by funnel stages")
	}
	if next.Flags.ContractAt == nil || !next.Flags.ContractAt.Equal(runOneTime) {
		t.Errorf("contract timestamp should be the upstream source time, got %v", next.Flags.ContractAt)
	}
	if next.PipelineStage == nil || *next.PipelineStage != string(StageContractSigned) {
		t.Errorf("pipeline stage should mirror the stored stage, got %v", next.PipelineStage)
	}
}

func TestAdvanceFirstWriteWinsTimestamps(t *testing.T) {
	state, _ := Advance(LeadState{}, consultationObservation(runOneTime))

	// Later run re-observes the same lead further down the funnel.
	obs := Observation{
		OpportunityID: "opp-1",
		ContactID:     "contact-1",
		Stage:         StageContractSigned,
		StageMapped:   true,
		StoredStage:   string(StageContractSigned),
		SourceTime:    runTwoTime,
	}
	next, changed := Advance(state, obs)
	if !changed {
		t.Fatal("expected new stages to register as a change")
	}

	if next.Flags.ConsultationAt == nil || !next.Flags.ConsultationAt.Equal(runOneTime) {
		t.Errorf("consultation timestamp must keep its first-observed value, got %v", next.Flags.ConsultationAt)
	}
	if next.Flags.ContractAt == nil || !next.Flags.ContractAt.Equal(runTwoTime) {
		t.Errorf("contract timestamp should come from the run that first observed it, got %v", next.Flags.ContractAt)
	}
}

func TestAdvanceNeverRegresses(t *testing.T) {
	obs := Observation{
		OpportunityID: "opp-1",
		ContactID:     "contact-1",
		Stage:         StagePayoutReceived,
		StageMapped:   true,
		StoredStage:   string(StagePayoutReceived),
		SourceTime:    runOneTime,
	}
	state, _ := Advance(LeadState{}, obs)

	// Upstream reports an earlier stage afterwards. Treated as noise: the
	// stored stage mirrors it but no flag is cleared.
	next, _ := Advance(state, consultationObservation(runTwoTime))

	for _, stage := range OrderedStages() {
		if !next.Flags.Reached(stage) {
			t.Errorf("stage %q must stay reached after a raw-stage regression", stage)
		}
	}
	if next.Flags.PayoutAt == nil || !next.Flags.PayoutAt.Equal(runOneTime) {
		t.Errorf("payout timestamp must survive the regression, got %v", next.Flags.PayoutAt)
	}
	if next.PipelineStage == nil || *next.PipelineStage != string(StageConsultationBooked) {
		t.Errorf("stored stage should still mirror the latest raw observation, got %v", next.PipelineStage)
	}
}

func TestAdvanceIsIdempotent(t *testing.T) {
	obs := consultationObservation(runOneTime)

	state, changed := Advance(LeadState{}, obs)
	if !changed {
		t.Fatal("first application should change the lead")
	}

	again, changed := Advance(state, obs)
	if changed {
		t.Fatal("re-applying the identical observation must report no change")
	}
	if again.Flags.ConsultationAt == nil || !again.Flags.ConsultationAt.Equal(runOneTime) {
		t.Errorf("timestamp drifted on re-run: %v", again.Flags.ConsultationAt)
	}
}

func TestAdvanceBlockedIsIndependent(t *testing.T) {
	obs := Observation{
		OpportunityID: "opp-1",
		ContactID:     "contact-1",
		Stage:         StageBlocked,
		StageMapped:   true,
		StoredStage:   string(StageBlocked),
		SourceTime:    runOneTime,
	}

	next, _ := Advance(LeadState{}, obs)
	if !next.Flags.Blocked {
		t.Fatal("blocked flag should be set")
	}
	for _, stage := range OrderedStages() {
		if next.Flags.Reached(stage) {
			t.Errorf("blocked must not imply funnel stage %q", stage)
		}
	}

	// Blocked may also accumulate after contract_signed; that is business
	// reality, not a contradiction.
	contract := Observation{
		OpportunityID: "opp-1",
		ContactID:     "contact-1",
		Stage:         StageContractSigned,
		StageMapped:   true,
		StoredStage:   string(StageContractSigned),
		SourceTime:    runOneTime,
	}
	state, _ := Advance(LeadState{}, contract)
	state, _ = Advance(state, obs)
	if !state.Flags.Blocked || !state.Flags.Contract {
		t.Error("blocked after contract_signed should leave both flags set")
	}
}

func TestAdvanceUnmappedStageIsInformationalOnly(t *testing.T) {
	obs := Observation{
		OpportunityID: "opp-1",
		ContactID:     "contact-1",
		StageMapped:   false,
		StoredStage:   "Erstkontakt 👋",
		SourceTime:    runOneTime,
	}

	next, changed := Advance(LeadState{}, obs)
	if !changed {
		t.Fatal("linkage drift should count as a change")
	}
	if next.PipelineStage == nil || *next.PipelineStage != "Erstkontakt 👋" {
		t.Errorf("raw label should be stored verbatim, got %v", next.PipelineStage)
	}
	for _, stage := range append(OrderedStages(), StageBlocked) {
		if next.Flags.Reached(stage) {
			t.Errorf("unmapped stage must not drive flag %q", stage)
		}
	}
}

func TestAdvanceMergesAppointmentFirstWriteWins(t *testing.T) {
	firstDate := runOneTime.Add(24 * time.Hour)
	unknown := AppointmentFacts{Date: firstDate}

	obs := consultationObservation(runOneTime)
	obs.Appointment = &unknown

	state, _ := Advance(LeadState{}, obs)
	if state.AppointmentDate == nil || !state.AppointmentDate.Equal(firstDate) {
		t.Fatalf("appointment date should be recorded on first observation")
	}
	if state.AppointmentOccurred != nil {
		t.Fatal("unknown occurrence must stay null")
	}

	// A later run sees a rescheduled appointment and a held meeting. The
	// date keeps its first value; occurred upgrades and is stamped once.
	laterDate := runTwoTime.Add(24 * time.Hour)
	occurred := true
	occurredAt := runTwoTime
	held := AppointmentFacts{Date: laterDate, Occurred: &occurred, OccurredAt: &occurredAt}

	obs2 := consultationObservation(runOneTime)
	obs2.Appointment = &held

	next, changed := Advance(state, obs2)
	if !changed {
		t.Fatal("occurrence upgrade should count as a change")
	}
	if !next.AppointmentDate.Equal(firstDate) {
		t.Errorf("appointment date must not be overwritten, got %v", next.AppointmentDate)
	}
	if next.AppointmentOccurred == nil || !*next.AppointmentOccurred {
		t.Error("occurred should upgrade to true")
	}
	if next.AppointmentOccurredAt == nil || !next.AppointmentOccurredAt.Equal(runTwoTime) {
		t.Errorf("occurred-at should be stamped once, got %v", next.AppointmentOccurredAt)
	}

	// Re-applying changes nothing further.
	if _, changed := Advance(next, obs2); changed {
		t.Error("identical appointment facts must be a no-op")
	}
}
