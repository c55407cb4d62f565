package domain

import (
	"strings"
	"time"
)

// Appointment is one calendar event for a contact, as reported by the CRM.
type Appointment struct {
	ContactID string
	StartTime time.Time
	EndTime   time.Time
	Status    string
}

// missedStatuses are calendar statuses under which a past appointment is not
// treated as having taken place.
var missedStatuses = map[string]struct{}{
	"cancelled": {},
	"canceled":  {},
	"noshow":    {},
	"no-show":   {},
	"no_show":   {},
	"invalid":   {},
}

func statusIndicatesMissed(status string) bool {
	_, ok := missedStatuses[strings.ToLower(strings.TrimSpace(status))]
	return ok
}

// SelectLatestPerContact reduces all observed calendar events to one
// appointment per contact: the one with the latest start time. A later
// observation replaces an earlier one only when its start is strictly later,
// so re-reading the same window is stable.
func SelectLatestPerContact(appointments []Appointment) map[string]Appointment {
	selected := make(map[string]Appointment)
	for _, appt := range appointments {
		if appt.ContactID == "" || appt.StartTime.IsZero() {
			continue
		}
		current, ok := selected[appt.ContactID]
		if !ok || appt.StartTime.After(current.StartTime) {
			selected[appt.ContactID] = appt
		}
	}
	return selected
}

// AppointmentFacts is the correlator's per-contact output. Occurred is nil
// when none of the heuristics applies; the ratchet merges every field
// first-write-wins against the lead's existing appointment data.
type AppointmentFacts struct {
	Date       time.Time
	Occurred   *bool
	OccurredAt *time.Time
}

// CorrelateAppointment derives whether the contact's appointment has taken
// place. The heuristics overlap and their precedence is business-defined;
// they are evaluated in exactly this order:
//
//  1. The appointment started in the past, its status is neither cancelled
//     nor no-show, and the observed stage is not blocked.
//  2. The observed stage has advanced past the consultation stage; presence
//     later in the pipeline implies the meeting happened, no time check.
//  3. The observed stage is blocked but the lead had already reached the
//     consultation stage: the block happened after the meeting, not instead
//     of it.
//
// sourceTime is the upstream opportunity's updated_at and is used for the
// stage-derived timestamps so re-runs remain historically accurate; now is
// only consulted for the is-in-the-past check.
func CorrelateAppointment(appt Appointment, stage FunnelStage, stageMapped bool, reachedConsultation bool, sourceTime time.Time, now time.Time) AppointmentFacts {
	facts := AppointmentFacts{Date: appt.StartTime}

	occurredAt := func(ts time.Time) *time.Time {
		v := ts
		return &v
	}
	occurred := func(v bool) *bool {
		b := v
		return &b
	}

	if appt.StartTime.Before(now) && !statusIndicatesMissed(appt.Status) && !(stageMapped && stage == StageBlocked) {
		facts.Occurred = occurred(true)
		facts.OccurredAt = occurredAt(appt.StartTime)
		return facts
	}

	if stageMapped && stage.AtLeast(StageConfirmationIssued) {
		facts.Occurred = occurred(true)
		facts.OccurredAt = occurredAt(sourceTime)
		return facts
	}

	if stageMapped && stage == StageBlocked && reachedConsultation {
		facts.Occurred = occurred(true)
		facts.OccurredAt = occurredAt(sourceTime)
		return facts
	}

	return facts
}
