// Package transport defines the upstream CRM wire shapes and one parse
// function per payload. Parsing fails closed: a payload that does not decode
// is an error at this boundary and never propagates untyped data into the
// reconciliation logic.
package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// Pipeline is one CRM-defined funnel with its ordered stages.
type Pipeline struct {
	ID     string
	Name   string
	Stages []PipelineStage
}

// PipelineStage is one step of a pipeline. Name is free-form and in the
// source locale; ID is stable.
type PipelineStage struct {
	ID   string
	Name string
}

// Opportunity is the CRM's representation of a financing deal. UpdatedAt is
// the authoritative time of the CRM's last stage change.
type Opportunity struct {
	ID         string
	PipelineID string
	StageID    string
	ContactID  string
	UpdatedAt  time.Time
}

// Contact carries the identity fields used for lead matching.
type Contact struct {
	ID    string
	Email string
	Phone string
}

// Calendar is one bookable calendar in the CRM location.
type Calendar struct {
	ID   string
	Name string
}

// CalendarEvent is one appointment in a calendar.
type CalendarEvent struct {
	ID        string
	ContactID string
	StartTime time.Time
	EndTime   time.Time
	Status    string
}

// TokenSet is the OAuth token response of the CRM.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

type wirePipeline struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Stages []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"stages"`
}

type wireOpportunity struct {
	ID              string `json:"id"`
	PipelineID      string `json:"pipelineId"`
	PipelineStageID string `json:"pipelineStageId"`
	ContactID       string `json:"contactId"`
	Contact         *struct {
		ID string `json:"id"`
	} `json:"contact"`
	UpdatedAt string `json:"updatedAt"`
}

func (w wireOpportunity) toOpportunity() Opportunity {
	contactID := w.ContactID
	if contactID == "" && w.Contact != nil {
		contactID = w.Contact.ID
	}
	return Opportunity{
		ID:         w.ID,
		PipelineID: w.PipelineID,
		StageID:    w.PipelineStageID,
		ContactID:  contactID,
		UpdatedAt:  parseTimestamp(w.UpdatedAt),
	}
}

// parseTimestamp tolerates the two timestamp formats the CRM emits.
// A zero time marks an absent or undecodable value.
func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

// ParsePipelines decodes the pipeline listing payload.
func ParsePipelines(body []byte) ([]Pipeline, error) {
	var payload struct {
		Pipelines []wirePipeline `json:"pipelines"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode pipelines payload: %w", err)
	}

	pipelines := make([]Pipeline, 0, len(payload.Pipelines))
	for _, wire := range payload.Pipelines {
		if wire.ID == "" {
			continue
		}
		pipeline := Pipeline{ID: wire.ID, Name: wire.Name}
		for _, stage := range wire.Stages {
			if stage.ID == "" {
				continue
			}
			pipeline.Stages = append(pipeline.Stages, PipelineStage{ID: stage.ID, Name: stage.Name})
		}
		pipelines = append(pipelines, pipeline)
	}
	return pipelines, nil
}

// OpportunityPage is one page of the bulk opportunity search.
type OpportunityPage struct {
	Opportunities []Opportunity
	NextPage      int
	Total         int
}

// ParseOpportunitySearch decodes one page of the bulk search payload.
func ParseOpportunitySearch(body []byte) (OpportunityPage, error) {
	var payload struct {
		Opportunities []wireOpportunity `json:"opportunities"`
		Meta          struct {
			NextPage int `json:"nextPage"`
			Total    int `json:"total"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return OpportunityPage{}, fmt.Errorf("decode opportunity search payload: %w", err)
	}

	page := OpportunityPage{NextPage: payload.Meta.NextPage, Total: payload.Meta.Total}
	for _, wire := range payload.Opportunities {
		if wire.ID == "" {
			continue
		}
		page.Opportunities = append(page.Opportunities, wire.toOpportunity())
	}
	return page, nil
}

// ParseOpportunityListing decodes the fallback per-pipeline listing payload.
func ParseOpportunityListing(body []byte) ([]Opportunity, error) {
	var payload struct {
		Opportunities []wireOpportunity `json:"opportunities"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode opportunity listing payload: %w", err)
	}

	opportunities := make([]Opportunity, 0, len(payload.Opportunities))
	for _, wire := range payload.Opportunities {
		if wire.ID == "" {
			continue
		}
		opportunities = append(opportunities, wire.toOpportunity())
	}
	return opportunities, nil
}

// ParseContact decodes the contact-by-id payload.
func ParseContact(body []byte) (Contact, error) {
	var payload struct {
		Contact struct {
			ID    string `json:"id"`
			Email string `json:"email"`
			Phone string `json:"phone"`
		} `json:"contact"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Contact{}, fmt.Errorf("decode contact payload: %w", err)
	}
	if payload.Contact.ID == "" {
		return Contact{}, fmt.Errorf("contact payload missing id")
	}
	return Contact{
		ID:    payload.Contact.ID,
		Email: payload.Contact.Email,
		Phone: payload.Contact.Phone,
	}, nil
}

// ParseCalendars decodes the calendar listing payload.
func ParseCalendars(body []byte) ([]Calendar, error) {
	var payload struct {
		Calendars []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"calendars"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode calendars payload: %w", err)
	}

	calendars := make([]Calendar, 0, len(payload.Calendars))
	for _, wire := range payload.Calendars {
		if wire.ID == "" {
			continue
		}
		calendars = append(calendars, Calendar{ID: wire.ID, Name: wire.Name})
	}
	return calendars, nil
}

// ParseCalendarEvents decodes the calendar-events-by-range payload.
func ParseCalendarEvents(body []byte) ([]CalendarEvent, error) {
	var payload struct {
		Events []struct {
			ID                string `json:"id"`
			ContactID         string `json:"contactId"`
			StartTime         string `json:"startTime"`
			EndTime           string `json:"endTime"`
			AppointmentStatus string `json:"appointmentStatus"`
		} `json:"events"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode calendar events payload: %w", err)
	}

	events := make([]CalendarEvent, 0, len(payload.Events))
	for _, wire := range payload.Events {
		if wire.ID == "" {
			continue
		}
		events = append(events, CalendarEvent{
			ID:        wire.ID,
			ContactID: wire.ContactID,
			StartTime: parseTimestamp(wire.StartTime),
			EndTime:   parseTimestamp(wire.EndTime),
			Status:    wire.AppointmentStatus,
		})
	}
	return events, nil
}

// ParseTokenSet decodes the OAuth token response.
func ParseTokenSet(body []byte) (TokenSet, error) {
	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return TokenSet{}, fmt.Errorf("decode token payload: %w", err)
	}
	if payload.AccessToken == "" {
		return TokenSet{}, fmt.Errorf("token payload missing access_token")
	}
	return TokenSet{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresIn:    payload.ExpiresIn,
	}, nil
}
