// Package transport defines the request and response shapes of the
// reconciliation HTTP surface.
package transport

import (
	"github.com/google/uuid"

	"maklerportal_backend/internal/reconciliation/service"
)

// TriggerRunRequest optionally narrows a triggered pass to one lead or one
// property grouping. An empty body runs the full pool.
type TriggerRunRequest struct {
	LeadID      *string `json:"leadId" validate:"omitempty,uuid"`
	PropertyRef *string `json:"propertyRef" validate:"omitempty,min=1,max=128"`
}

// ToRunOptions converts the validated request into service run options.
func (r TriggerRunRequest) ToRunOptions() (service.RunOptions, error) {
	opts := service.RunOptions{PropertyRef: r.PropertyRef}

	if r.LeadID != nil {
		id, err := uuid.Parse(*r.LeadID)
		if err != nil {
			return service.RunOptions{}, err
		}
		opts.LeadID = &id
	}

	return opts, nil
}

// RunResponse wraps the run summary for the HTTP caller.
type RunResponse struct {
	Run service.RunSummary `json:"run"`
}
