package scheduler

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const TaskReconcileRun = "crm.reconcile"

// uniqueWindow deduplicates identical queued runs for this long.
const uniqueWindow = 10 * time.Minute

// ReconcileRunPayload carries the optional scoping of a queued pass. Empty
// fields mean a full-pool run.
type ReconcileRunPayload struct {
	LeadID      string `json:"leadId,omitempty"`
	PropertyRef string `json:"propertyRef,omitempty"`
}

func NewReconcileRunTask(payload ReconcileRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileRun, data), nil
}

func ParseReconcileRunPayload(task *asynq.Task) (ReconcileRunPayload, error) {
	var payload ReconcileRunPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ReconcileRunPayload{}, err
	}
	return payload, nil
}
