package intake

import (
	"time"

	"github.com/priorauth/gateway/events"
	"github.com/priorauth/gateway/messaging"
)

// EncounterCompletedQueue carries completion events from the poller to the
// processor. With the in-memory broker this is an in-process hand-off; with
// Azure Service Bus it is a durable queue.
var EncounterCompletedQueue = messaging.Entity{
	Name:   "encounter-completed",
	Prefix: true,
}

var _ events.Type = &EncounterCompletedEvent{}

// EncounterCompletedEvent signals that a monitored encounter reached the
// "finished" status and its work item is ready for processing.
type EncounterCompletedEvent struct {
	PatientID   string    `json:"patientId"`
	EncounterID string    `json:"encounterId"`
	PracticeID  string    `json:"practiceId"`
	WorkItemID  string    `json:"workItemId"`
	CompletedAt time.Time `json:"completedAt"`
}

func (e *EncounterCompletedEvent) Entity() messaging.Entity {
	return EncounterCompletedQueue
}

func (e *EncounterCompletedEvent) Instance() events.Type {
	return &EncounterCompletedEvent{}
}
