package workitem

import (
	"context"
	"time"
)

// Status is the review state of a prior-authorization work item.
type Status string

const (
	// StatusPending is the initial status, set at registration.
	StatusPending Status = "Pending"
	// StatusReadyForReview means the analysis produced a recommendation for a reviewer.
	StatusReadyForReview Status = "ReadyForReview"
	// StatusMissingData means the analysis needs additional clinical information.
	StatusMissingData Status = "MissingData"
	// StatusPayerRequirementsNotMet means the payer's policy criteria were not satisfied.
	StatusPayerRequirementsNotMet Status = "PayerRequirementsNotMet"
	// StatusNoPaRequired means the payer does not require prior authorization for the procedure.
	StatusNoPaRequired Status = "NoPaRequired"
	// StatusSubmitted means the stamped form was uploaded to the payer.
	StatusSubmitted Status = "Submitted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReadyForReview, StatusMissingData,
		StatusPayerRequirementsNotMet, StatusNoPaRequired, StatusSubmitted:
		return true
	}
	return false
}

// WorkItem is the prior-authorization case record tracked through review.
// Work items are never deleted in normal operation.
type WorkItem struct {
	ID               string     `json:"id"`
	EncounterID      string     `json:"encounterId"`
	PatientID        string     `json:"patientId"`
	ServiceRequestID *string    `json:"serviceRequestId,omitempty"`
	ProcedureCode    *string    `json:"procedureCode,omitempty"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        *time.Time `json:"updatedAt,omitempty"`
}

// Filters narrows All. Zero values match everything.
type Filters struct {
	EncounterID string
	Status      Status
}

// Store persists work items. Duplicate completion events are possible
// (emit-then-unregister is not atomic across a crash), so repeated identical
// status transitions must be safe no-ops.
type Store interface {
	// Create inserts a new Pending work item and returns its id.
	Create(ctx context.Context, encounterID, patientID string) (string, error)
	// UpdateStatus sets only the status. It returns (false, nil) when the id is
	// unknown; that is not an error.
	UpdateStatus(ctx context.Context, id string, status Status) (bool, error)
	// Update replaces Status, ServiceRequestID and ProcedureCode, and stamps UpdatedAt.
	Update(ctx context.Context, id string, item WorkItem) (bool, error)
	GetByID(ctx context.Context, id string) (*WorkItem, error)
	GetByEncounter(ctx context.Context, encounterID string) (*WorkItem, error)
	All(ctx context.Context, filters Filters) ([]WorkItem, error)
}
