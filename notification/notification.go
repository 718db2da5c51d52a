package notification

import "time"

// Type discriminates the dashboard notification payloads.
type Type string

const (
	TypeWorkItemStatusChanged Type = "WORK_ITEM_STATUS_CHANGED"
	TypePAFormReady           Type = "PA_FORM_READY"
	TypeProcessingError       Type = "PROCESSING_ERROR"
	TypePatientRegistered     Type = "PATIENT_REGISTERED"
)

// Notification is a dashboard-facing event. Message must never contain
// raw upstream error text.
type Notification struct {
	Type             Type      `json:"type"`
	WorkItemID       string    `json:"workItemId,omitempty"`
	EncounterID      string    `json:"encounterId,omitempty"`
	PatientID        string    `json:"patientId,omitempty"`
	Message          string    `json:"message,omitempty"`
	NewStatus        string    `json:"newStatus,omitempty"`
	ServiceRequestID string    `json:"serviceRequestId,omitempty"`
	ProcedureCode    string    `json:"procedureCode,omitempty"`
	TransactionID    string    `json:"transactionId,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}
