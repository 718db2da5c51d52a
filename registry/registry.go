package registry

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
)

// RegisteredPatient is an actively monitored (patient, encounter) pair.
// At most one active registration exists per patient.
type RegisteredPatient struct {
	PatientID   string    `json:"patientId"`
	EncounterID string    `json:"encounterId"`
	PracticeID  string    `json:"practiceId"`
	WorkItemID  string    `json:"workItemId"`
	RegisteredAt time.Time `json:"registeredAt"`
	// LastPolledAt is set by the polling loop on every completed poll.
	LastPolledAt *time.Time `json:"lastPolledAt,omitempty"`
	// CurrentEncounterStatus is the encounter status observed on the last poll,
	// nil until the first successful poll.
	CurrentEncounterStatus *string `json:"currentEncounterStatus,omitempty"`
}

// PatientRegistry tracks the patients whose encounters are being watched.
type PatientRegistry interface {
	// Register upserts a registration, replacing any prior active one for the same patient.
	Register(ctx context.Context, patient RegisteredPatient) error
	// GetActive returns all registrations still within the active window.
	GetActive(ctx context.Context) ([]RegisteredPatient, error)
	// Get returns the active registration for the patient, if any.
	Get(ctx context.Context, patientID string) (*RegisteredPatient, error)
	// Unregister removes the registration. Removing an absent patient is a no-op.
	Unregister(ctx context.Context, patientID string) error
	// UpdatePollState records polling bookkeeping. It returns false if the
	// patient was concurrently removed, in which case nothing is written.
	UpdatePollState(ctx context.Context, patientID string, lastPolledAt time.Time, encounterStatus *string) (bool, error)
}

const DefaultActiveWindow = 12 * time.Hour

var _ PatientRegistry = &InMemoryRegistry{}

// InMemoryRegistry keeps registrations in a TTL cache: entries older than the
// active window silently disappear from reads, no eager sweep required.
type InMemoryRegistry struct {
	// mux serializes writers; readers go straight to the cache.
	mux     sync.Mutex
	entries *ttlcache.Cache[string, RegisteredPatient]
}

func NewInMemoryRegistry(activeWindow time.Duration) *InMemoryRegistry {
	if activeWindow <= 0 {
		activeWindow = DefaultActiveWindow
	}
	return &InMemoryRegistry{
		entries: ttlcache.New[string, RegisteredPatient](
			ttlcache.WithTTL[string, RegisteredPatient](activeWindow),
			// The window is measured from registration, reads must not extend it.
			ttlcache.WithDisableTouchOnHit[string, RegisteredPatient](),
		),
	}
}

func (r *InMemoryRegistry) Register(ctx context.Context, patient RegisteredPatient) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if existing := r.entries.Get(patient.PatientID); existing != nil {
		log.Ctx(ctx).Info().Msgf("Replacing active registration for patient %s (encounter %s -> %s)",
			patient.PatientID, existing.Value().EncounterID, patient.EncounterID)
	}
	r.entries.Set(patient.PatientID, patient, ttlcache.DefaultTTL)
	return nil
}

func (r *InMemoryRegistry) GetActive(_ context.Context) ([]RegisteredPatient, error) {
	items := r.entries.Items()
	result := make([]RegisteredPatient, 0, len(items))
	for _, item := range items {
		result = append(result, item.Value())
	}
	return result, nil
}

func (r *InMemoryRegistry) Get(_ context.Context, patientID string) (*RegisteredPatient, error) {
	item := r.entries.Get(patientID)
	if item == nil {
		return nil, nil
	}
	value := item.Value()
	return &value, nil
}

func (r *InMemoryRegistry) Unregister(_ context.Context, patientID string) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.entries.Delete(patientID)
	return nil
}

func (r *InMemoryRegistry) UpdatePollState(_ context.Context, patientID string, lastPolledAt time.Time, encounterStatus *string) (bool, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	item := r.entries.Get(patientID)
	if item == nil {
		return false, nil
	}
	entry := item.Value()
	entry.LastPolledAt = &lastPolledAt
	if encounterStatus != nil {
		entry.CurrentEncounterStatus = encounterStatus
	}
	// Re-setting refreshes the TTL, so restore the remaining window.
	remaining := time.Until(item.ExpiresAt())
	if remaining <= 0 {
		return false, nil
	}
	r.entries.Set(patientID, entry, remaining)
	return true, nil
}
