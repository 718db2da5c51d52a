package intake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/priorauth/gateway/auth"
	"github.com/priorauth/gateway/ehr"
	"github.com/priorauth/gateway/events"
	"github.com/priorauth/gateway/registry"
	"github.com/rs/zerolog/log"
)

const encounterStatusFinished = "finished"

// Recorder receives operational counters from the intake pipeline.
type Recorder interface {
	RecordPoll(result string)
	RecordCompletion()
	RecordProcessed(status string)
}

type noopRecorder struct{}

func (noopRecorder) RecordPoll(string)      {}
func (noopRecorder) RecordCompletion()      {}
func (noopRecorder) RecordProcessed(string) {}

type PollingConfig struct {
	Interval time.Duration `koanf:"interval"`
	// MaxConcurrentPolls bounds the parallel FHIR searches within one tick.
	MaxConcurrentPolls int `koanf:"maxconcurrentpolls"`
}

func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		Interval:           30 * time.Second,
		MaxConcurrentPolls: 5,
	}
}

func (c PollingConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("polling interval must be positive")
	}
	if c.MaxConcurrentPolls <= 0 {
		return fmt.Errorf("max concurrent polls must be positive")
	}
	return nil
}

// PollingService watches the encounters of registered patients and emits an
// EncounterCompletedEvent exactly once per completed encounter. Unregistering
// on emission is the dedup mechanism: an unregistered patient is never polled
// again.
type PollingService struct {
	config       PollingConfig
	registry     registry.PatientRegistry
	resolver     *auth.Resolver
	clients      *ehr.ClientFactory
	eventManager events.Manager
	recorder     Recorder

	now func() time.Time
}

func NewPollingService(config PollingConfig, patientRegistry registry.PatientRegistry, resolver *auth.Resolver,
	clients *ehr.ClientFactory, eventManager events.Manager) *PollingService {
	return &PollingService{
		config:       config,
		registry:     patientRegistry,
		resolver:     resolver,
		clients:      clients,
		eventManager: eventManager,
		recorder:     noopRecorder{},
		now:          time.Now,
	}
}

// WithRecorder replaces the no-op operational counter sink.
func (s *PollingService) WithRecorder(recorder Recorder) *PollingService {
	s.recorder = recorder
	return s
}

// Start runs the polling loop until ctx is cancelled. Ticks never overlap:
// a tick that outlasts the interval simply delays the next one.
func (s *PollingService) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		log.Ctx(ctx).Info().Msgf("Encounter polling started (interval %s)", s.config.Interval)
		for {
			select {
			case <-ctx.Done():
				log.Ctx(ctx).Info().Msg("Encounter polling stopped")
				return
			case <-ticker.C:
				s.pollAll(ctx)
			}
		}
	}()
}

// pollAll reads a fresh active list and polls each patient with bounded
// parallelism. It returns when all polls of this tick have finished.
func (s *PollingService) pollAll(ctx context.Context) {
	patients, err := s.registry.GetActive(ctx)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("Failed to read active patient registrations")
		return
	}
	if len(patients) == 0 {
		return
	}

	semaphore := make(chan struct{}, s.config.MaxConcurrentPolls)
	var waitGroup sync.WaitGroup
	for _, patient := range patients {
		waitGroup.Add(1)
		semaphore <- struct{}{}
		go func(patient registry.RegisteredPatient) {
			defer waitGroup.Done()
			defer func() { <-semaphore }()
			s.pollPatient(ctx, patient)
		}(patient)
	}
	waitGroup.Wait()
}

// pollPatient fetches the encounter status and applies the transition rule.
// A fetch failure is logged and skipped; the patient is retried next tick.
func (s *PollingService) pollPatient(ctx context.Context, patient registry.RegisteredPatient) {
	status, err := s.fetchEncounterStatus(ctx, patient)
	if err != nil {
		s.recorder.RecordPoll("error")
		log.Ctx(ctx).Warn().Err(err).
			Str("patient_id", patient.PatientID).
			Str("encounter_id", patient.EncounterID).
			Msg("Encounter poll failed, will retry next tick")
		return
	}

	s.recorder.RecordPoll("success")
	previouslyFinished := patient.CurrentEncounterStatus != nil && *patient.CurrentEncounterStatus == encounterStatusFinished
	if status == encounterStatusFinished && !previouslyFinished {
		s.emitCompletion(ctx, patient)
		return
	}

	if _, err := s.registry.UpdatePollState(ctx, patient.PatientID, s.now(), &status); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("patient_id", patient.PatientID).Msg("Failed to update poll bookkeeping")
	}
}

func (s *PollingService) fetchEncounterStatus(ctx context.Context, patient registry.RegisteredPatient) (string, error) {
	strategy := s.resolver.Resolve(ctx)
	if strategy == nil {
		return "", fmt.Errorf("no token strategy available")
	}
	token, err := strategy.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("token acquisition: %w", err)
	}
	client := s.clients.ClientWithToken(token.AccessToken)
	return ehr.EncounterStatus(ctx, client, patient.PatientID, patient.EncounterID, patient.PracticeID)
}

// emitCompletion pushes the completion event, then unregisters the patient.
// On send failure the patient stays registered and re-emits next tick. A crash
// between send and unregister duplicates the event; consumers overwrite status
// idempotently, so that is safe.
func (s *PollingService) emitCompletion(ctx context.Context, patient registry.RegisteredPatient) {
	event := &EncounterCompletedEvent{
		PatientID:   patient.PatientID,
		EncounterID: patient.EncounterID,
		PracticeID:  patient.PracticeID,
		WorkItemID:  patient.WorkItemID,
		CompletedAt: s.now(),
	}
	if err := s.eventManager.Notify(ctx, event); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("patient_id", patient.PatientID).
			Str("encounter_id", patient.EncounterID).
			Msg("Failed to emit encounter completion, will retry next tick")
		return
	}
	if err := s.registry.Unregister(ctx, patient.PatientID); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("patient_id", patient.PatientID).Msg("Failed to unregister patient after completion")
		return
	}
	s.recorder.RecordCompletion()
	log.Ctx(ctx).Info().
		Str("patient_id", patient.PatientID).
		Str("encounter_id", patient.EncounterID).
		Str("work_item_id", patient.WorkItemID).
		Msg("Encounter completed, queued for processing")
}
