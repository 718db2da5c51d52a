package intake

import (
	"context"
	"fmt"

	"github.com/priorauth/gateway/auth"
	"github.com/priorauth/gateway/ehr"
	"github.com/priorauth/gateway/events"
	"github.com/priorauth/gateway/forms"
	"github.com/priorauth/gateway/intelligence"
	"github.com/priorauth/gateway/lib/fhirutil"
	"github.com/priorauth/gateway/lib/to"
	"github.com/priorauth/gateway/notification"
	"github.com/priorauth/gateway/workitem"
	"github.com/rs/zerolog/log"
)

type ProcessorConfig struct {
	// ProcedureCode is the target procedure the gateway prepares prior
	// authorization for.
	ProcedureCode string `koanf:"procedurecode"`
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		ProcedureCode: "72148",
	}
}

// Processor turns a completed encounter into a reviewed work item: it
// aggregates clinical data, requests an analysis, stamps the PA form and
// updates the work item. It never propagates an error to its caller, so it is
// safe to run as an unattended queue consumer.
type Processor struct {
	config       ProcessorConfig
	resolver     *auth.Resolver
	clients      *ehr.ClientFactory
	intelligence *intelligence.Client
	stamper      forms.Stamper
	formCache    *forms.Cache
	store        workitem.Store
	hub          *notification.Hub
	recorder     Recorder
}

func NewProcessor(config ProcessorConfig, resolver *auth.Resolver, clients *ehr.ClientFactory,
	intelligenceClient *intelligence.Client, stamper forms.Stamper, formCache *forms.Cache,
	store workitem.Store, hub *notification.Hub) *Processor {
	return &Processor{
		config:       config,
		resolver:     resolver,
		clients:      clients,
		intelligence: intelligenceClient,
		stamper:      stamper,
		formCache:    formCache,
		store:        store,
		hub:          hub,
		recorder:     noopRecorder{},
	}
}

// WithRecorder replaces the no-op operational counter sink.
func (p *Processor) WithRecorder(recorder Recorder) *Processor {
	p.recorder = recorder
	return p
}

// Subscribe attaches the processor to the completion queue.
func (p *Processor) Subscribe(eventManager events.Manager) error {
	return eventManager.Subscribe(&EncounterCompletedEvent{}, func(ctx context.Context, event events.Type) error {
		p.Process(ctx, event.(*EncounterCompletedEvent))
		// Processing failures are reported through notifications, never
		// bounced back to the queue.
		return nil
	})
}

func (p *Processor) Process(ctx context.Context, event *EncounterCompletedEvent) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Ctx(ctx).Error().
				Str("work_item_id", event.WorkItemID).
				Str("encounter_id", event.EncounterID).
				Msgf("Panic while processing encounter completion: %v", recovered)
			p.publishProcessingError(ctx, event)
		}
	}()

	strategy := p.resolver.Resolve(ctx)
	if strategy == nil {
		log.Ctx(ctx).Warn().Str("encounter_id", event.EncounterID).Msg("No token strategy available, skipping encounter processing")
		return
	}
	token, err := strategy.Token(ctx)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("encounter_id", event.EncounterID).Msg("Token acquisition failed, skipping encounter processing")
		return
	}
	client := p.clients.ClientWithToken(token.AccessToken)

	bundle, err := ehr.Aggregate(ctx, client, event.PatientID)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("encounter_id", event.EncounterID).Msg("Clinical data aggregation failed")
		p.publishProcessingError(ctx, event)
		return
	}

	// Informational completeness signal, PHI-free. Gates nothing.
	log.Ctx(ctx).Info().
		Str("encounter_id", event.EncounterID).
		Bool("patient_present", bundle.Patient != nil).
		Bool("conditions_present", len(bundle.Conditions) > 0).
		Bool("observations_present", len(bundle.Observations) > 0).
		Bool("documents_present", len(bundle.Documents) > 0).
		Bool("service_requests_present", len(bundle.ServiceRequests) > 0).
		Msg("Aggregated clinical data")

	result, err := p.intelligence.Analyze(ctx, intelligence.BuildRequest(bundle, p.config.ProcedureCode))
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("encounter_id", event.EncounterID).Msg("Analysis failed, work item left in prior status")
		p.publishProcessingError(ctx, event)
		return
	}

	status := mapRecommendation(ctx, result.Recommendation)

	transactionID := forms.TransactionID(event.EncounterID)
	pdf, stampErr := p.stamper.Stamp(ctx, result)
	if stampErr != nil {
		log.Ctx(ctx).Warn().Err(stampErr).Str("encounter_id", event.EncounterID).Msg("Form stamping failed, continuing without a cached form")
	} else {
		p.formCache.Put(transactionID, pdf)
	}

	serviceRequestID, procedureCode := p.matchServiceRequest(bundle)
	p.updateWorkItem(ctx, event, status, serviceRequestID, procedureCode)
	p.recorder.RecordProcessed(string(status))

	if stampErr == nil {
		p.publish(ctx, notification.Notification{
			Type:          notification.TypePAFormReady,
			WorkItemID:    event.WorkItemID,
			EncounterID:   event.EncounterID,
			PatientID:     event.PatientID,
			TransactionID: transactionID,
			Message:       fmt.Sprintf("Prior authorization form ready (confidence %.2f)", result.ConfidenceScore),
		})
	}
	p.publish(ctx, notification.Notification{
		Type:             notification.TypeWorkItemStatusChanged,
		WorkItemID:       event.WorkItemID,
		EncounterID:      event.EncounterID,
		PatientID:        event.PatientID,
		NewStatus:        string(status),
		ServiceRequestID: to.EmptyString(serviceRequestID),
		ProcedureCode:    to.EmptyString(procedureCode),
	})
}

func mapRecommendation(ctx context.Context, recommendation string) workitem.Status {
	switch recommendation {
	case intelligence.RecommendationApprove, intelligence.RecommendationDeny:
		return workitem.StatusReadyForReview
	case intelligence.RecommendationNeedsInfo:
		return workitem.StatusMissingData
	case intelligence.RecommendationNotRequired:
		return workitem.StatusNoPaRequired
	default:
		log.Ctx(ctx).Warn().Str("recommendation", recommendation).Msg("Unknown recommendation, treating as missing data")
		return workitem.StatusMissingData
	}
}

// matchServiceRequest returns the id and code of the first service request
// ordering the target procedure, or nil when none matches.
func (p *Processor) matchServiceRequest(bundle *ehr.ClinicalBundle) (*string, *string) {
	for _, serviceRequest := range bundle.ServiceRequests {
		if fhirutil.CodingCode(serviceRequest.Code) != p.config.ProcedureCode {
			continue
		}
		if serviceRequest.Id == nil {
			continue
		}
		code := p.config.ProcedureCode
		return serviceRequest.Id, &code
	}
	return nil, nil
}

// updateWorkItem applies the full update and falls back to a status-only
// update when the work item cannot be read. Neither path is fatal.
func (p *Processor) updateWorkItem(ctx context.Context, event *EncounterCompletedEvent, status workitem.Status,
	serviceRequestID, procedureCode *string) {
	item, err := p.store.GetByID(ctx, event.WorkItemID)
	if err == nil && item != nil {
		updated := *item
		updated.Status = status
		updated.ServiceRequestID = serviceRequestID
		updated.ProcedureCode = procedureCode
		if _, err := p.store.Update(ctx, event.WorkItemID, updated); err == nil {
			return
		} else {
			log.Ctx(ctx).Warn().Err(err).Str("work_item_id", event.WorkItemID).Msg("Work item update failed, falling back to status-only update")
		}
	} else if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("work_item_id", event.WorkItemID).Msg("Work item lookup failed, falling back to status-only update")
	}

	updated, err := p.store.UpdateStatus(ctx, event.WorkItemID, status)
	if err != nil || !updated {
		// Non-fatal; the work item may have never existed on this node.
		log.Ctx(ctx).Warn().Err(err).
			Str("work_item_id", event.WorkItemID).
			Bool("found", updated).
			Msg("Status-only work item update did not apply")
	}
}

func (p *Processor) publishProcessingError(ctx context.Context, event *EncounterCompletedEvent) {
	p.recorder.RecordProcessed("error")
	p.publish(ctx, notification.Notification{
		Type:        notification.TypeProcessingError,
		WorkItemID:  event.WorkItemID,
		EncounterID: event.EncounterID,
		PatientID:   event.PatientID,
		// Generic on purpose: upstream error text never reaches the dashboard.
		Message: "Processing failed for this encounter, see server logs",
	})
}

func (p *Processor) publish(ctx context.Context, n notification.Notification) {
	p.hub.Publish(ctx, n)
}
