package intake

import (
	"net/http"
	"strings"
	"time"

	"github.com/priorauth/gateway/auth"
	"github.com/priorauth/gateway/forms"
	"github.com/priorauth/gateway/lib/httpserv"
	"github.com/priorauth/gateway/notification"
	"github.com/priorauth/gateway/registry"
	"github.com/priorauth/gateway/workitem"
	"github.com/rs/zerolog/log"
)

// Service exposes the intake HTTP API: patient registration, work item
// review, the notification stream and form submission.
type Service struct {
	registry  registry.PatientRegistry
	store     workitem.Store
	hub       *notification.Hub
	formCache *forms.Cache
	uploader  forms.Uploader
	processor *Processor

	now func() time.Time
}

func NewService(patientRegistry registry.PatientRegistry, store workitem.Store, hub *notification.Hub,
	formCache *forms.Cache, uploader forms.Uploader, processor *Processor) *Service {
	return &Service{
		registry:  patientRegistry,
		store:     store,
		hub:       hub,
		formCache: formCache,
		uploader:  uploader,
		processor: processor,
		now:       time.Now,
	}
}

func (s *Service) RegisterHandlers(mux *http.ServeMux) {
	httpserv.RegisterRoutes(mux,
		httpserv.Route{Method: "POST", Path: "/api/patients/register", Handler: s.handleRegisterPatient, Middleware: httpserv.RequireJSON},
		httpserv.Route{Method: "GET", Path: "/api/patients", Handler: s.handleListPatients},
		httpserv.Route{Method: "GET", Path: "/api/patients/{patientId}", Handler: s.handleGetPatient},
		httpserv.Route{Method: "DELETE", Path: "/api/patients/{patientId}", Handler: s.handleUnregisterPatient},
		httpserv.Route{Method: "POST", Path: "/api/work-items", Handler: s.handleCreateWorkItem, Middleware: httpserv.RequireJSON},
		httpserv.Route{Method: "GET", Path: "/api/work-items", Handler: s.handleListWorkItems},
		httpserv.Route{Method: "GET", Path: "/api/work-items/{id}", Handler: s.handleGetWorkItem},
		httpserv.Route{Method: "PUT", Path: "/api/work-items/{id}/status", Handler: s.handleUpdateWorkItemStatus, Middleware: httpserv.RequireJSON},
		httpserv.Route{Method: "POST", Path: "/api/work-items/{id}/rehydrate", Handler: s.handleRehydrateWorkItem, Middleware: httpserv.RequireJSON},
		httpserv.Route{Method: "GET", Path: "/api/events", Handler: s.hub.ServeHTTP},
		httpserv.Route{Method: "POST", Path: "/api/submit/{transactionId}", Handler: s.handleSubmit},
	)
}

type registerPatientRequest struct {
	PatientID   string `json:"patientId"`
	EncounterID string `json:"encounterId"`
	PracticeID  string `json:"practiceId"`
}

func (s *Service) handleRegisterPatient(writer http.ResponseWriter, request *http.Request) {
	var body registerPatientRequest
	if err := httpserv.DecodeJSON(request, &body); err != nil {
		httpserv.Error(writer, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.PatientID == "" || body.EncounterID == "" || body.PracticeID == "" {
		httpserv.Error(writer, http.StatusBadRequest, "patientId, encounterId and practiceId are required")
		return
	}

	ctx := request.Context()
	workItemID, err := s.store.Create(ctx, body.EncounterID, body.PatientID)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("Failed to create work item")
		httpserv.Error(writer, http.StatusInternalServerError, "failed to create work item")
		return
	}
	err = s.registry.Register(ctx, registry.RegisteredPatient{
		PatientID:    body.PatientID,
		EncounterID:  body.EncounterID,
		PracticeID:   body.PracticeID,
		WorkItemID:   workItemID,
		RegisteredAt: s.now(),
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("Failed to register patient")
		httpserv.Error(writer, http.StatusInternalServerError, "failed to register patient")
		return
	}

	s.hub.Publish(ctx, notification.Notification{
		Type:        notification.TypePatientRegistered,
		PatientID:   body.PatientID,
		EncounterID: body.EncounterID,
		WorkItemID:  workItemID,
		Message:     "Patient registered for encounter monitoring",
	})
	httpserv.JSON(writer, http.StatusOK, map[string]string{
		"workItemId": workItemID,
		"message":    "Patient registered for encounter monitoring",
	})
}

func (s *Service) handleListPatients(writer http.ResponseWriter, request *http.Request) {
	patients, err := s.registry.GetActive(request.Context())
	if err != nil {
		httpserv.Error(writer, http.StatusInternalServerError, "failed to read registrations")
		return
	}
	httpserv.JSON(writer, http.StatusOK, patients)
}

func (s *Service) handleGetPatient(writer http.ResponseWriter, request *http.Request) {
	patient, err := s.registry.Get(request.Context(), request.PathValue("patientId"))
	if err != nil {
		httpserv.Error(writer, http.StatusInternalServerError, "failed to read registration")
		return
	}
	if patient == nil {
		httpserv.Error(writer, http.StatusNotFound, "patient is not registered")
		return
	}
	httpserv.JSON(writer, http.StatusOK, patient)
}

// handleUnregisterPatient returns 200 regardless of prior existence.
func (s *Service) handleUnregisterPatient(writer http.ResponseWriter, request *http.Request) {
	patientID := request.PathValue("patientId")
	if err := s.registry.Unregister(request.Context(), patientID); err != nil {
		httpserv.Error(writer, http.StatusInternalServerError, "failed to unregister patient")
		return
	}
	httpserv.JSON(writer, http.StatusOK, map[string]string{"message": "Patient unregistered"})
}

type createWorkItemRequest struct {
	PatientID   string `json:"patientId"`
	EncounterID string `json:"encounterId"`
}

func (s *Service) handleCreateWorkItem(writer http.ResponseWriter, request *http.Request) {
	var body createWorkItemRequest
	if err := httpserv.DecodeJSON(request, &body); err != nil {
		httpserv.Error(writer, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.PatientID == "" || body.EncounterID == "" {
		httpserv.Error(writer, http.StatusBadRequest, "patientId and encounterId are required")
		return
	}
	id, err := s.store.Create(request.Context(), body.EncounterID, body.PatientID)
	if err != nil {
		httpserv.Error(writer, http.StatusInternalServerError, "failed to create work item")
		return
	}
	item, err := s.store.GetByID(request.Context(), id)
	if err != nil || item == nil {
		httpserv.Error(writer, http.StatusInternalServerError, "failed to read created work item")
		return
	}
	httpserv.JSON(writer, http.StatusCreated, item)
}

func (s *Service) handleListWorkItems(writer http.ResponseWriter, request *http.Request) {
	filters := workitem.Filters{
		EncounterID: request.URL.Query().Get("encounterId"),
		Status:      workitem.Status(request.URL.Query().Get("status")),
	}
	if filters.Status != "" && !filters.Status.Valid() {
		httpserv.Error(writer, http.StatusBadRequest, "unknown status filter")
		return
	}
	items, err := s.store.All(request.Context(), filters)
	if err != nil {
		httpserv.Error(writer, http.StatusInternalServerError, "failed to list work items")
		return
	}
	httpserv.JSON(writer, http.StatusOK, items)
}

func (s *Service) handleGetWorkItem(writer http.ResponseWriter, request *http.Request) {
	item, err := s.store.GetByID(request.Context(), request.PathValue("id"))
	if err != nil {
		httpserv.Error(writer, http.StatusInternalServerError, "failed to read work item")
		return
	}
	if item == nil {
		httpserv.Error(writer, http.StatusNotFound, "work item not found")
		return
	}
	httpserv.JSON(writer, http.StatusOK, item)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (s *Service) handleUpdateWorkItemStatus(writer http.ResponseWriter, request *http.Request) {
	var body updateStatusRequest
	if err := httpserv.DecodeJSON(request, &body); err != nil {
		httpserv.Error(writer, http.StatusBadRequest, "invalid request body")
		return
	}
	status := workitem.Status(body.Status)
	if !status.Valid() {
		httpserv.Error(writer, http.StatusBadRequest, "unknown status")
		return
	}

	ctx := request.Context()
	id := request.PathValue("id")
	updated, err := s.store.UpdateStatus(ctx, id, status)
	if err != nil {
		httpserv.Error(writer, http.StatusInternalServerError, "failed to update work item")
		return
	}
	if !updated {
		httpserv.Error(writer, http.StatusNotFound, "work item not found")
		return
	}

	s.hub.Publish(ctx, notification.Notification{
		Type:       notification.TypeWorkItemStatusChanged,
		WorkItemID: id,
		NewStatus:  string(status),
	})
	httpserv.JSON(writer, http.StatusOK, map[string]string{"message": "Status updated"})
}

type rehydrateRequest struct {
	AccessToken string `json:"accessToken,omitempty"`
}

// handleRehydrateWorkItem re-runs processing for an existing work item, the
// manual recovery path for completion events lost before processing.
func (s *Service) handleRehydrateWorkItem(writer http.ResponseWriter, request *http.Request) {
	var body rehydrateRequest
	if request.ContentLength > 0 {
		if err := httpserv.DecodeJSON(request, &body); err != nil {
			httpserv.Error(writer, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ctx := request.Context()
	item, err := s.store.GetByID(ctx, request.PathValue("id"))
	if err != nil {
		httpserv.Error(writer, http.StatusInternalServerError, "failed to read work item")
		return
	}
	if item == nil {
		httpserv.Error(writer, http.StatusNotFound, "work item not found")
		return
	}

	if body.AccessToken != "" {
		ctx = auth.WithAccessToken(ctx, body.AccessToken)
	}
	s.processor.Process(ctx, &EncounterCompletedEvent{
		PatientID:   item.PatientID,
		EncounterID: item.EncounterID,
		WorkItemID:  item.ID,
		CompletedAt: s.now(),
	})
	httpserv.JSON(writer, http.StatusOK, map[string]string{"message": "Work item rehydrated"})
}

func (s *Service) handleSubmit(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()
	transactionID := request.PathValue("transactionId")
	pdf, ok := s.formCache.Get(transactionID)
	if !ok {
		httpserv.Error(writer, http.StatusNotFound, "no cached form for this transaction")
		return
	}

	if err := s.uploader.Upload(ctx, transactionID, pdf); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("transaction_id", transactionID).Msg("Form upload failed")
		httpserv.Error(writer, http.StatusBadGateway, "form upload failed")
		return
	}
	s.formCache.Delete(transactionID)

	// The transaction key embeds the encounter id, use it to close out the
	// work item.
	encounterID := strings.TrimPrefix(transactionID, "pa-")
	if item, err := s.store.GetByEncounter(ctx, encounterID); err == nil && item != nil {
		if _, err := s.store.UpdateStatus(ctx, item.ID, workitem.StatusSubmitted); err == nil {
			s.hub.Publish(ctx, notification.Notification{
				Type:        notification.TypeWorkItemStatusChanged,
				WorkItemID:  item.ID,
				EncounterID: encounterID,
				NewStatus:   string(workitem.StatusSubmitted),
			})
		}
	}
	httpserv.JSON(writer, http.StatusOK, map[string]string{"message": "Form submitted"})
}
