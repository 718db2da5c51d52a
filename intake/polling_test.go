package intake

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/priorauth/gateway/auth"
	"github.com/priorauth/gateway/breaker"
	"github.com/priorauth/gateway/ehr"
	"github.com/priorauth/gateway/events"
	"github.com/priorauth/gateway/messaging"
	"github.com/priorauth/gateway/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// staticTokenStrategy always yields a fixed bearer token.
type staticTokenStrategy struct{}

func (staticTokenStrategy) CanHandle(context.Context) bool { return true }

func (staticTokenStrategy) Token(context.Context) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "test-token", TokenType: "Bearer"}, nil
}

// encounterStatusServer serves Encounter searches with a per-patient status.
// An empty status yields a 500 response.
func encounterStatusServer(t *testing.T, statusByPatient map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/Encounter" {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		status, ok := statusByPatient[request.URL.Query().Get("patient")]
		if !ok || status == "" {
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		writer.Header().Set("Content-Type", "application/fhir+json")
		_ = json.NewEncoder(writer).Encode(map[string]any{
			"resourceType": "Bundle",
			"type":         "searchset",
			"entry": []map[string]any{{
				"resource": map[string]any{
					"resourceType": "Encounter",
					"id":           request.URL.Query().Get("_id"),
					"status":       status,
					"class":        map[string]any{"code": "AMB"},
				},
			}},
		})
	}))
}

func newClientFactory(t *testing.T, serverURL string) *ehr.ClientFactory {
	t.Helper()
	config := ehr.DefaultConfig()
	config.BaseURL = serverURL
	config.Breaker.FailureThreshold = 100
	factory, err := ehr.NewClientFactory(config, breaker.New("fhir", config.Breaker))
	require.NoError(t, err)
	return factory
}

// eventCollector records completion events delivered via the broker.
type eventCollector struct {
	mu     sync.Mutex
	events []*EncounterCompletedEvent
}

func (c *eventCollector) subscribe(t *testing.T, manager events.Manager) {
	t.Helper()
	err := manager.Subscribe(&EncounterCompletedEvent{}, func(_ context.Context, event events.Type) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, event.(*EncounterCompletedEvent))
		return nil
	})
	require.NoError(t, err)
}

func (c *eventCollector) collected() []*EncounterCompletedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*EncounterCompletedEvent{}, c.events...)
}

func newPollingFixture(t *testing.T, serverURL string, subscribeCollector bool) (*PollingService, *registry.InMemoryRegistry, *eventCollector) {
	t.Helper()
	patientRegistry := registry.NewInMemoryRegistry(registry.DefaultActiveWindow)
	manager := events.NewManager(messaging.NewMemoryBroker())
	collector := &eventCollector{}
	if subscribeCollector {
		collector.subscribe(t, manager)
	}
	service := NewPollingService(DefaultPollingConfig(), patientRegistry,
		auth.NewResolver(staticTokenStrategy{}), newClientFactory(t, serverURL), manager)
	return service, patientRegistry, collector
}

func TestPollingService_FirstPollFinished(t *testing.T) {
	server := encounterStatusServer(t, map[string]string{"p1": "finished"})
	defer server.Close()
	service, patientRegistry, collector := newPollingFixture(t, server.URL, true)

	ctx := context.Background()
	require.NoError(t, patientRegistry.Register(ctx, registry.RegisteredPatient{
		PatientID: "p1", EncounterID: "e1", PracticeID: "42", WorkItemID: "w1", RegisteredAt: time.Now(),
	}))

	service.pollAll(ctx)

	collected := collector.collected()
	require.Len(t, collected, 1)
	assert.Equal(t, "p1", collected[0].PatientID)
	assert.Equal(t, "e1", collected[0].EncounterID)
	assert.Equal(t, "w1", collected[0].WorkItemID)

	remaining, err := patientRegistry.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, remaining, "patient must be unregistered after emission")
}

func TestPollingService_NonFinishedStatusOnlyUpdatesBookkeeping(t *testing.T) {
	server := encounterStatusServer(t, map[string]string{"p1": "in-progress"})
	defer server.Close()
	service, patientRegistry, collector := newPollingFixture(t, server.URL, true)

	ctx := context.Background()
	require.NoError(t, patientRegistry.Register(ctx, registry.RegisteredPatient{
		PatientID: "p1", EncounterID: "e1", PracticeID: "42", WorkItemID: "w1", RegisteredAt: time.Now(),
	}))

	service.pollAll(ctx)
	service.pollAll(ctx)

	assert.Empty(t, collector.collected())
	remaining, err := patientRegistry.Get(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, remaining)
	require.NotNil(t, remaining.LastPolledAt)
	require.NotNil(t, remaining.CurrentEncounterStatus)
	assert.Equal(t, "in-progress", *remaining.CurrentEncounterStatus)
}

func TestPollingService_TransitionToFinishedEmitsOnce(t *testing.T) {
	statusByPatient := map[string]string{"p1": "in-progress"}
	server := encounterStatusServer(t, statusByPatient)
	defer server.Close()
	service, patientRegistry, collector := newPollingFixture(t, server.URL, true)

	ctx := context.Background()
	require.NoError(t, patientRegistry.Register(ctx, registry.RegisteredPatient{
		PatientID: "p1", EncounterID: "e1", PracticeID: "42", WorkItemID: "w1", RegisteredAt: time.Now(),
	}))

	service.pollAll(ctx)
	require.Empty(t, collector.collected())

	statusByPatient["p1"] = "finished"
	service.pollAll(ctx)
	// The patient is unregistered now, further ticks see an empty list.
	service.pollAll(ctx)

	assert.Len(t, collector.collected(), 1)
}

func TestPollingService_FetchFailureIsSkipped(t *testing.T) {
	server := encounterStatusServer(t, map[string]string{})
	defer server.Close()
	service, patientRegistry, collector := newPollingFixture(t, server.URL, true)

	ctx := context.Background()
	require.NoError(t, patientRegistry.Register(ctx, registry.RegisteredPatient{
		PatientID: "p1", EncounterID: "e1", PracticeID: "42", WorkItemID: "w1", RegisteredAt: time.Now(),
	}))

	service.pollAll(ctx)

	assert.Empty(t, collector.collected())
	remaining, err := patientRegistry.Get(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, remaining, "a failed poll must not unregister")
	assert.Nil(t, remaining.LastPolledAt, "a failed poll must not update bookkeeping")
}

func TestPollingService_EmitFailureKeepsRegistration(t *testing.T) {
	server := encounterStatusServer(t, map[string]string{"p1": "finished"})
	defer server.Close()
	// No subscriber: the in-memory broker rejects the send.
	service, patientRegistry, _ := newPollingFixture(t, server.URL, false)

	ctx := context.Background()
	require.NoError(t, patientRegistry.Register(ctx, registry.RegisteredPatient{
		PatientID: "p1", EncounterID: "e1", PracticeID: "42", WorkItemID: "w1", RegisteredAt: time.Now(),
	}))

	service.pollAll(ctx)

	remaining, err := patientRegistry.Get(ctx, "p1")
	require.NoError(t, err)
	assert.NotNil(t, remaining, "the patient must be retried next tick when the emit fails")
}

func TestPollingService_BoundedParallelism(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()

		writer.Header().Set("Content-Type", "application/fhir+json")
		_ = json.NewEncoder(writer).Encode(map[string]any{
			"resourceType": "Bundle",
			"type":         "searchset",
			"entry": []map[string]any{{
				"resource": map[string]any{"resourceType": "Encounter", "id": "e", "status": "in-progress", "class": map[string]any{"code": "AMB"}},
			}},
		})
	}))
	defer server.Close()
	service, patientRegistry, _ := newPollingFixture(t, server.URL, true)

	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8", "p9", "p10"} {
		require.NoError(t, patientRegistry.Register(ctx, registry.RegisteredPatient{
			PatientID: id, EncounterID: "e-" + id, PracticeID: "42", WorkItemID: "w-" + id, RegisteredAt: time.Now(),
		}))
	}

	service.pollAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxInFlight, DefaultPollingConfig().MaxConcurrentPolls)
}
