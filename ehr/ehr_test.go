package ehr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/priorauth/gateway/breaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchBundle(resources ...map[string]any) map[string]any {
	entries := make([]map[string]any, 0, len(resources))
	for _, resource := range resources {
		entries = append(entries, map[string]any{"resource": resource})
	}
	return map[string]any{
		"resourceType": "Bundle",
		"type":         "searchset",
		"entry":        entries,
	}
}

func newFactory(t *testing.T, serverURL string) *ClientFactory {
	t.Helper()
	config := DefaultConfig()
	config.BaseURL = serverURL
	factory, err := NewClientFactory(config, breaker.New("fhir", breaker.DefaultConfig()))
	require.NoError(t, err)
	return factory
}

func TestEncounterStatus(t *testing.T) {
	var capturedQuery map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(t, "/Encounter", request.URL.Path)
		capturedQuery = map[string]string{
			"patient":     request.URL.Query().Get("patient"),
			"_id":         request.URL.Query().Get("_id"),
			"ah-practice": request.URL.Query().Get("ah-practice"),
		}
		writer.Header().Set("Content-Type", "application/fhir+json")
		_ = json.NewEncoder(writer).Encode(searchBundle(map[string]any{
			"resourceType": "Encounter",
			"id":           "e1",
			"status":       "finished",
			"class":        map[string]any{"code": "AMB"},
		}))
	}))
	defer server.Close()

	client := newFactory(t, server.URL).ClientWithToken("token")
	status, err := EncounterStatus(context.Background(), client, "p1", "e1", "42")

	require.NoError(t, err)
	assert.Equal(t, "finished", status)
	assert.Equal(t, map[string]string{
		"patient":     "p1",
		"_id":         "e1",
		"ah-practice": "Organization/a-1.Practice-42",
	}, capturedQuery)
}

func TestEncounterStatus_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "application/fhir+json")
		_ = json.NewEncoder(writer).Encode(searchBundle())
	}))
	defer server.Close()

	client := newFactory(t, server.URL).ClientWithToken("token")
	_, err := EncounterStatus(context.Background(), client, "p1", "e1", "42")
	require.ErrorIs(t, err, ErrEncounterNotFound)
}

func TestAggregate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/fhir+json")
		switch request.URL.Path {
		case "/Patient/p1":
			_ = json.NewEncoder(writer).Encode(map[string]any{
				"resourceType": "Patient",
				"id":           "p1",
				"name":         []map[string]any{{"family": "Doe", "given": []string{"Jane"}}},
			})
		case "/Condition":
			_ = json.NewEncoder(writer).Encode(searchBundle(map[string]any{
				"resourceType": "Condition",
				"id":           "c1",
				"code": map[string]any{
					"coding": []map[string]any{{"system": "http://hl7.org/fhir/sid/icd-10-cm", "code": "M54.5"}},
				},
			}))
		case "/Observation":
			// Simulate a failing section.
			writer.WriteHeader(http.StatusInternalServerError)
		case "/ServiceRequest":
			_ = json.NewEncoder(writer).Encode(searchBundle(map[string]any{
				"resourceType": "ServiceRequest",
				"id":           "sr1",
				"status":       "active",
				"intent":       "order",
				"code": map[string]any{
					"coding": []map[string]any{{"code": "72148"}},
				},
			}))
		default:
			_ = json.NewEncoder(writer).Encode(searchBundle())
		}
	}))
	defer server.Close()

	client := newFactory(t, server.URL).ClientWithToken("token")
	bundle, err := Aggregate(context.Background(), client, "p1")

	require.NoError(t, err)
	require.NotNil(t, bundle.Patient)
	assert.Equal(t, "p1", *bundle.Patient.Id)
	require.Len(t, bundle.Conditions, 1)
	require.Len(t, bundle.ServiceRequests, 1)
	// The failed section is empty, not an error.
	assert.Empty(t, bundle.Observations)
	assert.Empty(t, bundle.Procedures)
}

func TestAggregate_AllSectionsFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	config := DefaultConfig()
	config.BaseURL = server.URL
	// High threshold, so the breaker does not trip mid-test.
	config.Breaker.FailureThreshold = 100
	factory, err := NewClientFactory(config, breaker.New("fhir", config.Breaker))
	require.NoError(t, err)

	_, err = Aggregate(context.Background(), factory.ClientWithToken("token"), "p1")
	require.ErrorIs(t, err, ErrAllSectionsFailed)
}

func TestEncounterStatus_SlowStreamingBody(t *testing.T) {
	// The breaker cancels its per-call context as soon as the round trip
	// returns, so a body that is still streaming at that point must already
	// have been buffered by the doer.
	payload, err := json.Marshal(searchBundle(map[string]any{
		"resourceType": "Encounter",
		"id":           "e1",
		"status":       "in-progress",
		"class":        map[string]any{"code": "AMB"},
	}))
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "application/fhir+json")
		flusher := writer.(http.Flusher)
		_, _ = writer.Write(payload[:10])
		flusher.Flush()
		time.Sleep(50 * time.Millisecond)
		_, _ = writer.Write(payload[10:])
	}))
	defer server.Close()

	client := newFactory(t, server.URL).ClientWithToken("token")
	status, err := EncounterStatus(context.Background(), client, "p1", "e1", "42")

	require.NoError(t, err)
	assert.Equal(t, "in-progress", status)
}
