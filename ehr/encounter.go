package ehr

import (
	"context"
	"fmt"
	"net/url"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/priorauth/gateway/lib/fhirutil"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// ErrEncounterNotFound is returned when the encounter search yields no match.
var ErrEncounterNotFound = fmt.Errorf("encounter not found")

// EncounterStatus fetches the current status of one encounter. The search is
// scoped to the patient and the practice, the way the EHR's multi-tenant API
// requires it.
func EncounterStatus(ctx context.Context, client fhirclient.Client, patientID, encounterID, practiceID string) (string, error) {
	query := url.Values{}
	query.Set("patient", patientID)
	query.Set("_id", encounterID)
	query.Set("ah-practice", fmt.Sprintf("Organization/a-1.Practice-%s", practiceID))

	var bundle fhir.Bundle
	if err := client.SearchWithContext(ctx, "Encounter", query, &bundle); err != nil {
		return "", fmt.Errorf("search Encounter (patient=%s, encounter=%s): %w", patientID, encounterID, err)
	}
	var encounters []fhir.Encounter
	if err := fhirutil.ResourcesInBundle(&bundle, fhirutil.EntryIsOfType("Encounter"), &encounters); err != nil {
		return "", fmt.Errorf("unmarshal Encounter search result: %w", err)
	}
	if len(encounters) == 0 {
		return "", ErrEncounterNotFound
	}
	return encounters[0].Status.Code(), nil
}
