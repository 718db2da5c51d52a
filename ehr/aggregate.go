package ehr

import (
	"context"
	"errors"
	"net/url"
	"sync"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/priorauth/gateway/lib/fhirutil"
	"github.com/rs/zerolog/log"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// ClinicalBundle is the clinical data of one patient, assembled once per
// processed encounter. Sections are empty (not nil-checked errors) when their
// sub-fetch failed: the analysis downstream works with whatever is available.
type ClinicalBundle struct {
	PatientID       string
	Patient         *fhir.Patient
	Conditions      []fhir.Condition
	Observations    []fhir.Observation
	Procedures      []fhir.Procedure
	Documents       []fhir.DocumentReference
	ServiceRequests []fhir.ServiceRequest
}

// ErrAllSectionsFailed indicates the EHR was effectively unreachable: not a
// single section could be fetched.
var ErrAllSectionsFailed = errors.New("clinical data aggregation failed for all sections")

// Aggregate fetches the patient's clinical resources in parallel. Individual
// sub-fetch failures are logged and tolerated; only total failure is an error.
func Aggregate(ctx context.Context, client fhirclient.Client, patientID string) (*ClinicalBundle, error) {
	bundle := &ClinicalBundle{PatientID: patientID}

	type fetch struct {
		name string
		run  func() error
	}
	searchSection := func(resourceType string, target any) func() error {
		return func() error {
			query := url.Values{}
			query.Set("patient", patientID)
			var searchResult fhir.Bundle
			if err := client.SearchWithContext(ctx, resourceType, query, &searchResult); err != nil {
				return err
			}
			return fhirutil.ResourcesInBundle(&searchResult, fhirutil.EntryIsOfType(resourceType), target)
		}
	}
	fetches := []fetch{
		{"Patient", func() error {
			var patient fhir.Patient
			if err := client.ReadWithContext(ctx, "Patient/"+patientID, &patient); err != nil {
				return err
			}
			bundle.Patient = &patient
			return nil
		}},
		{"Condition", searchSection("Condition", &bundle.Conditions)},
		{"Observation", searchSection("Observation", &bundle.Observations)},
		{"Procedure", searchSection("Procedure", &bundle.Procedures)},
		{"DocumentReference", searchSection("DocumentReference", &bundle.Documents)},
		{"ServiceRequest", searchSection("ServiceRequest", &bundle.ServiceRequests)},
	}

	var wg sync.WaitGroup
	failures := make([]bool, len(fetches))
	for i, f := range fetches {
		wg.Add(1)
		go func(i int, f fetch) {
			defer wg.Done()
			if err := f.run(); err != nil {
				failures[i] = true
				log.Ctx(ctx).Warn().Err(err).Msgf("Clinical data sub-fetch failed, continuing with empty section (section=%s, patient=%s)", f.name, patientID)
			}
		}(i, f)
	}
	wg.Wait()

	failureCount := 0
	for _, failed := range failures {
		if failed {
			failureCount++
		}
	}
	if failureCount == len(fetches) {
		return nil, ErrAllSectionsFailed
	}
	return bundle, nil
}
