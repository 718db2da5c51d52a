package fhirutil

import (
	"encoding/json"
	"strings"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// FormatHumanName renders a FHIR HumanName for display.
func FormatHumanName(name fhir.HumanName) string {
	if name.Text != nil {
		return *name.Text
	}
	var parts []string
	parts = append(parts, name.Prefix...)
	if name.Family != nil {
		f := *name.Family
		if len(name.Given) > 0 {
			f += ","
		}
		parts = append(parts, f)
	}
	parts = append(parts, name.Given...)
	parts = append(parts, name.Suffix...)
	return strings.Join(parts, " ")
}

// FirstCoding returns the first coding of a CodeableConcept, or nil.
func FirstCoding(concept *fhir.CodeableConcept) *fhir.Coding {
	if concept == nil || len(concept.Coding) == 0 {
		return nil
	}
	return &concept.Coding[0]
}

// CodingCode returns the code of the first coding, or "".
func CodingCode(concept *fhir.CodeableConcept) string {
	coding := FirstCoding(concept)
	if coding == nil || coding.Code == nil {
		return ""
	}
	return *coding.Code
}

type resourceHeader struct {
	Type string `json:"resourceType"`
	ID   string `json:"id"`
}

// EntryIsOfType filters bundle entries on resourceType.
func EntryIsOfType(resourceType string) func(entry fhir.BundleEntry) bool {
	return func(entry fhir.BundleEntry) bool {
		var header resourceHeader
		if err := json.Unmarshal(entry.Resource, &header); err != nil {
			return false
		}
		return header.Type == resourceType
	}
}

// ResourcesInBundle unmarshals all entries in the bundle that match the given filter into the result.
func ResourcesInBundle(bundle *fhir.Bundle, filter func(entry fhir.BundleEntry) bool, result interface{}) error {
	var resources []json.RawMessage
	for _, entry := range bundle.Entry {
		if filter(entry) {
			resources = append(resources, entry.Resource)
		}
	}
	data, _ := json.Marshal(resources)
	return json.Unmarshal(data, result)
}
