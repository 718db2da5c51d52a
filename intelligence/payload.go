package intelligence

import (
	"encoding/base64"
	"strconv"

	"github.com/priorauth/gateway/ehr"
	"github.com/priorauth/gateway/lib/fhirutil"
	"github.com/priorauth/gateway/lib/to"
	fhir "github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// BuildRequest flattens an aggregated clinical bundle into the analysis
// request payload. The service consumes plain JSON, not FHIR resources.
func BuildRequest(bundle *ehr.ClinicalBundle, procedureCode string) Request {
	clinicalData := map[string]any{
		"patient":        patientSection(bundle.Patient),
		"conditions":     conditionSections(bundle.Conditions),
		"observations":   observationSections(bundle.Observations),
		"procedures":     procedureSections(bundle.Procedures),
		"document_texts": documentTexts(bundle.Documents),
	}
	return Request{
		PatientID:     bundle.PatientID,
		ProcedureCode: procedureCode,
		ClinicalData:  clinicalData,
	}
}

func patientSection(patient *fhir.Patient) map[string]any {
	if patient == nil {
		return map[string]any{}
	}
	section := map[string]any{}
	if len(patient.Name) > 0 {
		section["name"] = fhirutil.FormatHumanName(patient.Name[0])
	}
	if patient.BirthDate != nil {
		section["birth_date"] = *patient.BirthDate
	}
	if patient.Gender != nil {
		section["gender"] = patient.Gender.Code()
	}
	if memberID := memberIdentifier(patient.Identifier); memberID != "" {
		section["member_id"] = memberID
	}
	return section
}

// memberIdentifier prefers an identifier typed MB (member number), then
// falls back to the first identifier with a value.
func memberIdentifier(identifiers []fhir.Identifier) string {
	for _, identifier := range identifiers {
		if identifier.Type == nil || identifier.Value == nil {
			continue
		}
		for _, coding := range identifier.Type.Coding {
			if to.EmptyString(coding.Code) == "MB" {
				return *identifier.Value
			}
		}
	}
	for _, identifier := range identifiers {
		if identifier.Value != nil {
			return *identifier.Value
		}
	}
	return ""
}

func conditionSections(conditions []fhir.Condition) []map[string]any {
	sections := make([]map[string]any, 0, len(conditions))
	for _, condition := range conditions {
		section := map[string]any{}
		if coding := fhirutil.FirstCoding(condition.Code); coding != nil {
			section["code"] = to.EmptyString(coding.Code)
			section["system"] = to.EmptyString(coding.System)
			section["display"] = to.EmptyString(coding.Display)
		}
		if clinicalStatus := fhirutil.FirstCoding(condition.ClinicalStatus); clinicalStatus != nil {
			section["clinical_status"] = to.EmptyString(clinicalStatus.Code)
		}
		sections = append(sections, section)
	}
	return sections
}

func observationSections(observations []fhir.Observation) []map[string]any {
	sections := make([]map[string]any, 0, len(observations))
	for _, observation := range observations {
		section := map[string]any{
			"status": observation.Status.Code(),
		}
		if coding := fhirutil.FirstCoding(&observation.Code); coding != nil {
			section["code"] = to.EmptyString(coding.Code)
			section["display"] = to.EmptyString(coding.Display)
		}
		if observation.ValueQuantity != nil {
			if observation.ValueQuantity.Value != nil {
				section["value"] = strconv.FormatFloat(*observation.ValueQuantity.Value, 'f', -1, 64)
			}
			if observation.ValueQuantity.Unit != nil {
				section["unit"] = *observation.ValueQuantity.Unit
			}
		} else if observation.ValueString != nil {
			section["value"] = *observation.ValueString
		}
		sections = append(sections, section)
	}
	return sections
}

func procedureSections(procedures []fhir.Procedure) []map[string]any {
	sections := make([]map[string]any, 0, len(procedures))
	for _, procedure := range procedures {
		section := map[string]any{
			"status": procedure.Status.Code(),
		}
		if coding := fhirutil.FirstCoding(procedure.Code); coding != nil {
			section["code"] = to.EmptyString(coding.Code)
			section["display"] = to.EmptyString(coding.Display)
		}
		if procedure.PerformedDateTime != nil {
			section["performed"] = *procedure.PerformedDateTime
		}
		sections = append(sections, section)
	}
	return sections
}

// documentTexts decodes inline attachment data. Documents without inline
// content are skipped, the analysis service cannot follow references.
func documentTexts(documents []fhir.DocumentReference) []string {
	texts := make([]string, 0, len(documents))
	for _, document := range documents {
		for _, content := range document.Content {
			if content.Attachment.Data == nil {
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(*content.Attachment.Data)
			if err != nil {
				continue
			}
			texts = append(texts, string(decoded))
		}
	}
	return texts
}
