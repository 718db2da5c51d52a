package intelligence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/priorauth/gateway/breaker"
	"github.com/rs/zerolog/log"
)

// Recommendation values returned by the analysis service.
const (
	RecommendationApprove     = "APPROVE"
	RecommendationDeny        = "DENY"
	RecommendationNeedsInfo   = "NEEDS_INFO"
	RecommendationNotRequired = "NOT_REQUIRED"
)

type Config struct {
	BaseURL string         `koanf:"baseurl"`
	Timeout time.Duration  `koanf:"timeout"`
	Breaker breaker.Config `koanf:"breaker"`
}

func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Breaker: breaker.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("intelligence service base URL is not configured")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid intelligence service base URL: %w", err)
	}
	return nil
}

// Request is the analysis request sent to the service.
type Request struct {
	PatientID     string         `json:"patient_id"`
	ProcedureCode string         `json:"procedure_code"`
	ClinicalData  map[string]any `json:"clinical_data"`
}

// Result is the analysis outcome. FieldMappings carries the values the
// form stamper writes into the PA document.
type Result struct {
	PatientName        string            `json:"patient_name"`
	PatientDOB         string            `json:"patient_dob"`
	MemberID           string            `json:"member_id"`
	DiagnosisCodes     []string          `json:"diagnosis_codes"`
	ProcedureCode      string            `json:"procedure_code"`
	ClinicalSummary    string            `json:"clinical_summary"`
	SupportingEvidence []string          `json:"supporting_evidence"`
	Recommendation     string            `json:"recommendation"`
	ConfidenceScore    float64           `json:"confidence_score"`
	FieldMappings      map[string]string `json:"field_mappings"`
	PolicyID           *string           `json:"policy_id,omitempty"`
	LCDReference       *string           `json:"lcd_reference,omitempty"`
}

// Client calls the external analysis service over HTTP, protected by a
// circuit breaker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cb         *breaker.CircuitBreaker
}

func NewClient(config Config, cb *breaker.CircuitBreaker) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		cb: cb,
	}, nil
}

// Analyze submits the clinical data for analysis. Errors are sanitized:
// the returned error never embeds the upstream response body.
func (c *Client) Analyze(ctx context.Context, request Request) (*Result, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal analysis request: %w", err)
	}

	var result Result
	err = c.cb.Do(ctx, func(ctx context.Context) error {
		httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpRequest.Header.Set("Content-Type", "application/json")

		httpResponse, err := c.httpClient.Do(httpRequest)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("Analysis service request failed")
			return fmt.Errorf("analysis service unreachable")
		}
		defer httpResponse.Body.Close()

		if httpResponse.StatusCode != http.StatusOK {
			// Don't surface the response body, it may echo request data.
			log.Ctx(ctx).Warn().Int("status", httpResponse.StatusCode).Msg("Analysis service returned non-OK status")
			return fmt.Errorf("analysis service returned status %d", httpResponse.StatusCode)
		}

		data, err := io.ReadAll(httpResponse.Body)
		if err != nil {
			return fmt.Errorf("read analysis response: %w", err)
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("analysis service returned a malformed response")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
