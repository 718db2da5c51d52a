package ehr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/priorauth/gateway/breaker"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// BaseURL is the FHIR base URL of the EHR.
	BaseURL string `koanf:"baseurl"`
	// Timeout bounds a single FHIR round trip.
	Timeout time.Duration  `koanf:"timeout"`
	Breaker breaker.Config `koanf:"breaker"`
}

func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
		Breaker: breaker.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("ehr: baseurl is not configured")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("ehr: invalid baseurl: %w", err)
	}
	return nil
}

// ClientFactory builds authorized FHIR clients. Every round trip goes through
// the shared FHIR circuit breaker, so one unhealthy EHR trips all callers.
type ClientFactory struct {
	baseURL    *url.URL
	httpClient *http.Client
	cb         *breaker.CircuitBreaker
}

func NewClientFactory(config Config, cb *breaker.CircuitBreaker) (*ClientFactory, error) {
	baseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("ehr: invalid baseurl: %w", err)
	}
	return &ClientFactory{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: config.Timeout},
		cb:         cb,
	}, nil
}

// ClientWithToken returns a FHIR client that presents the given bearer token.
func (f *ClientFactory) ClientWithToken(accessToken string) fhirclient.Client {
	return fhirclient.New(f.baseURL, &bearerTokenDoer{
		accessToken: accessToken,
		httpClient:  f.httpClient,
		cb:          f.cb,
	}, clientConfig())
}

func clientConfig() *fhirclient.Config {
	config := fhirclient.DefaultConfig()
	// The EHR's search implementation does not support POST-based search.
	config.UsePostSearch = false
	config.Non2xxStatusHandler = func(response *http.Response, responseBody []byte) {
		log.Debug().Msgf("Non-2xx status code from FHIR server (%s %s, status=%d)", response.Request.Method, response.Request.URL, response.StatusCode)
	}
	return &config
}

var _ fhirclient.HttpRequestDoer = &bearerTokenDoer{}

type bearerTokenDoer struct {
	accessToken string
	httpClient  *http.Client
	cb          *breaker.CircuitBreaker
}

func (d *bearerTokenDoer) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+d.accessToken)
	var response *http.Response
	err := d.cb.Do(req.Context(), func(ctx context.Context) error {
		resp, err := d.httpClient.Do(req.WithContext(ctx))
		if err != nil {
			return err
		}
		// The FHIR client reads the body after this function returns, when
		// the breaker's per-call context has already been cancelled. Buffer
		// it while the context is still alive.
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("reading FHIR response: %w", err)
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		response = resp
		if resp.StatusCode >= http.StatusInternalServerError {
			// 5xx counts against the breaker, 4xx is the caller's problem.
			return fmt.Errorf("FHIR server returned status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil && response != nil {
		// The response is still returned so the FHIR client can surface the
		// OperationOutcome; the breaker has already recorded the failure.
		return response, nil
	}
	return response, err
}
