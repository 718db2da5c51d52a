package forms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/priorauth/gateway/breaker"
	"github.com/priorauth/gateway/intelligence"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// StamperURL is the endpoint of the PDF stamping collaborator.
	StamperURL string `koanf:"stamperurl"`
	// UploadURL is the endpoint of the payer document upload collaborator.
	UploadURL string         `koanf:"uploadurl"`
	Timeout   time.Duration  `koanf:"timeout"`
	CacheTTL  time.Duration  `koanf:"cachettl"`
	Breaker   breaker.Config `koanf:"breaker"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:  30 * time.Second,
		CacheTTL: 4 * time.Hour,
		Breaker:  breaker.DefaultConfig(),
	}
}

// Stamper fills a PA form template with analysis results and returns the
// rendered PDF bytes.
type Stamper interface {
	Stamp(ctx context.Context, result *intelligence.Result) ([]byte, error)
}

type HTTPStamper struct {
	endpoint   string
	httpClient *http.Client
	cb         *breaker.CircuitBreaker
}

func NewHTTPStamper(config Config, cb *breaker.CircuitBreaker) *HTTPStamper {
	return &HTTPStamper{
		endpoint: config.StamperURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		cb: cb,
	}
}

func (s *HTTPStamper) Stamp(ctx context.Context, result *intelligence.Result) ([]byte, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal stamp request: %w", err)
	}
	var pdf []byte
	err = s.cb.Do(ctx, func(ctx context.Context) error {
		httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpRequest.Header.Set("Content-Type", "application/json")
		httpRequest.Header.Set("Accept", "application/pdf")

		httpResponse, err := s.httpClient.Do(httpRequest)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("Form stamper request failed")
			return fmt.Errorf("form stamper unreachable")
		}
		defer httpResponse.Body.Close()
		if httpResponse.StatusCode != http.StatusOK {
			return fmt.Errorf("form stamper returned status %d", httpResponse.StatusCode)
		}
		pdf, err = io.ReadAll(httpResponse.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pdf, nil
}
