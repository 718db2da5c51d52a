package forms

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/priorauth/gateway/breaker"
	"github.com/rs/zerolog/log"
)

// Uploader delivers a stamped PA form to the payer's document intake.
type Uploader interface {
	Upload(ctx context.Context, transactionID string, pdf []byte) error
}

type HTTPUploader struct {
	endpoint   string
	httpClient *http.Client
	cb         *breaker.CircuitBreaker
}

func NewHTTPUploader(config Config, cb *breaker.CircuitBreaker) *HTTPUploader {
	return &HTTPUploader{
		endpoint: config.UploadURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		cb: cb,
	}
}

func (u *HTTPUploader) Upload(ctx context.Context, transactionID string, pdf []byte) error {
	return u.cb.Do(ctx, func(ctx context.Context) error {
		httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint+"/"+transactionID, bytes.NewReader(pdf))
		if err != nil {
			return err
		}
		httpRequest.Header.Set("Content-Type", "application/pdf")

		httpResponse, err := u.httpClient.Do(httpRequest)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("transaction_id", transactionID).Msg("Document upload failed")
			return fmt.Errorf("document upload endpoint unreachable")
		}
		defer httpResponse.Body.Close()
		if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
			return fmt.Errorf("document upload returned status %d", httpResponse.StatusCode)
		}
		return nil
	})
}
