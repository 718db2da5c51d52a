package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/priorauth/gateway/breaker"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// expirySkew is subtracted from the token lifetime so a cached token is never
// presented right at its expiry instant.
const expirySkew = 60 * time.Second

// assertionLifetime is the exp of the signed JWT assertion, per SMART Backend
// Services at most 5 minutes.
const assertionLifetime = 5 * time.Minute

type ClientCredentialsConfig struct {
	ClientID string `koanf:"clientid"`
	// TokenEndpoint is the OAuth2 token endpoint URL, also the aud of the assertion.
	TokenEndpoint string `koanf:"tokenendpoint"`
	// PrivateKeyFile is the path to a PEM-encoded RSA private key used to sign assertions.
	PrivateKeyFile string `koanf:"privatekeyfile"`
	// SigningAlgorithm defaults to RS384 (SMART Backend Services).
	SigningAlgorithm string `koanf:"signingalgorithm"`
	Scopes           []string `koanf:"scopes"`
	// Timeout bounds the token endpoint round trip.
	Timeout time.Duration `koanf:"timeout"`
}

// Enabled reports whether client credentials are configured at all. A
// deployment without them can only serve caller-supplied tokens.
func (c ClientCredentialsConfig) Enabled() bool {
	return c.ClientID != "" || c.TokenEndpoint != "" || c.PrivateKeyFile != ""
}

func (c ClientCredentialsConfig) Validate() error {
	if c.ClientID == "" {
		return errors.New("auth: clientid is not configured")
	}
	if c.TokenEndpoint == "" {
		return errors.New("auth: tokenendpoint is not configured")
	}
	if _, err := url.Parse(c.TokenEndpoint); err != nil {
		return fmt.Errorf("auth: invalid tokenendpoint: %w", err)
	}
	if c.PrivateKeyFile == "" {
		return errors.New("auth: privatekeyfile is not configured")
	}
	return nil
}

func DefaultClientCredentialsConfig() ClientCredentialsConfig {
	return ClientCredentialsConfig{
		SigningAlgorithm: "RS384",
		Timeout:          10 * time.Second,
	}
}

var _ TokenStrategy = &ClientCredentialsStrategy{}

// ClientCredentialsStrategy acquires tokens through the OAuth2 client
// credentials grant with a signed JWT assertion (RFC 7523). It is the fallback
// of last resort: CanHandle always returns true. Tokens are cached in memory
// until shortly before expiry; acquisition failures are returned as-is and
// never retried here.
type ClientCredentialsStrategy struct {
	config     ClientCredentialsConfig
	signingKey *rsa.PrivateKey
	httpClient *http.Client
	cb         *breaker.CircuitBreaker

	cacheMux sync.Mutex
	cached   *oauth2.Token
	// now is replaceable in tests.
	now func() time.Time
}

func NewClientCredentialsStrategy(config ClientCredentialsConfig, cb *breaker.CircuitBreaker) (*ClientCredentialsStrategy, error) {
	if config.SigningAlgorithm == "" {
		config.SigningAlgorithm = "RS384"
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultClientCredentialsConfig().Timeout
	}
	keyData, err := os.ReadFile(config.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	signingKey, err := parseRSAPrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	return &ClientCredentialsStrategy{
		config:     config,
		signingKey: signingKey,
		httpClient: &http.Client{Timeout: config.Timeout},
		cb:         cb,
		now:        time.Now,
	}, nil
}

func (s *ClientCredentialsStrategy) CanHandle(_ context.Context) bool {
	return true
}

func (s *ClientCredentialsStrategy) Token(ctx context.Context) (*oauth2.Token, error) {
	s.cacheMux.Lock()
	defer s.cacheMux.Unlock()
	if s.cached != nil && s.now().Before(s.cached.Expiry) {
		return s.cached, nil
	}
	token, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	s.cached = token
	return token, nil
}

func (s *ClientCredentialsStrategy) acquire(ctx context.Context) (*oauth2.Token, error) {
	assertion, err := s.signAssertion()
	if err != nil {
		return nil, fmt.Errorf("auth: sign client assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	if len(s.config.Scopes) > 0 {
		form.Set("scope", strings.Join(s.config.Scopes, " "))
	}

	var tokenResponse struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	err = s.cb.Do(ctx, func(ctx context.Context) error {
		httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.TokenEndpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		httpRequest.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		httpResponse, err := s.httpClient.Do(httpRequest)
		if err != nil {
			return err
		}
		defer httpResponse.Body.Close()
		if httpResponse.StatusCode != http.StatusOK {
			return fmt.Errorf("token endpoint returned status %d", httpResponse.StatusCode)
		}
		return json.NewDecoder(httpResponse.Body).Decode(&tokenResponse)
	})
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("Token acquisition failed, authentication unavailable")
		return nil, fmt.Errorf("auth: acquire token: %w", err)
	}
	if tokenResponse.AccessToken == "" {
		return nil, errors.New("auth: token endpoint returned an empty access_token")
	}
	return &oauth2.Token{
		AccessToken: tokenResponse.AccessToken,
		TokenType:   tokenResponse.TokenType,
		Expiry:      s.now().Add(time.Duration(tokenResponse.ExpiresIn)*time.Second - expirySkew),
	}, nil
}

// signAssertion builds the RFC 7523 client assertion: iss and sub are the
// client id, aud is the token endpoint, jti is unique per assertion.
func (s *ClientCredentialsStrategy) signAssertion() (string, error) {
	signingMethod := jwt.GetSigningMethod(s.config.SigningAlgorithm)
	if signingMethod == nil {
		return "", fmt.Errorf("unsupported signing algorithm %s", s.config.SigningAlgorithm)
	}
	now := s.now()
	token := jwt.NewWithClaims(signingMethod, jwt.MapClaims{
		"iss": s.config.ClientID,
		"sub": s.config.ClientID,
		"aud": s.config.TokenEndpoint,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
	})
	return token.SignedString(s.signingKey)
}

func parseRSAPrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key: %T", parsed)
	}
	return rsaKey, nil
}
