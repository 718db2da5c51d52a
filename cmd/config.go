package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/priorauth/gateway/auth"
	"github.com/priorauth/gateway/ehr"
	"github.com/priorauth/gateway/forms"
	"github.com/priorauth/gateway/intake"
	"github.com/priorauth/gateway/intelligence"
	"github.com/priorauth/gateway/messaging"
	"github.com/priorauth/gateway/registry"
	"github.com/rs/zerolog"
)

type Config struct {
	// Public holds the configuration for the public interface.
	Public InterfaceConfig `koanf:"public"`
	// FHIR holds the configuration for the upstream EHR FHIR API.
	FHIR ehr.Config `koanf:"fhir"`
	// Auth holds the client credentials used against the EHR's token endpoint.
	// Leave empty to rely solely on caller-supplied tokens.
	Auth         auth.ClientCredentialsConfig `koanf:"auth"`
	Intelligence intelligence.Config          `koanf:"intelligence"`
	Forms        forms.Config                 `koanf:"forms"`
	Polling      intake.PollingConfig         `koanf:"polling"`
	Processor    intake.ProcessorConfig       `koanf:"processor"`
	Registry     RegistryConfig               `koanf:"registry"`
	Messaging    messaging.Config             `koanf:"messaging"`
	LogLevel     zerolog.Level                `koanf:"loglevel"`
	StrictMode   bool                         `koanf:"strictmode"`
}

type RegistryConfig struct {
	// ActiveWindow is how long a registration stays eligible for polling.
	ActiveWindow time.Duration `koanf:"activewindow"`
}

// InterfaceConfig holds the configuration for an HTTP interface.
type InterfaceConfig struct {
	// Address holds the address to listen on.
	Address string `koanf:"address"`
}

func (c Config) Validate() error {
	if c.Public.Address == "" {
		return errors.New("public address is not configured")
	}
	if err := c.FHIR.Validate(); err != nil {
		return fmt.Errorf("invalid FHIR configuration: %w", err)
	}
	if err := c.Intelligence.Validate(); err != nil {
		return fmt.Errorf("invalid intelligence configuration: %w", err)
	}
	if err := c.Polling.Validate(); err != nil {
		return fmt.Errorf("invalid polling configuration: %w", err)
	}
	if err := c.Messaging.Validate(c.StrictMode); err != nil {
		return fmt.Errorf("invalid messaging configuration: %w", err)
	}
	if c.Auth.Enabled() {
		if err := c.Auth.Validate(); err != nil {
			return fmt.Errorf("invalid auth configuration: %w", err)
		}
	} else if c.StrictMode {
		return errors.New("auth is not configured (required in strict mode)")
	}
	return nil
}

// LoadConfig loads the configuration from the environment.
func LoadConfig() (*Config, error) {
	result := DefaultConfig()
	if err := loadConfigInto(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func loadConfigInto(target any) error {
	k := koanf.New(".")
	err := k.Load(env.ProviderWithValue("PAGW_", ".", func(key string, value string) (string, interface{}) {
		key = strings.Replace(strings.ToLower(strings.TrimPrefix(key, "PAGW_")), "_", ".", -1)
		if len(value) == 0 {
			return key, nil
		}
		sliceValues := splitWithEscaping(value, ",", "\\")
		for i, s := range sliceValues {
			sliceValues[i] = strings.TrimSpace(s)
		}
		var parsedValue any = sliceValues
		if len(sliceValues) == 1 {
			parsedValue = sliceValues[0]
		}
		return key, parsedValue
	}), nil)
	if err != nil {
		return err
	}
	return k.Unmarshal("", target)
}

func splitWithEscaping(s, separator, escape string) []string {
	s = strings.ReplaceAll(s, escape+separator, "\x00")
	tokens := strings.Split(s, separator)
	for i, token := range tokens {
		tokens[i] = strings.ReplaceAll(token, "\x00", separator)
	}
	return tokens
}

// DefaultConfig returns sensible, but not complete, default configuration values.
func DefaultConfig() Config {
	return Config{
		LogLevel:   zerolog.InfoLevel,
		StrictMode: true,
		Public: InterfaceConfig{
			Address: ":8080",
		},
		FHIR:         ehr.DefaultConfig(),
		Auth:         auth.DefaultClientCredentialsConfig(),
		Intelligence: intelligence.DefaultConfig(),
		Forms:        forms.DefaultConfig(),
		Polling:      intake.DefaultPollingConfig(),
		Processor:    intake.DefaultProcessorConfig(),
		Registry: RegistryConfig{
			ActiveWindow: registry.DefaultActiveWindow,
		},
	}
}
