package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/priorauth/gateway/auth"
	"github.com/priorauth/gateway/breaker"
	"github.com/priorauth/gateway/ehr"
	"github.com/priorauth/gateway/events"
	"github.com/priorauth/gateway/forms"
	"github.com/priorauth/gateway/healthcheck"
	"github.com/priorauth/gateway/intake"
	"github.com/priorauth/gateway/intelligence"
	"github.com/priorauth/gateway/messaging"
	"github.com/priorauth/gateway/metrics"
	"github.com/priorauth/gateway/notification"
	"github.com/priorauth/gateway/registry"
	"github.com/priorauth/gateway/workitem"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownGracePeriod = 10 * time.Second

type Service interface {
	RegisterHandlers(mux *http.ServeMux)
}

// Start wires the gateway and serves until ctx is cancelled or a
// SIGINT/SIGTERM arrives.
func Start(ctx context.Context, config Config) error {
	zerolog.SetGlobalLevel(config.LogLevel)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := notification.NewHub()
	observability := metrics.New(hub.SubscriberCount)

	fhirBreaker := breaker.New("fhir", config.FHIR.Breaker)
	intelligenceBreaker := breaker.New("intelligence", config.Intelligence.Breaker)
	stamperBreaker := breaker.New("stamper", config.Forms.Breaker)
	uploadBreaker := breaker.New("upload", config.Forms.Breaker)
	authBreaker := breaker.New("auth", breaker.DefaultConfig())
	breakers := []*breaker.CircuitBreaker{fhirBreaker, intelligenceBreaker, stamperBreaker, uploadBreaker, authBreaker}
	for _, cb := range breakers {
		cb.OnStateChange(observability.OnBreakerStateChange)
	}

	messageBroker, err := messaging.New(config.Messaging, []messaging.Entity{intake.EncounterCompletedQueue})
	if err != nil {
		return fmt.Errorf("failed to create message broker: %w", err)
	}
	eventManager := events.NewManager(messageBroker)

	strategies := []auth.TokenStrategy{auth.ContextTokenStrategy{}}
	if config.Auth.Enabled() {
		clientCredentials, err := auth.NewClientCredentialsStrategy(config.Auth, authBreaker)
		if err != nil {
			return fmt.Errorf("failed to configure client credentials: %w", err)
		}
		strategies = append(strategies, clientCredentials)
	} else {
		log.Warn().Msg("Client credentials are not configured, only caller-supplied tokens will work")
	}
	resolver := auth.NewResolver(strategies...)

	clients, err := ehr.NewClientFactory(config.FHIR, fhirBreaker)
	if err != nil {
		return fmt.Errorf("failed to create FHIR client factory: %w", err)
	}
	analysisClient, err := intelligence.NewClient(config.Intelligence, intelligenceBreaker)
	if err != nil {
		return fmt.Errorf("failed to create intelligence client: %w", err)
	}

	patientRegistry := registry.NewInMemoryRegistry(config.Registry.ActiveWindow)
	store := workitem.NewInMemoryStore()
	formCache := forms.NewCache(config.Forms.CacheTTL)
	stamper := forms.NewHTTPStamper(config.Forms, stamperBreaker)
	uploader := forms.NewHTTPUploader(config.Forms, uploadBreaker)

	processor := intake.NewProcessor(config.Processor, resolver, clients, analysisClient,
		stamper, formCache, store, hub).WithRecorder(observability)
	if err := processor.Subscribe(eventManager); err != nil {
		return fmt.Errorf("failed to subscribe processor: %w", err)
	}
	poller := intake.NewPollingService(config.Polling, patientRegistry, resolver, clients, eventManager).
		WithRecorder(observability)
	poller.Start(ctx)

	// Register services
	httpHandler := http.NewServeMux()
	services := []Service{
		intake.NewService(patientRegistry, store, hub, formCache, uploader, processor),
		healthcheck.New(breakers...),
	}
	for _, service := range services {
		service.RegisterHandlers(httpHandler)
	}
	httpHandler.Handle("GET /metrics", observability.Handler())

	server := &http.Server{
		Addr:    config.Public.Address,
		Handler: observability.Middleware(httpHandler),
	}
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		if err := messageBroker.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Message broker close failed")
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	<-shutdownDone
	return nil
}
