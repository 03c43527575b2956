package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notification-gateway/internal/audit"
	"github.com/example/notification-gateway/internal/config"
	"github.com/example/notification-gateway/internal/dispatch"
	"github.com/example/notification-gateway/internal/kafka/consumer"
	"github.com/example/notification-gateway/internal/kafka/producer"
	kafkapublisher "github.com/example/notification-gateway/internal/kafka/publisher"
	"github.com/example/notification-gateway/internal/logger"
	"github.com/example/notification-gateway/internal/render"
	"github.com/example/notification-gateway/internal/strategy"
	"github.com/example/notification-gateway/internal/tokens"
	transporthttp "github.com/example/notification-gateway/internal/transport/http"
	"github.com/example/notification-gateway/internal/util"
	"github.com/example/notification-gateway/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel, cfg.App.Name)
	if err != nil {
		fail("logger init", err)
	}
	log := *baseLogger

	prod, err := producer.New(cfg.Kafka.Brokers, logger.Component(log, "kafka-producer"),
		producer.WithClientID(cfg.Kafka.ClientID),
		producer.WithEnqueueTimeout(cfg.Kafka.EnqueueTimeout),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka producer")
	}
	defer func() {
		if err := prod.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka producer")
		}
	}()

	tokenStore, err := tokens.New(cfg.Tokens, logger.Component(log, "push-tokens"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise push token store")
	}
	defer func() {
		if err := tokenStore.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close push token store")
		}
	}()

	templateClient, err := render.NewClient(cfg.TemplateService, logger.Component(log, "template-client"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise template service client")
	}

	auditor := audit.NewEmitter(prod, cfg.Topics.Audit, cfg.App.Name, logger.Component(log, "audit"))

	publisher := kafkapublisher.NewNotificationPublisher(prod, kafkapublisher.Topics{
		SMS:  cfg.Topics.SMS,
		Push: cfg.Topics.Push,
	}, logger.Component(log, "channel-publisher"))
	if publisher == nil {
		log.Fatal().Msg("failed to create channel publisher")
	}

	dispatcher := dispatch.New(publisher, tokenStore, auditor, logger.Component(log, "dispatcher"))
	strategyEngine := strategy.New(dispatcher, auditor, logger.Component(log, "strategy"))

	engine, err := worker.NewEngine(worker.Config{
		MaxConcurrentRequests: cfg.Dispatch.MaxConcurrentRequests,
		RecipientConcurrency:  cfg.Dispatch.RecipientConcurrency,
		IntakeWait:            cfg.Dispatch.IntakeWait,
	}, worker.Dependencies{
		Correlator: render.NewCorrelator(templateClient, logger.Component(log, "render")),
		Strategy:   strategyEngine,
		Auditor:    auditor,
		Logger:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise orchestrator")
	}

	validator := util.NewRequestValidator()
	errCh := make(chan error, 2)

	readiness := map[string]transporthttp.ReadinessCheck{"kafka_producer": prod.IsReady}

	if cfg.Kafka.IntakeTopic != "" {
		cons, err := consumer.New(cfg.Kafka.Brokers, cfg.Kafka.IntakeGroup, logger.Component(log, "kafka-intake"),
			consumer.WithClientID(cfg.Kafka.ClientID+"-intake"),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka intake consumer")
		}
		defer func() {
			if err := cons.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka intake consumer")
			}
		}()
		readiness["kafka_intake"] = cons.IsReady

		handler := worker.KafkaHandler(engine, validator, cons, log)
		go func() {
			if err := cons.Consume(ctx, []string{cfg.Kafka.IntakeTopic}, handler); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("kafka intake: %w", err)
			}
		}()
		log.Info().Str("intake_topic", cfg.Kafka.IntakeTopic).Msg("kafka intake started")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      transporthttp.NewHandler(engine, validator, readiness, logger.Component(log, "http")).Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	log.Info().
		Int("port", cfg.HTTP.Port).
		Str("sms_topic", cfg.Topics.SMS).
		Str("push_topic", cfg.Topics.Push).
		Str("audit_topic", cfg.Topics.Audit).
		Msg("notification gateway started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("component terminated with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("orchestrator did not drain before shutdown deadline")
	}
	if err := settle(shutdownCtx, prod, dispatcher); err != nil {
		log.Warn().Err(err).Msg("broker outcomes still outstanding at shutdown")
	}
	log.Info().Int("pending_acks", prod.Pending()).Msg("notification gateway stopping")
}

// settle waits until every published message has a broker outcome and every
// nack has been reported on the audit topic, so the producer is only closed
// once nothing more can be enqueued through it.
func settle(ctx context.Context, prod *producer.Producer, dispatcher *dispatch.Dispatcher) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if prod.Pending() == 0 {
			if err := dispatcher.Drain(ctx); err != nil {
				return err
			}
			if prod.Pending() == 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("notification gateway init failed")
}
