package config_test

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/example/notification-gateway/internal/config"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KAFKA_BROKERS", "broker-a:9092")
	t.Setenv("TEMPLATE_SERVICE_URL", "http://templates.local")
}

func TestLoadSuccess(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("APP_PORT", "9000")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9093")
	t.Setenv("TEMPLATE_SERVICE_URL", "http://templates.local")
	t.Setenv("TEMPLATE_SERVICE_USERNAME", "gateway")
	t.Setenv("TEMPLATE_SERVICE_PASSWORD", "secret")
	t.Setenv("KAFKA_SMS_TOPIC", "sms.out")
	t.Setenv("PUSH_TOKEN_BACKEND", "STATIC")
	t.Setenv("PUSH_STATIC_TOKENS", "tok-a,tok-b")
	t.Setenv("MAX_CONCURRENT_REQUESTS", "4")
	t.Setenv("INTAKE_WAIT_MS", "250")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantBrokers := []string{"broker-a:9092", "broker-b:9093"}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, wantBrokers) {
		t.Fatalf("expected brokers %v, got %v", wantBrokers, cfg.Kafka.Brokers)
	}
	if cfg.App.Env != "production" {
		t.Fatalf("expected app env production, got %s", cfg.App.Env)
	}
	if cfg.HTTP.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.HTTP.Port)
	}
	if cfg.App.LogLevel != "warn" {
		t.Fatalf("expected log level warn, got %s", cfg.App.LogLevel)
	}
	if cfg.Topics.SMS != "sms.out" {
		t.Fatalf("expected sms topic override, got %s", cfg.Topics.SMS)
	}
	if cfg.Topics.Push != "notification.fcm" || cfg.Topics.Audit != "notification.event" {
		t.Fatalf("unexpected default topics: %+v", cfg.Topics)
	}
	if cfg.Tokens.Backend != "static" {
		t.Fatalf("expected static backend, got %s", cfg.Tokens.Backend)
	}
	if !reflect.DeepEqual(cfg.Tokens.StaticTokens, []string{"tok-a", "tok-b"}) {
		t.Fatalf("unexpected static tokens: %v", cfg.Tokens.StaticTokens)
	}
	if cfg.Dispatch.MaxConcurrentRequests != 4 {
		t.Fatalf("expected 4 concurrent requests, got %d", cfg.Dispatch.MaxConcurrentRequests)
	}
	if cfg.Dispatch.IntakeWait != 250*time.Millisecond {
		t.Fatalf("expected 250ms intake wait, got %s", cfg.Dispatch.IntakeWait)
	}
	if cfg.TemplateService.Timeout != 10*time.Second {
		t.Fatalf("expected default template timeout, got %s", cfg.TemplateService.Timeout)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("TEMPLATE_SERVICE_URL", "")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected error for missing required values")
	}
	for _, key := range []string{"KAFKA_BROKERS", "TEMPLATE_SERVICE_URL"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected error to mention %s, got %v", key, err)
		}
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_PORT", "eighty")
	t.Setenv("RECIPIENT_CONCURRENCY", "0")
	t.Setenv("PUSH_TOKEN_BACKEND", "memcached")
	t.Setenv("KAFKA_ENQUEUE_TIMEOUT_MS", "-5")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_PORT", "RECIPIENT_CONCURRENCY", "PUSH_TOKEN_BACKEND", "KAFKA_ENQUEUE_TIMEOUT_MS"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %v", want, err)
		}
	}
}
