package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the notification gateway.
type Config struct {
	App             AppConfig
	HTTP            HTTPConfig
	Kafka           KafkaConfig
	Topics          TopicConfig
	TemplateService TemplateServiceConfig
	Tokens          TokenStoreConfig
	Dispatch        DispatchConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	Name     string
	LogLevel string
}

// HTTPConfig controls the intake HTTP server.
type HTTPConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// KafkaConfig defines broker information and producer tuning.
type KafkaConfig struct {
	Brokers        []string
	ClientID       string
	EnqueueTimeout time.Duration
	// IntakeTopic enables the queue intake when set.
	IntakeTopic string
	IntakeGroup string
}

// TopicConfig names the per-channel delivery topics and the audit topic.
type TopicConfig struct {
	SMS   string
	Push  string
	Audit string
}

// TemplateServiceConfig points at the rendering service.
type TemplateServiceConfig struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// TokenStoreConfig selects and configures the push-token store backend.
type TokenStoreConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	StaticTokens  []string
}

// DispatchConfig bounds orchestration concurrency.
type DispatchConfig struct {
	MaxConcurrentRequests int
	RecipientConcurrency  int
	IntakeWait            time.Duration
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Name = ldr.getString("APP_NAME", "notification-gateway", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.HTTP.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.HTTP.ReadTimeout = ldr.getMillis("HTTP_READ_TIMEOUT_MS", 5000)
	cfg.HTTP.WriteTimeout = ldr.getMillis("HTTP_WRITE_TIMEOUT_MS", 10000)
	cfg.HTTP.ShutdownTimeout = ldr.getMillis("HTTP_SHUTDOWN_TIMEOUT_MS", 15000)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", true)
	cfg.Kafka.ClientID = ldr.getString("KAFKA_CLIENT_ID", "notification-gateway", false)
	cfg.Kafka.EnqueueTimeout = ldr.getMillis("KAFKA_ENQUEUE_TIMEOUT_MS", 5000)
	cfg.Kafka.IntakeTopic = ldr.getString("KAFKA_INTAKE_TOPIC", "", false)
	cfg.Kafka.IntakeGroup = ldr.getString("KAFKA_INTAKE_GROUP", "notification-gateway", false)

	cfg.Topics.SMS = ldr.getString("KAFKA_SMS_TOPIC", "notification.sms", false)
	cfg.Topics.Push = ldr.getString("KAFKA_PUSH_TOPIC", "notification.fcm", false)
	cfg.Topics.Audit = ldr.getString("KAFKA_AUDIT_TOPIC", "notification.event", false)

	cfg.TemplateService.URL = ldr.getString("TEMPLATE_SERVICE_URL", "", true)
	cfg.TemplateService.Username = ldr.getString("TEMPLATE_SERVICE_USERNAME", "", false)
	cfg.TemplateService.Password = ldr.getString("TEMPLATE_SERVICE_PASSWORD", "", false)
	cfg.TemplateService.Timeout = ldr.getMillis("TEMPLATE_SERVICE_TIMEOUT_MS", 10000)

	cfg.Tokens.Backend = strings.ToLower(ldr.getString("PUSH_TOKEN_BACKEND", "redis", false))
	cfg.Tokens.RedisAddr = ldr.getString("REDIS_ADDR", "localhost:6379", false)
	cfg.Tokens.RedisPassword = ldr.getString("REDIS_PASSWORD", "", false)
	cfg.Tokens.RedisDB = ldr.getInt("REDIS_DB", 0, false)
	cfg.Tokens.KeyPrefix = ldr.getString("PUSH_TOKEN_KEY_PREFIX", "push_tokens:", false)
	cfg.Tokens.StaticTokens = ldr.getStringSlice("PUSH_STATIC_TOKENS", false)

	cfg.Dispatch.MaxConcurrentRequests = ldr.getInt("MAX_CONCURRENT_REQUESTS", 64, false)
	cfg.Dispatch.RecipientConcurrency = ldr.getInt("RECIPIENT_CONCURRENCY", 8, false)
	cfg.Dispatch.IntakeWait = ldr.getMillis("INTAKE_WAIT_MS", 2000)

	if cfg.Dispatch.MaxConcurrentRequests < 1 {
		ldr.addError("MAX_CONCURRENT_REQUESTS must be >= 1")
	}
	if cfg.Dispatch.RecipientConcurrency < 1 {
		ldr.addError("RECIPIENT_CONCURRENCY must be >= 1")
	}
	switch cfg.Tokens.Backend {
	case "redis", "static":
	default:
		ldr.addError(fmt.Sprintf("PUSH_TOKEN_BACKEND %q is not supported", cfg.Tokens.Backend))
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getMillis(key string, def int) time.Duration {
	ms := l.getInt(key, def, false)
	if ms < 0 {
		l.addError(fmt.Sprintf("%s cannot be negative", key))
		return time.Duration(def) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
