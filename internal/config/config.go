// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration holds all runtime configuration for the service.
type Configuration struct {
	Service       ServiceConfig
	Capture       CaptureConfig
	STT           STTConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds service-level settings.
type ServiceConfig struct {
	Principal string // identity attached to published events
	HTTPAddr  string // control API listen address
}

// CaptureConfig holds capture helper settings.
type CaptureConfig struct {
	HelperPath   string        // path to the native capture helper binary
	StartTimeout time.Duration // max wait for the helper's "started" message
	StopGrace    time.Duration // wait after interrupt before force-killing
}

// STTConfig holds speech-to-text settings.
type STTConfig struct {
	Provider       string // "google" or "mock"
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
}

// KafkaConfig holds the optional transcript event mirror settings.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// Load reads configuration from the environment, applying defaults.
func Load() *Configuration {
	return &Configuration{
		Service: ServiceConfig{
			Principal: envOrDefault("SERVICE_PRINCIPAL", "svc-dualscribe"),
			HTTPAddr:  envOrDefault("HTTP_ADDR", ":8080"),
		},
		Capture: CaptureConfig{
			HelperPath:   envOrDefault("CAPTURE_HELPER_PATH", "audiocap"),
			StartTimeout: envDuration("CAPTURE_START_TIMEOUT", 10*time.Second),
			StopGrace:    envDuration("CAPTURE_STOP_GRACE", 5*time.Second),
		},
		STT: STTConfig{
			Provider:       envOrDefault("STT_PROVIDER", "mock"),
			LanguageCode:   envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:   envInt("STT_SAMPLE_RATE_HZ", 16000),
			InterimResults: envBool("STT_INTERIM_RESULTS", true),
		},
		Kafka: KafkaConfig{
			Enabled:      envBool("KAFKA_ENABLED", false),
			Brokers:      envList("KAFKA_BROKERS"),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "transcript.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "transcript.final"),
		},
		Observability: ObservabilityConfig{
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
			LogFormat:   envOrDefault("LOG_FORMAT", "json"),
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
