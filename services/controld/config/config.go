package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the control server.
type Config struct {
	LogLevel       string
	KafkaBrokers   string
	TelemetryTopic string
	ConsumerGroup  string
	RedisAddr      string
	PostgresDSN    string
	HTTPPort       string
	MetricsAddr    string
	OTelEndpoint   string
	AssignInterval time.Duration
	EnvBandMin     float64
	EnvBandMax     float64
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:       v.GetString("log_level"),
		KafkaBrokers:   v.GetString("kafka_brokers"),
		TelemetryTopic: v.GetString("telemetry_topic"),
		ConsumerGroup:  v.GetString("consumer_group"),
		RedisAddr:      v.GetString("redis_addr"),
		PostgresDSN:    v.GetString("postgres_dsn"),
		HTTPPort:       v.GetString("http_port"),
		MetricsAddr:    v.GetString("metrics_addr"),
		OTelEndpoint:   v.GetString("otel_endpoint"),
		AssignInterval: v.GetDuration("assign_interval"),
		EnvBandMin:     v.GetFloat64("env_band_min"),
		EnvBandMax:     v.GetFloat64("env_band_max"),
	}
}
