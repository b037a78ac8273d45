package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	MQTTBrokerURL   string `mapstructure:"mqtt_broker_url"`
	MQTTClientID    string `mapstructure:"mqtt_client_id"`
	MQTTTopicPrefix string `mapstructure:"mqtt_topic_prefix"`

	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     string `mapstructure:"postgres_port"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`

	JWTPublicKeyPath string `mapstructure:"jwt_public_key_path"`

	ScheduleInterval      time.Duration `mapstructure:"schedule_interval"`
	RetentionInterval     time.Duration `mapstructure:"retention_interval"`
	RetentionSampleWindow time.Duration `mapstructure:"retention_sample_window"`
	NotificationCap       int           `mapstructure:"notification_cap"`
	EventQueueSize        int           `mapstructure:"event_queue_size"`

	ProvisionFile string   `mapstructure:"provision_file"`
	CORSOrigins   []string `mapstructure:"cors_origins"`
	OTLPEndpoint  string   `mapstructure:"otel_exporter_otlp_endpoint"`
}

var defaults = map[string]any{
	"port":                        "8095",
	"log_level":                   "info",
	"mqtt_broker_url":             "mqtt://emqx:1883",
	"mqtt_client_id":              "relay-hub",
	"mqtt_topic_prefix":           "",
	"postgres_user":               "",
	"postgres_password":           "",
	"postgres_db":                 "",
	"postgres_host":               "postgres",
	"postgres_port":               "5432",
	"postgres_sslmode":            "disable",
	"redis_addr":                  "redis:6379",
	"redis_password":              "",
	"jwt_public_key_path":         "",
	"schedule_interval":           "30s",
	"retention_interval":          "30s",
	"retention_sample_window":     "60s",
	"notification_cap":            5,
	"event_queue_size":            1024,
	"provision_file":              "",
	"cors_origins":                "*",
	"otel_exporter_otlp_endpoint": "",
}

// Load reads path when it is non-empty, then lets the upper-case environment
// variables (PORT, MQTT_BROKER_URL, ...) override every key.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.CORSOrigins = trimList(cfg.CORSOrigins)
	if cfg.NotificationCap <= 0 {
		cfg.NotificationCap = 5
	}

	return &cfg, nil
}

// LogValue summarizes the non-secret settings for the startup log line.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("port", c.Port),
		slog.String("mqtt_broker_url", c.MQTTBrokerURL),
		slog.String("mqtt_topic_prefix", c.MQTTTopicPrefix),
		slog.String("postgres_host", c.PostgresHost),
		slog.String("redis_addr", c.RedisAddr),
		slog.Duration("schedule_interval", c.ScheduleInterval),
		slog.Duration("retention_interval", c.RetentionInterval),
	)
}

// trimList drops blank entries. Env values arrive comma separated.
func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Missing lists required settings that are empty, by env name.
func (c *Config) Missing() []string {
	var missing []string
	for key, val := range map[string]string{
		"POSTGRES_USER":       c.PostgresUser,
		"POSTGRES_PASSWORD":   c.PostgresPassword,
		"POSTGRES_DB":         c.PostgresDB,
		"JWT_PUBLIC_KEY_PATH": c.JWTPublicKeyPath,
	} {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, key)
		}
	}
	slices.Sort(missing)
	return missing
}
