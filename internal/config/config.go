package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config lists the tunable parameters for the tag server.
type Config struct {
	HTTPPort           int
	MQTTBroker         string
	MQTTListen         string
	MQTTClientID       string
	DatabasePath       string
	LogLevel           string
	APIBaseURL         string
	APIToken           string
	APIRetries         int
	RedisAddr          string
	GeocoderURL        string
	PinTimeoutMinutes  int
	SettingsPassphrase string
	HistoryDays        int
	HistoryLimit       int
	MDNSEnabled        bool
	Timezone           string
}

const (
	defaultHTTPPort          = 8080
	defaultMQTTBroker        = "tcp://127.0.0.1:1883"
	defaultDatabasePath      = "data/utag.db"
	defaultLogLevel          = "info"
	defaultPinTimeoutMinutes = 5
	defaultHistoryDays       = 8
	defaultHistoryLimit      = 500
	defaultTimezone          = "Local"
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:          defaultHTTPPort,
		MQTTBroker:        defaultMQTTBroker,
		DatabasePath:      defaultDatabasePath,
		LogLevel:          defaultLogLevel,
		PinTimeoutMinutes: defaultPinTimeoutMinutes,
		HistoryDays:       defaultHistoryDays,
		HistoryLimit:      defaultHistoryLimit,
		MDNSEnabled:       true,
		Timezone:          defaultTimezone,
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"UTAG_HTTP_PORT", &cfg.HTTPPort},
		{"UTAG_API_RETRIES", &cfg.APIRetries},
		{"UTAG_PIN_TIMEOUT_MINUTES", &cfg.PinTimeoutMinutes},
		{"UTAG_HISTORY_DAYS", &cfg.HistoryDays},
		{"UTAG_HISTORY_LIMIT", &cfg.HistoryLimit},
	}
	for _, f := range ints {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		*f.dst = n
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"UTAG_MQTT_BROKER", &cfg.MQTTBroker},
		{"UTAG_MQTT_CLIENT_ID", &cfg.MQTTClientID},
		{"UTAG_MQTT_LISTEN", &cfg.MQTTListen},
		{"UTAG_DATABASE_PATH", &cfg.DatabasePath},
		{"UTAG_LOG_LEVEL", &cfg.LogLevel},
		{"UTAG_API_BASE_URL", &cfg.APIBaseURL},
		{"UTAG_API_TOKEN", &cfg.APIToken},
		{"UTAG_REDIS_ADDR", &cfg.RedisAddr},
		{"UTAG_GEOCODER_URL", &cfg.GeocoderURL},
		{"UTAG_SETTINGS_PASSPHRASE", &cfg.SettingsPassphrase},
		{"UTAG_TIMEZONE", &cfg.Timezone},
	}
	for _, f := range strs {
		if v := os.Getenv(f.key); v != "" {
			*f.dst = v
		}
	}

	if v := os.Getenv("UTAG_MDNS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid UTAG_MDNS_ENABLED: %w", err)
		}
		cfg.MDNSEnabled = enabled
	}

	if cfg.APIRetries < 0 {
		return Config{}, fmt.Errorf("invalid UTAG_API_RETRIES: %d is negative", cfg.APIRetries)
	}
	if _, err := cfg.Location(); err != nil {
		return Config{}, fmt.Errorf("invalid UTAG_TIMEZONE: %w", err)
	}

	return cfg, nil
}

// Location resolves the configured time zone used for history day boundaries.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}
