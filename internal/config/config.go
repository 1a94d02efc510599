// Package config provides configuration management for the go-pika2mqtt application.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Publish policies.
const (
	PolicyOnChange = "on_change"
	PolicyLive     = "live"
)

// Ignore policies.
const (
	IgnoreAtIngest  = "ingest"
	IgnoreAtPublish = "publish"
)

// Feed shapes accepted by the parser.
const (
	ShapeAuto    = "auto"
	ShapeBusDump = "bus_dump"
	ShapeCompact = "compact"
)

// Recovery modes.
const (
	RecoveryNone   = "none"
	RecoveryScript = "script"
	RecoverySSH    = "ssh"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// Upstream appliance settings
	Pika struct {
		Host           string   `mapstructure:"host"`
		Port           int      `mapstructure:"port"`
		URL            string   `mapstructure:"url"`
		Shape          string   `mapstructure:"shape"`
		TimeoutMs      int      `mapstructure:"timeout_ms"`
		RefreshSeconds int      `mapstructure:"refresh_seconds"`
		BackoffMaxSecs int      `mapstructure:"backoff_max_seconds"`
		GridTie        bool     `mapstructure:"grid_tie"`
		IgnoreTypes    []string `mapstructure:"ignore_types"`
		Validation     string   `mapstructure:"validation"`

		Breaker struct {
			Failures    int `mapstructure:"failures"`
			OpenSeconds int `mapstructure:"open_seconds"`
		} `mapstructure:"breaker"`
	} `mapstructure:"pika"`

	// Publication settings
	Publish struct {
		Policy        string   `mapstructure:"policy"`
		IgnorePolicy  string   `mapstructure:"ignore_policy"`
		IgnoreSerials []string `mapstructure:"ignore_serials"`
		GridAsDevice  bool     `mapstructure:"grid_as_device"`
	} `mapstructure:"publish"`

	// MQTT settings
	MQTT struct {
		Enabled                  bool   `mapstructure:"enabled"`
		Host                     string `mapstructure:"host"`
		Port                     int    `mapstructure:"port"`
		Username                 string `mapstructure:"username"`
		Password                 string `mapstructure:"password"`
		Topic                    string `mapstructure:"topic"`
		ClientID                 string `mapstructure:"client_id"`
		Retain                   bool   `mapstructure:"retain"`
		ConnectionRetryAttempts  int    `mapstructure:"connection_retry_attempts"`
		ConnectionRetryBaseDelay int    `mapstructure:"connection_retry_base_delay_seconds"`
		ConnectionTimeout        int    `mapstructure:"connection_timeout_seconds"`
		PublishTimeout           int    `mapstructure:"publish_timeout_seconds"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled              bool   `mapstructure:"enabled"`
			DiscoveryPrefix      string `mapstructure:"discovery_prefix"`
			DeviceManufacturer   string `mapstructure:"device_manufacturer"`
			RetainDiscovery      bool   `mapstructure:"retain_discovery"`
			ListenToBirthMessage bool   `mapstructure:"listen_to_birth_message"`
			RemoveOnStop         bool   `mapstructure:"remove_on_stop"` // clear announced entities on shutdown
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// Recovery settings
	Recovery struct {
		Mode            string `mapstructure:"mode"`
		KeyFile         string `mapstructure:"key_file"`
		Script          string `mapstructure:"script"`
		User            string `mapstructure:"user"`
		Port            int    `mapstructure:"port"`
		Command         string `mapstructure:"command"`
		KnownHosts      string `mapstructure:"known_hosts"`
		ThresholdCycles int    `mapstructure:"threshold_cycles"`
		SettleSeconds   int    `mapstructure:"settle_seconds"`
		TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
		OnStart         bool   `mapstructure:"on_start"`
	} `mapstructure:"recovery"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// PVOutput settings
	PVOutput struct {
		Enabled            bool   `mapstructure:"enabled"`
		APIKey             string `mapstructure:"api_key"`
		SystemID           string `mapstructure:"system_id"`
		URL                string `mapstructure:"url"`
		UpdateLimitMinutes int    `mapstructure:"update_limit_minutes"`
	} `mapstructure:"pvoutput"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
	}

	// Default upstream settings
	cfg.Pika.Port = 8000
	cfg.Pika.Shape = ShapeAuto
	cfg.Pika.TimeoutMs = 500
	cfg.Pika.RefreshSeconds = 1
	cfg.Pika.BackoffMaxSecs = 60
	cfg.Pika.GridTie = true
	cfg.Pika.IgnoreTypes = []string{"weatherstation", "beacon", "unknown"}
	cfg.Pika.Validation = "standard"
	cfg.Pika.Breaker.Failures = 5
	cfg.Pika.Breaker.OpenSeconds = 30

	// Default publication settings
	cfg.Publish.Policy = PolicyOnChange
	cfg.Publish.IgnorePolicy = IgnoreAtIngest
	cfg.Publish.GridAsDevice = false

	// Default MQTT settings
	cfg.MQTT.Enabled = true
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "pika/"
	cfg.MQTT.Retain = false
	cfg.MQTT.ConnectionRetryAttempts = 5
	cfg.MQTT.ConnectionRetryBaseDelay = 2
	cfg.MQTT.ConnectionTimeout = 10
	cfg.MQTT.PublishTimeout = 5

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "Generac"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true
	cfg.MQTT.HomeAssistantAutoDiscovery.ListenToBirthMessage = true
	cfg.MQTT.HomeAssistantAutoDiscovery.RemoveOnStop = false

	// Default recovery settings
	cfg.Recovery.Mode = RecoveryScript
	cfg.Recovery.KeyFile = "/key/id_rsa"
	cfg.Recovery.Script = "extras/keep_running.sh"
	cfg.Recovery.User = "root"
	cfg.Recovery.Port = 22
	cfg.Recovery.ThresholdCycles = 3
	cfg.Recovery.SettleSeconds = 5
	cfg.Recovery.TimeoutSeconds = 60
	cfg.Recovery.OnStart = true

	// Default API settings
	cfg.API.Enabled = false
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default PVOutput settings
	cfg.PVOutput.Enabled = false
	cfg.PVOutput.URL = "https://pvoutput.org/service/r2/addstatus.jsp"
	cfg.PVOutput.UpdateLimitMinutes = 5

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML or a missing explicit file) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables, e.g. PIKA_MQTT_HOST
	v.SetEnvPrefix("PIKA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return cfg, nil
}

// bindEnv registers the keys that may be set from the environment only.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"log_level", "log_file",
		"pika.host", "pika.url", "pika.port", "pika.shape", "pika.refresh_seconds", "pika.validation",
		"publish.policy", "publish.ignore_policy", "publish.grid_as_device",
		"mqtt.enabled", "mqtt.host", "mqtt.port", "mqtt.username", "mqtt.password", "mqtt.topic",
		"recovery.mode", "recovery.key_file", "recovery.command",
		"api.enabled", "api.port",
		"pvoutput.enabled", "pvoutput.api_key", "pvoutput.system_id",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate checks option values that have a fixed set of choices.
func (c *Config) Validate() error {
	switch c.Publish.Policy {
	case PolicyOnChange, PolicyLive:
	default:
		return fmt.Errorf("invalid publish.policy %q", c.Publish.Policy)
	}

	switch c.Publish.IgnorePolicy {
	case IgnoreAtIngest, IgnoreAtPublish:
	default:
		return fmt.Errorf("invalid publish.ignore_policy %q", c.Publish.IgnorePolicy)
	}

	switch c.Pika.Shape {
	case ShapeAuto, ShapeBusDump, ShapeCompact:
	default:
		return fmt.Errorf("invalid pika.shape %q", c.Pika.Shape)
	}

	switch c.Pika.Validation {
	case "basic", "standard", "strict":
	default:
		return fmt.Errorf("invalid pika.validation %q", c.Pika.Validation)
	}

	switch c.Recovery.Mode {
	case RecoveryNone, RecoveryScript:
	case RecoverySSH:
		if c.Recovery.Command == "" {
			return errors.New("recovery.command is required when recovery.mode is ssh")
		}
	default:
		return fmt.Errorf("invalid recovery.mode %q", c.Recovery.Mode)
	}

	if c.Pika.Host == "" && c.Pika.URL == "" {
		return errors.New("either pika.host or pika.url must be set")
	}

	if c.Pika.RefreshSeconds <= 0 {
		return fmt.Errorf("pika.refresh_seconds must be positive, got %d", c.Pika.RefreshSeconds)
	}

	if _, err := c.IgnoredTypes(); err != nil {
		return err
	}

	return nil
}

// IgnoredTypes resolves pika.ignore_types to device types.
func (c *Config) IgnoredTypes() ([]domain.DeviceType, error) {
	types := make([]domain.DeviceType, 0, len(c.Pika.IgnoreTypes))
	for _, name := range c.Pika.IgnoreTypes {
		t, err := domain.ParseDeviceType(name)
		if err != nil {
			return nil, fmt.Errorf("invalid pika.ignore_types: %w", err)
		}
		types = append(types, t)
	}
	return types, nil
}

// BaseURL returns the upstream base URL. A bare hostname maps to the local API port.
func (c *Config) BaseURL() string {
	if c.Pika.URL != "" {
		return strings.TrimRight(c.Pika.URL, "/")
	}
	host := c.Pika.Host
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return strings.TrimRight(host, "/")
	}
	return fmt.Sprintf("http://%s:%d", host, c.Pika.Port)
}

// TopicPrefix returns the MQTT topic prefix, always ending in a slash.
func (c *Config) TopicPrefix() string {
	prefix := c.MQTT.Topic
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// RefreshInterval returns the poll interval.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Pika.RefreshSeconds) * time.Second
}

// FetchTimeout returns the upstream request timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Pika.TimeoutMs) * time.Millisecond
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-pika2mqtt Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")

	logger.Info().
		Str("base_url", c.BaseURL()).
		Str("shape", c.Pika.Shape).
		Int("timeout_ms", c.Pika.TimeoutMs).
		Int("refresh_seconds", c.Pika.RefreshSeconds).
		Bool("grid_tie", c.Pika.GridTie).
		Strs("ignore_types", c.Pika.IgnoreTypes).
		Str("validation", c.Pika.Validation).
		Msg("Upstream")

	logger.Info().
		Str("policy", c.Publish.Policy).
		Str("ignore_policy", c.Publish.IgnorePolicy).
		Strs("ignore_serials", c.Publish.IgnoreSerials).
		Bool("grid_as_device", c.Publish.GridAsDevice).
		Msg("Publishing")

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.TopicPrefix()).
			Bool("retain", c.MQTT.Retain).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Bool("homeassistant_remove_on_stop", c.MQTT.HomeAssistantAutoDiscovery.RemoveOnStop).
			Msg("MQTT Configuration")
	}

	logger.Info().
		Str("mode", c.Recovery.Mode).
		Str("key_file", c.Recovery.KeyFile).
		Int("threshold_cycles", c.Recovery.ThresholdCycles).
		Msg("Recovery")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.PVOutput.Enabled).Msg("PVOutput Enabled")
	if c.PVOutput.Enabled {
		logger.Info().
			Str("system_id", c.PVOutput.SystemID).
			Int("update_limit_minutes", c.PVOutput.UpdateLimitMinutes).
			Msg("PVOutput Configuration")
	}

	logger.Info().Msg("-----------------------------")
}
