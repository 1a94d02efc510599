package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/resident-x/go-pika2mqtt/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected options
	}{
		{
			name:     "defaults",
			args:     []string{},
			expected: options{args: []string{}},
		},
		{
			name:     "version flag",
			args:     []string{"-version"},
			expected: options{showVersion: true, args: []string{}},
		},
		{
			name: "flags and positional arguments",
			args: []string{"-config", "pika.yaml", "-idrsa", "/key/id_rsa", "-debug", "-logfile", "pika.log", "pika.local", "broker", "home/pika"},
			expected: options{
				configFile: "pika.yaml",
				idRSA:      "/key/id_rsa",
				logFile:    "pika.log",
				debug:      true,
				args:       []string{"pika.local", "broker", "home/pika"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseOptions(tt.args, io.Discard)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, *opts)
		})
	}
}

func TestParseOptionsUnknownFlag(t *testing.T) {
	var buf bytes.Buffer
	_, err := parseOptions([]string{"-bogus"}, &buf)
	assert.Error(t, err)
	assert.Contains(t, buf.String(), "Usage: pika2mqtt")
}

func TestApplyOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MQTT.Enabled = false

	err := applyOptions(cfg, &options{
		debug:   true,
		idRSA:   "/tmp/id_rsa",
		logFile: "/tmp/pika.log",
		args:    []string{"192.168.1.20", "mqtt.lan:1884", "home/pika", "AAAA0012BBBB", "CCCC0012DDDD"},
	})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/pika.log", cfg.LogFile)
	assert.Equal(t, "/tmp/id_rsa", cfg.Recovery.KeyFile)
	assert.Equal(t, "192.168.1.20", cfg.Pika.Host)
	assert.Empty(t, cfg.Pika.URL)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "mqtt.lan", cfg.MQTT.Host)
	assert.Equal(t, 1884, cfg.MQTT.Port)
	assert.Equal(t, "home/pika/", cfg.TopicPrefix())
	assert.Equal(t, []string{"AAAA0012BBBB", "CCCC0012DDDD"}, cfg.Publish.IgnoreSerials)
}

func TestApplyOptionsKeepsConfigWithoutArguments(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pika.Host = "from-file"

	require.NoError(t, applyOptions(cfg, &options{}))
	assert.Equal(t, "from-file", cfg.Pika.Host)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1883, cfg.MQTT.Port)
}

func TestSetUpstream(t *testing.T) {
	tests := []struct {
		target string
		host   string
		url    string
	}{
		{target: "pika.local", host: "pika.local"},
		{target: "http://192.168.1.20:8000", host: "http://192.168.1.20:8000"},
		{target: "https://pwrview.generac.com/profile/123", url: "https://pwrview.generac.com/profile/123"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			cfg := config.DefaultConfig()
			setUpstream(cfg, tt.target)
			assert.Equal(t, tt.host, cfg.Pika.Host)
			assert.Equal(t, tt.url, cfg.Pika.URL)
		})
	}
}

func TestSetBrokerInvalidPort(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Error(t, setBroker(cfg, "mqtt.lan:99999"))
	assert.Error(t, setBroker(cfg, "mqtt.lan:abc"))

	require.NoError(t, setBroker(cfg, "mqtt.lan"))
	assert.Equal(t, "mqtt.lan", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
}

// TestRunVersion tests the version output path.
func TestRunVersion(t *testing.T) {
	oldStdout := os.Stdout
	defer func() { os.Stdout = oldStdout }()

	r, w, _ := os.Pipe()
	os.Stdout = w

	code := run([]string{"-version"})

	w.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)

	assert.Equal(t, 0, code)
	assert.Equal(t, "go-pika2mqtt "+Version+"\n", buf.String())
}

func TestRunConfigErrors(t *testing.T) {
	oldStdout := os.Stdout
	defer func() { os.Stdout = oldStdout }()
	_, w, _ := os.Pipe()
	os.Stdout = w
	defer w.Close()

	assert.Equal(t, 1, run([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}))
	assert.Equal(t, 1, run([]string{"pika.local", "mqtt.lan:0"}))
	assert.Equal(t, 2, run([]string{"-bogus"}))
}

// TestRunInvalidConfiguration ends before anything is dialed.
func TestRunInvalidConfiguration(t *testing.T) {
	originalLogger := log.Logger
	defer func() { log.Logger = originalLogger }()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("publish:\n  policy: sometimes\n"), 0o600))

	logFile := filepath.Join(t.TempDir(), "pika.log")
	assert.Equal(t, 1, run([]string{"-config", path, "-logfile", logFile, "pika.local"}))

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"Invalid configuration"`)
}

// TestInitLogger tests the logger initialization function.
func TestInitLogger(t *testing.T) {
	// Save original logger
	originalLogger := log.Logger
	defer func() { log.Logger = originalLogger }()

	tests := []struct {
		name     string
		level    string
		expected zerolog.Level
	}{
		{name: "info level", level: "info", expected: zerolog.InfoLevel},
		{name: "debug level", level: "debug", expected: zerolog.DebugLevel},
		{name: "warn level", level: "warn", expected: zerolog.WarnLevel},
		{name: "uppercase level", level: "ERROR", expected: zerolog.ErrorLevel},
		{name: "invalid level defaults to info", level: "invalid", expected: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Capture stdout for invalid level message
			oldStdout := os.Stdout
			r, w, _ := os.Pipe()
			os.Stdout = w

			closeLog, err := initLogger(tt.level, "")

			w.Close()
			os.Stdout = oldStdout
			var buf bytes.Buffer
			_, _ = io.Copy(&buf, r)

			require.NoError(t, err)
			closeLog()
			assert.Equal(t, tt.expected, zerolog.GlobalLevel())

			if tt.level == "invalid" {
				assert.Contains(t, buf.String(), "Invalid log level 'invalid'")
			}
		})
	}
}

func TestInitLoggerWritesJSONFile(t *testing.T) {
	originalLogger := log.Logger
	defer func() { log.Logger = originalLogger }()

	path := filepath.Join(t.TempDir(), "pika.log")
	closeLog, err := initLogger("info", path)
	require.NoError(t, err)

	log.Info().Str("component", "test").Msg("hello")
	closeLog()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), `"message":"hello"`)
}

func TestInitLoggerBadFile(t *testing.T) {
	originalLogger := log.Logger
	defer func() { log.Logger = originalLogger }()

	_, err := initLogger("info", filepath.Join(t.TempDir(), "missing", "pika.log"))
	assert.Error(t, err)
}
