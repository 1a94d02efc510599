// Package main provides the entry point for the go-pika2mqtt bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/resident-x/go-pika2mqtt/internal/config"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/resident-x/go-pika2mqtt/internal/parser"
	"github.com/resident-x/go-pika2mqtt/internal/pubsub"
	"github.com/resident-x/go-pika2mqtt/internal/recovery"
	"github.com/resident-x/go-pika2mqtt/internal/service"
	"github.com/resident-x/go-pika2mqtt/internal/service/pika"
	pvoutput "github.com/resident-x/go-pika2mqtt/internal/service/pvoutput"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

const usage = "Usage: pika2mqtt [flags] <hostname-or-url> <broker[:port]> <basetopic> [ignore-serial...]"

// options holds the parsed command line.
type options struct {
	configFile  string
	idRSA       string
	logFile     string
	debug       bool
	showVersion bool
	args        []string
}

func main() {
	code := run(os.Args[1:]) // run() returns an int
	os.Exit(code)            // os.Exit is called after deferred functions in run() execute
}

func run(args []string) int {
	opts, err := parseOptions(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	// Show version if requested
	if opts.showVersion {
		fmt.Printf("go-pika2mqtt %s\n", Version)
		return 0
	}

	// Initialize context with cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	if err := applyOptions(cfg, opts); err != nil {
		fmt.Printf("Invalid arguments: %v\n%s\n", err, usage)
		return 1
	}

	// Initialize logger with the configured log level
	closeLog, err := initLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Printf("Failed to open log file: %v\n", err)
		return 1
	}
	defer closeLog()

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	log.Info().Str("version", Version).Msg("Starting go-pika2mqtt")
	cfg.Print()

	monitor, err := buildMonitor(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create monitor")
		return 1
	}
	if apiServer := monitor.APIServer(); apiServer != nil {
		apiServer.SetVersion(Version)
	}

	if err := monitor.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start monitor")
		return 1
	}

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	// Create context with timeout for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := monitor.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping monitor")
		return 1
	}

	return 0
}

// buildMonitor wires the upstream client, publishers and recovery into a monitor.
func buildMonitor(ctx context.Context, cfg *config.Config) (*service.Monitor, error) {
	feedParser, err := parser.NewParser(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize parser: %w", err)
	}

	// Initialize MQTT publisher
	var publisher domain.MessagePublisher
	if cfg.MQTT.Enabled {
		mqttPublisher := pubsub.NewMQTTPublisher(cfg)
		if err := mqttPublisher.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
			publisher = pubsub.NewNoopPublisher()
		} else {
			publisher = mqttPublisher
			log.Info().Msg("MQTT publisher connected successfully")
		}
	} else {
		log.Info().Msg("MQTT disabled, using noop publisher")
		publisher = pubsub.NewNoopPublisher()
	}

	// Initialize PVOutput service
	var monitoringService domain.MonitoringService
	if cfg.PVOutput.Enabled {
		pvoutClient := pvoutput.NewClient(cfg)
		if err := pvoutClient.Connect(); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize PVOutput client")
			monitoringService = pvoutput.NewNoopClient()
		} else {
			monitoringService = pvoutClient
		}
	} else {
		monitoringService = pvoutput.NewNoopClient()
	}

	recoverer, err := recovery.New(cfg)
	if err != nil {
		return nil, err
	}

	return service.NewMonitor(cfg, pika.NewClient(cfg), feedParser, publisher, monitoringService, recoverer)
}

func parseOptions(args []string, output io.Writer) (*options, error) {
	opts := &options{}

	fs := flag.NewFlagSet("pika2mqtt", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintln(output, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.configFile, "config", "", "Path to configuration file")
	fs.StringVar(&opts.idRSA, "idrsa", "", "Private key used to restart the upstream service")
	fs.StringVar(&opts.logFile, "logfile", "", "Write JSON logs to this file instead of the console")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.args = fs.Args()
	return opts, nil
}

// applyOptions lets flags and positional arguments override the loaded configuration.
func applyOptions(cfg *config.Config, opts *options) error {
	if opts.debug {
		cfg.LogLevel = "debug"
	}
	if opts.logFile != "" {
		cfg.LogFile = opts.logFile
	}
	if opts.idRSA != "" {
		cfg.Recovery.KeyFile = opts.idRSA
	}

	args := opts.args
	if len(args) > 0 {
		setUpstream(cfg, args[0])
	}
	if len(args) > 1 {
		if err := setBroker(cfg, args[1]); err != nil {
			return err
		}
	}
	if len(args) > 2 {
		cfg.MQTT.Topic = args[2]
	}
	if len(args) > 3 {
		cfg.Publish.IgnoreSerials = append(cfg.Publish.IgnoreSerials, args[3:]...)
	}
	return nil
}

// setUpstream treats a URL with a path as a public profile and anything else as the
// local appliance.
func setUpstream(cfg *config.Config, target string) {
	if u, err := url.Parse(target); err == nil && u.Scheme != "" && strings.Trim(u.Path, "/") != "" {
		cfg.Pika.URL = target
		cfg.Pika.Host = ""
		return
	}
	cfg.Pika.Host = target
	cfg.Pika.URL = ""
}

func setBroker(cfg *config.Config, broker string) error {
	cfg.MQTT.Enabled = true

	host, port, err := net.SplitHostPort(broker)
	if err != nil {
		// No port given
		cfg.MQTT.Host = broker
		return nil
	}

	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("invalid broker port %q", port)
	}
	cfg.MQTT.Host = host
	cfg.MQTT.Port = p
	return nil
}

// initLogger configures the global zerolog logger. With a log file the output is JSON
// lines; the returned function closes the file.
func initLogger(level, logFile string) (func(), error) {
	// Parse the log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	closer := func() {}

	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return closer, err
		}
		output = file
		closer = func() { _ = file.Close() }
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()

	return closer, nil
}
