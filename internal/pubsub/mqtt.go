// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/resident-x/go-pika2mqtt/internal/config"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/resident-x/go-pika2mqtt/internal/homeassistant"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher implements the MessagePublisher interface for MQTT.
type MQTTPublisher struct {
	config        *config.Config
	client        mqtt.Client
	connected     atomic.Bool
	connects      atomic.Int32
	logger        zerolog.Logger
	clientFactory func(*mqtt.ClientOptions) mqtt.Client // Factory function for creating MQTT clients (testable)
	onReconnect   func()

	haDiscovery       *homeassistant.AutoDiscovery
	discoveredSensors map[string]bool // Track which sensors have been discovered
	announced         map[string]domain.Device
	discoveryMutex    sync.Mutex
	birthSubscribed   atomic.Bool
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	return &MQTTPublisher{
		config:            cfg,
		clientFactory:     mqtt.NewClient,
		discoveredSensors: make(map[string]bool),
		announced:         make(map[string]domain.Device),
		logger:            log.With().Str("component", "mqtt").Logger(),
	}
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	p := NewMQTTPublisher(cfg)
	p.client = client
	return p
}

// SetReconnectHandler registers a callback run whenever the broker connection is re-established.
func (p *MQTTPublisher) SetReconnectHandler(handler func()) {
	p.onReconnect = handler
}

// IsConnected reports whether the broker connection is up.
func (p *MQTTPublisher) IsConnected() bool {
	return p.connected.Load()
}

// clientOptions builds the paho options for the configured broker.
func (p *MQTTPublisher) clientOptions() *mqtt.ClientOptions {
	clientID := p.config.MQTT.ClientID
	if clientID == "" {
		clientID = "go-pika2mqtt-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.MQTT.Host, p.config.MQTT.Port)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectTimeout(p.connectTimeout()).
		SetWriteTimeout(p.publishTimeout()).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(p.handleConnect).
		SetConnectionLostHandler(p.handleConnectionLost)

	// Set credentials if provided
	if p.config.MQTT.Username != "" {
		opts.SetUsername(p.config.MQTT.Username)
		opts.SetPassword(p.config.MQTT.Password)
	}

	return opts
}

// Connect establishes a connection to the MQTT broker, retrying with exponential backoff.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	// If MQTT is disabled, do nothing
	if !p.config.MQTT.Enabled {
		return nil
	}

	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled && p.haDiscovery == nil {
		if err := p.setupHomeAssistantDiscovery(); err != nil {
			return fmt.Errorf("failed to setup Home Assistant discovery: %w", err)
		}
	}

	// Create client if not already set (for testing)
	if p.client == nil {
		p.client = p.clientFactory(p.clientOptions())
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(max(p.config.MQTT.ConnectionRetryBaseDelay, 1)) * time.Second
	bo.MaxElapsedTime = 0
	retries := uint64(max(p.config.MQTT.ConnectionRetryAttempts, 1) - 1)

	attempt := 0
	operation := func() error {
		attempt++
		err := p.connectOnce(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Int("attempt", attempt).Msg("MQTT connection attempt failed")
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx)); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker after %d attempts: %w", attempt, err)
	}

	p.connected.Store(true)
	p.logger.Info().
		Str("broker", fmt.Sprintf("%s:%d", p.config.MQTT.Host, p.config.MQTT.Port)).
		Msg("Connected to MQTT broker")

	// Subscribe to birth message if enabled
	if p.haDiscovery != nil && p.config.MQTT.HomeAssistantAutoDiscovery.ListenToBirthMessage {
		p.subscribeToBirthMessage()
	}

	return nil
}

func (p *MQTTPublisher) connectOnce(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, p.connectTimeout())
	defer cancel()

	connToken := p.client.Connect()

	// Wait for connection or context timeout
	select {
	case <-connectCtx.Done():
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("timeout after %s", p.connectTimeout())
	case <-connToken.Done():
		return connToken.Error()
	}
}

// handleConnect runs on every (re)connection.
func (p *MQTTPublisher) handleConnect(_ mqtt.Client) {
	p.connected.Store(true)
	// The first connection is reported by Connect itself.
	if p.connects.Add(1) == 1 {
		return
	}
	p.logger.Info().Msg("MQTT connection re-established")
	p.resetDiscovery()
	if p.onReconnect != nil {
		p.onReconnect()
	}
	// Clean sessions drop subscriptions with the connection.
	if p.haDiscovery != nil && p.config.MQTT.HomeAssistantAutoDiscovery.ListenToBirthMessage {
		p.subscribeToBirthMessage()
	}
}

func (p *MQTTPublisher) handleConnectionLost(_ mqtt.Client, err error) {
	p.connected.Store(false)
	p.birthSubscribed.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// setupHomeAssistantDiscovery initializes Home Assistant auto-discovery.
func (p *MQTTPublisher) setupHomeAssistantDiscovery() error {
	ha := p.config.MQTT.HomeAssistantAutoDiscovery
	discovery, err := homeassistant.New(homeassistant.Config{
		Enabled:            ha.Enabled,
		DiscoveryPrefix:    ha.DiscoveryPrefix,
		DeviceManufacturer: ha.DeviceManufacturer,
		RetainDiscovery:    ha.RetainDiscovery,
	}, p.config.TopicPrefix())
	if err != nil {
		return err
	}
	p.haDiscovery = discovery
	return nil
}

// subscribeToBirthMessage subscribes to Home Assistant birth messages.
func (p *MQTTPublisher) subscribeToBirthMessage() {
	if p.birthSubscribed.Load() || !p.connected.Load() {
		return
	}

	birthTopic := p.haDiscovery.GetBirthTopic()

	token := p.client.Subscribe(birthTopic, 0, p.handleBirthMessage)
	if !token.WaitTimeout(p.publishTimeout()) || token.Error() != nil {
		p.logger.Warn().Err(token.Error()).Str("topic", birthTopic).Msg("Failed to subscribe to birth message")
		return
	}

	p.birthSubscribed.Store(true)
	p.logger.Info().Str("topic", birthTopic).Msg("Subscribed to Home Assistant birth messages")
}

// handleBirthMessage handles Home Assistant birth messages.
func (p *MQTTPublisher) handleBirthMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := string(msg.Payload())

	p.logger.Debug().
		Str("topic", msg.Topic()).
		Str("payload", payload).
		Msg("Received Home Assistant birth message")

	// If Home Assistant comes online, clear discovery cache to trigger re-discovery
	if payload == "online" {
		p.logger.Info().Msg("Home Assistant came online, triggering auto-discovery refresh")
		p.resetDiscovery()
	}
}

func (p *MQTTPublisher) resetDiscovery() {
	p.discoveryMutex.Lock()
	p.discoveredSensors = make(map[string]bool)
	p.discoveryMutex.Unlock()
}

// Publish sends data to the specified topic. Strings and byte slices are sent as they are,
// anything else as JSON.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	if !p.config.MQTT.Enabled {
		return nil
	}
	if !p.connected.Load() {
		return fmt.Errorf("%w: not connected to MQTT broker", domain.ErrPublish)
	}

	var payload []byte
	switch v := data.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		jsonData, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data to JSON: %w", err)
		}
		payload = jsonData
	}

	return p.publishRaw(ctx, topic, payload, p.config.MQTT.Retain)
}

func (p *MQTTPublisher) publishRaw(ctx context.Context, topic string, payload []byte, retain bool) error {
	// Publish with context for timeout
	publishCtx, cancel := context.WithTimeout(ctx, p.publishTimeout())
	defer cancel()

	token := p.client.Publish(topic, 0, retain, payload)

	// Wait for publication or context timeout
	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish to %s timed out after %s", topic, p.publishTimeout())
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}

	return nil
}

// PublishDiscovery announces sensors for devices that have not been announced since the
// last (re)connection or Home Assistant birth message.
func (p *MQTTPublisher) PublishDiscovery(ctx context.Context, devices []domain.Device) error {
	if p.haDiscovery == nil || !p.connected.Load() {
		return nil
	}

	messages := p.haDiscovery.AggregateMessages()
	for _, device := range devices {
		for topic, message := range p.haDiscovery.DeviceMessages(device) {
			messages[topic] = message
		}
	}

	retain := p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery
	for topic, message := range messages {
		p.discoveryMutex.Lock()
		done := p.discoveredSensors[topic]
		p.discoveryMutex.Unlock()
		if done {
			continue
		}

		messageJSON, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery message: %w", err)
		}
		if err := p.publishRaw(ctx, topic, messageJSON, retain); err != nil {
			return fmt.Errorf("failed to publish discovery message to %s: %w", topic, err)
		}

		p.discoveryMutex.Lock()
		p.discoveredSensors[topic] = true
		p.discoveryMutex.Unlock()
	}

	p.discoveryMutex.Lock()
	for _, device := range devices {
		p.announced[device.Serial] = device
	}
	p.discoveryMutex.Unlock()

	return nil
}

// RemoveDiscovery clears retained discovery configs for every device announced so far.
func (p *MQTTPublisher) RemoveDiscovery(ctx context.Context) error {
	if p.haDiscovery == nil || !p.connected.Load() {
		return nil
	}

	p.discoveryMutex.Lock()
	devices := make([]domain.Device, 0, len(p.announced))
	for _, device := range p.announced {
		devices = append(devices, device)
	}
	p.discoveryMutex.Unlock()

	for _, device := range devices {
		for topic, payload := range p.haDiscovery.CleanupDiscoveryMessages(device) {
			if err := p.publishRaw(ctx, topic, []byte(payload), true); err != nil {
				return err
			}
		}
	}
	p.resetDiscovery()
	return nil
}

func (p *MQTTPublisher) connectTimeout() time.Duration {
	if p.config.MQTT.ConnectionTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.config.MQTT.ConnectionTimeout) * time.Second
}

func (p *MQTTPublisher) publishTimeout() time.Duration {
	if p.config.MQTT.PublishTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(p.config.MQTT.PublishTimeout) * time.Second
}

// Close terminates the connection to the MQTT broker.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.connected.Load() {
		p.client.Disconnect(250) // Disconnect with 250ms timeout
		p.connected.Store(false)
	}
	return nil
}
