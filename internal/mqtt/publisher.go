package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"seelevel/internal/config"
	"seelevel/internal/sensor"
)

const publishTimeout = 5 * time.Second

var ErrNotConnected = fmt.Errorf("mqtt client not connected: %w", sensor.ErrPublisherOffline)

// Publisher sends the sensor state to an MQTT broker and announces the entity
// through Home Assistant discovery.
type Publisher struct {
	client paho.Client
	cfg    config.MQTT
	entity Entity
	topics topics
	logger *slog.Logger

	mu                sync.RWMutex
	connected         bool
	discoveryAnnounce bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPublisher(cfg config.MQTT, ent Entity, logger *slog.Logger) (*Publisher, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: mqtt broker not set", config.ErrConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		cfg:    cfg,
		entity: ent,
		topics: topicsFor(cfg.TopicPrefix, cfg.DiscoveryPrefix, ent.ServiceUUID),
		logger: logger.With("component", "mqtt"),
		stopCh: make(chan struct{}),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// The broker marks the entity unavailable if we drop off.
	opts.SetWill(p.topics.availability, availabilityOffline, 1, true)

	opts.SetOnConnectHandler(func(_ paho.Client) {
		p.mu.Lock()
		p.connected = true
		p.discoveryAnnounce = false
		p.mu.Unlock()
		p.logger.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("mqtt connection lost", "error", err)
	})

	p.client = paho.NewClient(opts)
	return p, nil
}

// Topics returns the state, availability and discovery topics.
func (p *Publisher) Topics() (state, availability, discovery string) {
	return p.topics.state, p.topics.availability, p.topics.discovery
}

// Connect waits for the initial connection, honoring ctx and Disconnect.
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return errors.New("publisher stopped")
	default:
	}
	if p.IsConnected() {
		return nil
	}

	token := p.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return errors.New("publisher stopped")
		default:
		}
	}
}

// Publish sends the state message, announcing the entity first after every
// (re)connect.
func (p *Publisher) Publish(ctx context.Context, snap sensor.Snapshot) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	if err := p.announce(ctx); err != nil {
		return err
	}

	data, err := BuildStatePayload(snap)
	if err != nil {
		return err
	}
	if err := p.publish(ctx, p.topics.state, p.cfg.Retain, data); err != nil {
		return fmt.Errorf("publish state: %w", err)
	}
	p.logger.Debug("published state", "topic", p.topics.state, "committed", snap.Outcome.Committed)
	return nil
}

func (p *Publisher) announce(ctx context.Context) error {
	p.mu.RLock()
	done := p.discoveryAnnounce
	p.mu.RUnlock()
	if done {
		return nil
	}

	cfg := BuildDiscoveryConfig(p.entity, p.topics)
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal discovery config: %w", err)
	}
	if err := p.publish(ctx, p.topics.discovery, true, data); err != nil {
		return fmt.Errorf("publish discovery config: %w", err)
	}
	if err := p.publish(ctx, p.topics.availability, true, []byte(availabilityOnline)); err != nil {
		return fmt.Errorf("publish availability: %w", err)
	}

	p.mu.Lock()
	p.discoveryAnnounce = true
	p.mu.Unlock()
	p.logger.Info("announced entity", "topic", p.topics.discovery, "object_id", cfg.ObjectID)
	return nil
}

func (p *Publisher) publish(ctx context.Context, topic string, retain bool, data []byte) error {
	token := p.client.Publish(topic, 1, retain, data)
	wait := publishTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
		wait = time.Until(dl)
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	return token.Error()
}

func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Disconnect marks the entity offline and closes the connection. Safe to call twice.
func (p *Publisher) Disconnect() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	if p.IsConnected() {
		token := p.client.Publish(p.topics.availability, 1, true, availabilityOffline)
		token.WaitTimeout(2 * time.Second)
	}
	p.client.Disconnect(250)
	p.setConnected(false)
	p.logger.Info("mqtt disconnected")
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}
