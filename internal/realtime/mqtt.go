package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttPrefix         = "ccb/"
	mqttQoS            = 1
	mqttConnectTimeout = 30 * time.Second
	mqttPublishTimeout = 10 * time.Second
)

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// MQTTTransport publishes events on ccb/<event> topics. The broker sees one
// subscription per event; local subscribers are fanned out in process.
type MQTTTransport struct {
	client mqtt.Client
	prefix string
	local  *Bus
	logger *slog.Logger

	mu     sync.Mutex
	remote map[string]bool
}

// NewMQTTTransport connects to the broker with auto-reconnect enabled.
func NewMQTTTransport(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTTTransport, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "ccbcounter-api"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if err := waitToken(ctx, token, mqttConnectTimeout); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	t := NewMQTTTransportWithClient(client)
	t.logger = logger
	return t, nil
}

// NewMQTTTransportWithClient wraps an already connected client.
func NewMQTTTransportWithClient(client mqtt.Client) *MQTTTransport {
	return &MQTTTransport{
		client: client,
		prefix: mqttPrefix,
		local:  NewBus(),
		logger: slog.Default(),
		remote: make(map[string]bool),
	}
}

func (t *MQTTTransport) topic(event string) string {
	return t.prefix + event
}

func (t *MQTTTransport) Publish(ctx context.Context, event string, payload any) error {
	msg, err := encode(event, payload)
	if err != nil {
		return err
	}
	if !t.client.IsConnected() {
		return errors.New("not connected to mqtt broker")
	}
	token := t.client.Publish(t.topic(event), mqttQoS, false, []byte(msg.Payload))
	if err := waitToken(ctx, token, mqttPublishTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

func (t *MQTTTransport) Subscribe(event string, h Handler) (func(), error) {
	unsubscribe, err := t.local.Subscribe(event, h)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.remote[event] {
		token := t.client.Subscribe(t.topic(event), mqttQoS, func(_ mqtt.Client, m mqtt.Message) {
			payload := append([]byte(nil), m.Payload()...)
			if err := t.local.deliver(Message{Event: event, Payload: payload}); err != nil {
				t.logger.Debug("mqtt delivery dropped", "event", event, "error", err)
			}
		})
		if err := waitToken(context.Background(), token, mqttPublishTimeout); err != nil {
			unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", event, err)
		}
		t.remote[event] = true
	}
	return unsubscribe, nil
}

func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	topics := make([]string, 0, len(t.remote))
	for event := range t.remote {
		topics = append(topics, t.topic(event))
	}
	t.remote = map[string]bool{}
	t.mu.Unlock()

	if len(topics) > 0 && t.client.IsConnected() {
		t.client.Unsubscribe(topics...).WaitTimeout(mqttPublishTimeout)
	}
	_ = t.local.Close()
	t.client.Disconnect(250)
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}
