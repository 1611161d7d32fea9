package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	Broker      string // tcp://host:1883
	ClientID    string
	TopicPrefix string // events for ride X arrive on <prefix>/X/events
}

var errMQTTNotConnected = errors.New("mqtt not connected")

// MQTT subscribes to one topic per tracked ride on a shared broker connection.
type MQTT struct {
	client mqtt.Client
	prefix string
	logger *slog.Logger
	f      *fanout
}

func NewMQTT(cfg MQTTConfig, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MQTT{prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"), logger: logger, f: newFanout()}
	if m.prefix == "" {
		m.prefix = "rides"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.logger.Warn("mqtt connection lost", "error", err)
			m.f.disconnect(err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			m.resubscribe(c)
			m.f.reconnect()
		})
	m.client = mqtt.NewClient(opts)
	return m
}

// Connect dials the broker, waiting at most timeout.
func (m *MQTT) Connect(timeout time.Duration) error {
	token := m.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connect: timed out after %s", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (m *MQTT) topic(rideID string) string {
	return m.prefix + "/" + rideID + "/events"
}

func (m *MQTT) Subscribe(ctx context.Context, rideID string, h Handler) (func(), error) {
	id, first := m.f.add(rideID, h)
	if first {
		if err := m.subscribeTopic(m.client, rideID); err != nil {
			m.f.remove(rideID, id)
			return nil, err
		}
	}
	unsub := onceFunc(func() {
		if last := m.f.remove(rideID, id); last && m.client.IsConnected() {
			token := m.client.Unsubscribe(m.topic(rideID))
			token.WaitTimeout(2 * time.Second)
		}
	})
	go func() {
		<-ctx.Done()
		unsub()
	}()
	return unsub, nil
}

func (m *MQTT) subscribeTopic(c mqtt.Client, rideID string) error {
	if !c.IsConnected() {
		// the on-connect handler subscribes once the broker is reachable
		return nil
	}
	token := c.Subscribe(m.topic(rideID), 1, m.onMessage)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt subscribe %s: %w", m.topic(rideID), errMQTTNotConnected)
	}
	return token.Error()
}

func (m *MQTT) resubscribe(c mqtt.Client) {
	for _, rideID := range m.f.rides() {
		if err := m.subscribeTopic(c, rideID); err != nil {
			m.logger.Warn("mqtt resubscribe failed", "ride_id", rideID, "error", err)
		}
	}
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	rideID, ev, err := DecodeEnvelope(msg.Payload())
	if err != nil {
		m.logger.Warn("invalid ride event message", "topic", msg.Topic(), "error", err)
		return
	}
	if want := m.topic(rideID); want != msg.Topic() {
		m.logger.Warn("ride event on foreign topic", "topic", msg.Topic(), "ride_id", rideID)
		return
	}
	m.f.deliver(rideID, ev)
}

func (m *MQTT) Close() {
	m.client.Disconnect(1000)
}
