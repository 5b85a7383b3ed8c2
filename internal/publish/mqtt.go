// Package publish forwards scan results to an MQTT broker.
package publish

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/srg/blesession/pkg/config"
)

// publishTimeout bounds how long one publish waits for the broker.
const publishTimeout = 5 * time.Second

// Publisher sends one payload to a topic.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTT is a Publisher backed by a paho client.
type MQTT struct {
	client mqtt.Client
}

// NewMQTT creates a client for the configured broker. It does not connect.
func NewMQTT(cfg config.MQTTConfig) *MQTT {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	return &MQTT{client: mqtt.NewClient(opts)}
}

// Connect connects to the broker.
func (m *MQTT) Connect() error {
	token := m.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

func (m *MQTT) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := m.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s: no broker acknowledgement after %s", topic, publishTimeout)
	}
	return token.Error()
}

// Disconnect closes the broker connection after in-flight work drains.
func (m *MQTT) Disconnect() {
	m.client.Disconnect(250)
}
