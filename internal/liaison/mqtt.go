// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package liaison

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"vendlink/internal/logger"
)

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
	// Subscriptions are topic filters held for the life of the connection
	// and renewed on every (re)connect.
	Subscriptions []string
	BufferSize    int
}

func (c *MQTTConfig) setDefaults() {
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
}

// MQTTTransport is the process-wide broker connection. The client id is
// stable and the session is kept across reconnects, so the broker keeps
// subscriptions and queued QoS 1 messages for us while we are away.
type MQTTTransport struct {
	client   mqtt.Client
	config   MQTTConfig
	messages chan Message
	done     chan struct{}
	logger   zerolog.Logger

	started   bool
	closeOnce sync.Once
	mutex     sync.Mutex
}

// NewMQTTTransport builds the client without connecting.
func NewMQTTTransport(config MQTTConfig) (*MQTTTransport, error) {
	if config.Broker == "" {
		return nil, fmt.Errorf("broker address is required")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	config.setDefaults()

	t := &MQTTTransport{
		config:   config,
		messages: make(chan Message, config.BufferSize),
		done:     make(chan struct{}),
		logger:   logger.Component("mqtt"),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(config.ClientID).
		SetCleanSession(config.CleanSession).
		SetAutoReconnect(true).
		SetResumeSubs(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetKeepAlive(config.KeepAlive).
		SetConnectTimeout(config.ConnectTimeout).
		SetWriteTimeout(config.AckTimeout).
		SetDefaultPublishHandler(t.onMessage).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	t.client = mqtt.NewClient(opts)
	return t, nil
}

// Connect starts the connection. Calling it again is a no-op. When the
// broker is not reachable within the connect timeout the client keeps
// retrying in the background and Connect returns nil.
func (t *MQTTTransport) Connect() error {
	t.mutex.Lock()
	if t.started {
		t.mutex.Unlock()
		return nil
	}
	t.started = true
	t.mutex.Unlock()

	t.logger.Info().
		Str("broker", t.config.Broker).
		Str("client_id", t.config.ClientID).
		Bool("clean_session", t.config.CleanSession).
		Msg("Connecting to MQTT broker")

	token := t.client.Connect()
	if !token.WaitTimeout(t.config.ConnectTimeout) {
		t.logger.Warn().
			Str("broker", t.config.Broker).
			Dur("timeout", t.config.ConnectTimeout).
			Msg("Broker not reachable yet, retrying in background")
		return nil
	}
	if err := token.Error(); err != nil {
		t.logger.Error().Err(err).Str("broker", t.config.Broker).Msg("Failed to connect to MQTT broker")
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	return nil
}

// Close disconnects from the broker. Messages already buffered stay readable.
func (t *MQTTTransport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.client.IsConnected() {
			t.client.Disconnect(250)
		}
		t.logger.Info().Msg("Disconnected from MQTT broker")
	})
}

func (t *MQTTTransport) IsConnected() bool {
	return t.client.IsConnectionOpen()
}

func (t *MQTTTransport) Messages() <-chan Message {
	return t.messages
}

func (t *MQTTTransport) Publish(topic string, qos byte, retained bool, payload []byte) {
	token := t.client.Publish(topic, qos, retained, payload)
	t.watch(token, "publish", topic)
}

func (t *MQTTTransport) Subscribe(topic string, qos byte) error {
	token := t.client.Subscribe(topic, qos, t.onMessage)
	return t.watch(token, "subscribe", topic)
}

func (t *MQTTTransport) Unsubscribe(topic string) error {
	token := t.client.Unsubscribe(topic)
	return t.watch(token, "unsubscribe", topic)
}

// watch returns errors the client reported before sending anything (not
// connected, bad topic). Acknowledgements are awaited in the background so
// callers never block on the broker.
func (t *MQTTTransport) watch(token mqtt.Token, op, topic string) error {
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			t.logger.Warn().Err(err).Str("op", op).Str("topic", topic).Msg("MQTT operation failed")
			return fmt.Errorf("failed to %s %s: %w", op, topic, err)
		}
		return nil
	default:
	}

	go func() {
		if !token.WaitTimeout(t.config.AckTimeout) {
			t.logger.Warn().
				Str("op", op).
				Str("topic", topic).
				Dur("timeout", t.config.AckTimeout).
				Msg("MQTT operation not acknowledged in time")
			return
		}
		if err := token.Error(); err != nil {
			t.logger.Warn().Err(err).Str("op", op).Str("topic", topic).Msg("MQTT operation failed")
		}
	}()
	return nil
}

func (t *MQTTTransport) onMessage(_ mqtt.Client, m mqtt.Message) {
	payload := make([]byte, len(m.Payload()))
	copy(payload, m.Payload())

	select {
	case t.messages <- Message{Topic: m.Topic(), Payload: payload}:
	case <-t.done:
	}
}

func (t *MQTTTransport) onConnect(client mqtt.Client) {
	t.logger.Info().Str("broker", t.config.Broker).Msg("Connected to MQTT broker")

	for _, filter := range t.config.Subscriptions {
		token := client.Subscribe(filter, 1, t.onMessage)
		go func(filter string) {
			if !token.WaitTimeout(t.config.AckTimeout) {
				t.logger.Warn().Str("topic", filter).Msg("Subscription not acknowledged in time")
				return
			}
			if err := token.Error(); err != nil {
				t.logger.Error().Err(err).Str("topic", filter).Msg("Failed to subscribe")
				return
			}
			t.logger.Info().Str("topic", filter).Msg("Subscribed")
		}(filter)
	}
}

func (t *MQTTTransport) onConnectionLost(_ mqtt.Client, err error) {
	t.logger.Warn().Err(err).Str("broker", t.config.Broker).Msg("Lost connection to MQTT broker")
}

func (t *MQTTTransport) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	t.logger.Info().Str("broker", t.config.Broker).Msg("Reconnecting to MQTT broker")
}
