package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"vendlink/internal/liaison"
	"vendlink/internal/logger"
)

// brokerConnection is what BrokerService needs from the MQTT side.
type brokerConnection interface {
	liaison.Transport
	Connect() error
	Close()
}

// BrokerService owns the broker connection and the liaison message loop
type BrokerService struct {
	connection brokerConnection
	liaison    *liaison.Service
	logger     zerolog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mutex      sync.Mutex
	running    bool
}

// NewBrokerService wires the MQTT transport to a liaison service backed by store
func NewBrokerService(config *GatewayConfig, store liaison.ModeStore) (*BrokerService, error) {
	topics := liaison.Topics{Namespace: config.MQTT.Namespace}

	transport, err := liaison.NewMQTTTransport(liaison.MQTTConfig{
		Broker:         config.MQTT.Broker,
		ClientID:       config.MQTT.ClientID,
		Username:       config.MQTT.Username,
		Password:       config.MQTT.Password,
		CleanSession:   config.MQTT.CleanSession,
		KeepAlive:      config.GetKeepAlive(),
		ConnectTimeout: config.GetConnectTimeout(),
		Subscriptions:  []string{topics.LocationFilter()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT transport: %w", err)
	}

	return newBrokerService(transport, store,
		liaison.WithNamespace(config.MQTT.Namespace),
		liaison.WithHealthTimeout(config.GetHealthTimeout()),
		liaison.WithLocationCapacity(config.Liaison.LocationCapacity),
	)
}

func newBrokerService(connection brokerConnection, store liaison.ModeStore, options ...liaison.Option) (*BrokerService, error) {
	svc, err := liaison.NewService(connection, store, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create liaison service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &BrokerService{
		connection: connection,
		liaison:    svc,
		logger:     logger.Component("broker"),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Liaison returns the service the HTTP layer talks to
func (bs *BrokerService) Liaison() *liaison.Service {
	return bs.liaison
}

// Start connects to the broker and starts the message loop. Connection
// problems are logged; the client keeps retrying on its own.
func (bs *BrokerService) Start() error {
	bs.mutex.Lock()
	defer bs.mutex.Unlock()

	if bs.running {
		return nil
	}

	bs.logger.Info().Msg("Starting broker service")

	if err := bs.connection.Connect(); err != nil {
		bs.logger.Error().Err(err).Msg("Broker connection failed, continuing without it")
	}

	bs.wg.Add(1)
	go func() {
		defer bs.wg.Done()
		bs.liaison.Run(bs.ctx)
	}()

	bs.running = true
	bs.logger.Info().Msg("Broker service started")
	return nil
}

// Stop resolves open health checks, stops the loop and disconnects
func (bs *BrokerService) Stop() error {
	bs.mutex.Lock()
	defer bs.mutex.Unlock()

	if !bs.running {
		return nil
	}

	bs.logger.Info().Msg("Stopping broker service")

	bs.liaison.Shutdown()
	bs.cancel()
	bs.wg.Wait()
	bs.connection.Close()

	bs.running = false
	bs.logger.Info().Msg("Broker service stopped")
	return nil
}
