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
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const statusQoS = 1

// Service bridges device traffic on the broker to request/response calls.
// It owns the pending health-check table and the location cache; one
// instance is created at startup and shared by all HTTP handlers.
type Service struct {
	transport Transport
	store     ModeStore
	topics    Topics
	timeout   time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	pending   *pendingTable
	locations *locationCache
}

// Stats is a point-in-time view used by the health endpoint.
type Stats struct {
	Connected        bool `json:"connected"`
	PendingChecks    int  `json:"pending_checks"`
	TrackedLocations int  `json:"tracked_locations"`
}

// NewService creates a liaison service on top of transport and store.
func NewService(transport Transport, store ModeStore, options ...Option) (*Service, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if store == nil {
		return nil, fmt.Errorf("mode store is required")
	}

	opts := newServiceOptions(options...)

	locations, err := newLocationCache(opts.locationCapacity)
	if err != nil {
		return nil, err
	}

	s := &Service{
		transport: transport,
		store:     store,
		topics:    Topics{Namespace: opts.namespace},
		timeout:   opts.healthTimeout,
		now:       opts.now,
		logger:    opts.logger,
		locations: locations,
	}
	s.pending = newPendingTable(s.subscribeStatus, s.unsubscribeStatus)
	return s, nil
}

// Topics returns the topic layout the service uses.
func (s *Service) Topics() Topics {
	return s.topics
}

// HealthTimeout returns the configured status deadline.
func (s *Service) HealthTimeout() time.Duration {
	return s.timeout
}

// Run consumes inbound messages until ctx is cancelled or the transport
// closes its message channel.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().
		Str("namespace", s.topics.Namespace).
		Dur("health_timeout", s.timeout).
		Msg("Starting liaison message loop")

	messages := s.transport.Messages()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Liaison message loop stopped")
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				s.logger.Warn().Msg("Transport message channel closed")
				return nil
			}
			s.HandleMessage(msg)
		}
	}
}

// HandleMessage routes one inbound message. Unrecognised topics are dropped
// silently; bad payloads are logged and dropped.
func (s *Service) HandleMessage(msg Message) {
	route, ok := s.topics.Parse(msg.Topic)
	if !ok {
		return
	}

	switch route.Category {
	case CategoryStatus:
		s.handleStatus(route.HardwareID, string(msg.Payload))
	case CategoryLocation:
		s.handleLocation(route.HardwareID, msg.Payload)
	}
}

// HealthCheck asks a device for its status and waits for the answer or the
// deadline, whichever comes first. A missed deadline is a normal result.
// Callers checking the same device at the same time share one subscription
// and receive the same result. Cancelling ctx abandons only this caller.
func (s *Service) HealthCheck(ctx context.Context, hardwareID string) (HealthResult, error) {
	if hardwareID == "" {
		return HealthResult{}, ErrEmptyHardwareID
	}

	check, created := s.pending.acquire(hardwareID, s.now())
	if created {
		s.startCheck(check)
	} else {
		s.logger.Debug().
			Str("hardware_id", hardwareID).
			Str("check_id", check.ID).
			Msg("Joining health check already in flight")
	}

	select {
	case <-check.Done():
		return check.Result(), nil
	case <-ctx.Done():
		return HealthResult{}, ctx.Err()
	}
}

// startCheck arms the deadline of a check acquire has just opened and
// subscribed. A status message may already have resolved it.
func (s *Service) startCheck(check *pendingCheck) {
	s.pending.arm(check, s.timeout, func() {
		s.expire(check)
	})
}

func (s *Service) expire(check *pendingCheck) {
	if !s.pending.remove(check) {
		return
	}

	check.complete(HealthResult{
		HardwareID: check.HardwareID,
		Status:     StatusUnknown,
		IsOnline:   false,
		Error:      TimeoutMessage,
	})

	s.logger.Info().
		Str("hardware_id", check.HardwareID).
		Str("check_id", check.ID).
		Dur("timeout", s.timeout).
		Msg("Health check timed out")
}

func (s *Service) handleStatus(hardwareID, status string) {
	check := s.pending.take(hardwareID)
	if check == nil {
		s.logger.Debug().
			Str("hardware_id", hardwareID).
			Str("status", status).
			Msg("Status message with no pending health check")
		return
	}

	checked := s.now()
	check.complete(HealthResult{
		HardwareID:  hardwareID,
		Status:      status,
		IsOnline:    status == StatusOnline,
		LastChecked: &checked,
	})

	s.logger.Debug().
		Str("hardware_id", hardwareID).
		Str("check_id", check.ID).
		Str("status", status).
		Int("waiters", check.waiters).
		Dur("latency", checked.Sub(check.Started)).
		Msg("Health check answered")
}

// subscribeStatus runs under the pending table lock when a check opens.
// The deadline still resolves the check if the subscription fails.
func (s *Service) subscribeStatus(check *pendingCheck) {
	topic := s.topics.Status(check.HardwareID)

	s.logger.Debug().
		Str("hardware_id", check.HardwareID).
		Str("check_id", check.ID).
		Str("topic", topic).
		Msg("Starting health check")

	if err := s.transport.Subscribe(topic, statusQoS); err != nil {
		s.logger.Warn().
			Err(err).
			Str("hardware_id", check.HardwareID).
			Str("topic", topic).
			Msg("Failed to subscribe to status topic")
	}
}

// unsubscribeStatus runs under the pending table lock when a check closes.
func (s *Service) unsubscribeStatus(check *pendingCheck) {
	topic := s.topics.Status(check.HardwareID)
	if err := s.transport.Unsubscribe(topic); err != nil {
		s.logger.Warn().
			Err(err).
			Str("hardware_id", check.HardwareID).
			Str("topic", topic).
			Msg("Failed to unsubscribe from status topic")
	}
}

func (s *Service) handleLocation(hardwareID string, payload []byte) {
	loc, err := parseLocation(payload)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("hardware_id", hardwareID).
			Int("payload_size", len(payload)).
			Msg("Dropping malformed location message")
		return
	}

	s.locations.update(hardwareID, loc.Lat, loc.Lng, s.now())

	s.logger.Debug().
		Str("hardware_id", hardwareID).
		Float64("lat", loc.Lat).
		Float64("lng", loc.Lng).
		Msg("Location updated")
}

// GetLocation returns the last reported location of a device. ok is false
// when the device has never reported one.
func (s *Service) GetLocation(hardwareID string) (Location, bool) {
	return s.locations.get(hardwareID)
}

// Stats reports connection state and table sizes.
func (s *Service) Stats() Stats {
	return Stats{
		Connected:        s.transport.IsConnected(),
		PendingChecks:    s.pending.len(),
		TrackedLocations: s.locations.len(),
	}
}

// Shutdown resolves every open check so no caller is left waiting.
func (s *Service) Shutdown() {
	checks := s.pending.drain()
	for _, check := range checks {
		check.complete(HealthResult{
			HardwareID: check.HardwareID,
			Status:     StatusUnknown,
			IsOnline:   false,
			Error:      ShutdownMessage,
		})
	}

	if len(checks) > 0 {
		s.logger.Info().
			Int("checks", len(checks)).
			Msg("Resolved pending health checks on shutdown")
	}
}
