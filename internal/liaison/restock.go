package liaison

import (
	"context"
	"errors"
	"fmt"
)

const restockQoS = 1

// restockPayload is the body devices expect on their restocked topic.
func restockPayload(hardwareID string) []byte {
	return []byte(hardwareID + " restocked")
}

// NotifyIfRestock publishes a retained restocked event for the device when,
// and only when, the store reports it as restocking. It is safe to call after
// every inventory change. Store failures are returned; publishing is
// best-effort.
func (s *Service) NotifyIfRestock(ctx context.Context, hardwareID string) error {
	if hardwareID == "" {
		return ErrEmptyHardwareID
	}

	mode, err := s.store.GetDeviceMode(ctx, hardwareID)
	if errors.Is(err, ErrDeviceNotFound) {
		s.logger.Debug().
			Str("hardware_id", hardwareID).
			Msg("Restock check for unknown device")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read device mode: %w", err)
	}

	if mode != ModeRestocking {
		return nil
	}

	topic := s.topics.Restocked(hardwareID)
	s.transport.Publish(topic, restockQoS, true, restockPayload(hardwareID))

	s.logger.Info().
		Str("hardware_id", hardwareID).
		Str("topic", topic).
		Msg("Restock notification published")
	return nil
}
