package gateway_test

import (
	"context"
	"sync"

	"vendlink/internal/liaison"
)

// recordingTransport is an in-memory liaison.Transport.
type recordingTransport struct {
	mutex     sync.Mutex
	topics    []string
	messages  chan liaison.Message
	connected bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{messages: make(chan liaison.Message, 8), connected: true}
}

func (r *recordingTransport) Publish(topic string, qos byte, retained bool, payload []byte) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.topics = append(r.topics, topic)
}

func (r *recordingTransport) Subscribe(topic string, qos byte) error { return nil }
func (r *recordingTransport) Unsubscribe(topic string) error         { return nil }
func (r *recordingTransport) Messages() <-chan liaison.Message       { return r.messages }

func (r *recordingTransport) IsConnected() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.connected
}

func (r *recordingTransport) publishedTopics() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.topics...)
}

// fakeLiaison answers REST calls without a broker.
type fakeLiaison struct {
	health     liaison.HealthResult
	healthErr  error
	restockErr error
	restocked  []string
	locations  map[string]liaison.Location
	stats      liaison.Stats
}

func newFakeLiaison() *fakeLiaison {
	return &fakeLiaison{
		locations: make(map[string]liaison.Location),
		stats:     liaison.Stats{Connected: true},
	}
}

func (f *fakeLiaison) HealthCheck(ctx context.Context, hardwareID string) (liaison.HealthResult, error) {
	if f.healthErr != nil {
		return liaison.HealthResult{}, f.healthErr
	}
	result := f.health
	result.HardwareID = hardwareID
	return result, nil
}

func (f *fakeLiaison) NotifyIfRestock(ctx context.Context, hardwareID string) error {
	if f.restockErr != nil {
		return f.restockErr
	}
	f.restocked = append(f.restocked, hardwareID)
	return nil
}

func (f *fakeLiaison) GetLocation(hardwareID string) (liaison.Location, bool) {
	loc, ok := f.locations[hardwareID]
	return loc, ok
}

func (f *fakeLiaison) Stats() liaison.Stats {
	return f.stats
}
