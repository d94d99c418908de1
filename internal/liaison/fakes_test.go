package liaison

import (
	"context"
	"sync"
	"time"
)

type publishCall struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  string
}

// fakeTransport records every broker operation and lets tests inject messages.
type fakeTransport struct {
	mutex        sync.Mutex
	published    []publishCall
	subscribed   []string
	unsubscribed []string
	subscribeErr error
	connected    bool
	messages     chan Message

	// live mirrors what the broker would currently deliver to us.
	live map[string]bool
	// afterUnsubscribe runs outside the fake's lock.
	afterUnsubscribe func(topic string)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		messages:  make(chan Message, 16),
		live:      make(map[string]bool),
	}
}

func (f *fakeTransport) Publish(topic string, qos byte, retained bool, payload []byte) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.published = append(f.published, publishCall{Topic: topic, QoS: qos, Retained: retained, Payload: string(payload)})
}

func (f *fakeTransport) Subscribe(topic string, qos byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.subscribed = append(f.subscribed, topic)
	if f.subscribeErr == nil {
		f.live[topic] = true
	}
	return f.subscribeErr
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mutex.Lock()
	f.unsubscribed = append(f.unsubscribed, topic)
	delete(f.live, topic)
	hook := f.afterUnsubscribe
	f.mutex.Unlock()

	if hook != nil {
		hook(topic)
	}
	return nil
}

func (f *fakeTransport) onUnsubscribe(hook func(topic string)) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.afterUnsubscribe = hook
}

func (f *fakeTransport) isLive(topic string) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.live[topic]
}

func (f *fakeTransport) Messages() <-chan Message {
	return f.messages
}

func (f *fakeTransport) IsConnected() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.connected
}

func (f *fakeTransport) publishes() []publishCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]publishCall(nil), f.published...)
}

func (f *fakeTransport) subscriptions() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.subscribed...)
}

func (f *fakeTransport) unsubscriptions() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

// fakeStore serves device modes from a map.
type fakeStore struct {
	mutex sync.Mutex
	modes map[string]DeviceMode
	err   error
	reads int
}

func newFakeStore() *fakeStore {
	return &fakeStore{modes: make(map[string]DeviceMode)}
}

func (f *fakeStore) GetDeviceMode(ctx context.Context, hardwareID string) (DeviceMode, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.reads++
	if f.err != nil {
		return "", f.err
	}
	mode, ok := f.modes[hardwareID]
	if !ok {
		return "", ErrDeviceNotFound
	}
	return mode, nil
}

func (f *fakeStore) set(hardwareID string, mode DeviceMode) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.modes[hardwareID] = mode
}

// stepClock advances one second on every reading.
type stepClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}
