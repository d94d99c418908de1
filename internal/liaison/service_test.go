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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, timeout time.Duration, extra ...Option) (*Service, *fakeTransport, *fakeStore) {
	t.Helper()

	transport := newFakeTransport()
	store := newFakeStore()
	options := append([]Option{WithHealthTimeout(timeout)}, extra...)

	svc, err := NewService(transport, store, options...)
	require.NoError(t, err)
	return svc, transport, store
}

func waiters(s *Service, hardwareID string) int {
	s.pending.mutex.Lock()
	defer s.pending.mutex.Unlock()
	if check, ok := s.pending.checks[hardwareID]; ok {
		return check.waiters
	}
	return 0
}

// waitFor polls cond for up to a second. Safe to call from helper goroutines.
func waitFor(cond func() bool) {
	deadline := time.Now().Add(time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

func TestNewService(t *testing.T) {
	t.Run("requires transport", func(t *testing.T) {
		_, err := NewService(nil, newFakeStore())
		assert.Error(t, err)
	})

	t.Run("requires store", func(t *testing.T) {
		_, err := NewService(newFakeTransport(), nil)
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		svc, err := NewService(newFakeTransport(), newFakeStore(), WithHealthTimeout(0), WithNamespace(""))
		require.NoError(t, err)
		assert.Equal(t, DefaultHealthTimeout, svc.HealthTimeout())
		assert.Equal(t, DefaultNamespace, svc.Topics().Namespace)
	})
}

func TestHealthCheckTimeout(t *testing.T) {
	timeout := 50 * time.Millisecond
	svc, transport, _ := newTestService(t, timeout)

	start := time.Now()
	result, err := svc.HealthCheck(context.Background(), "X")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, timeout, "resolved before the deadline")
	assert.Equal(t, "X", result.HardwareID)
	assert.Equal(t, StatusUnknown, result.Status)
	assert.False(t, result.IsOnline)
	assert.Equal(t, TimeoutMessage, result.Error)
	assert.Nil(t, result.LastChecked)

	assert.Equal(t, []string{"vm/status/X"}, transport.subscriptions())
	assert.Equal(t, []string{"vm/status/X"}, transport.unsubscriptions())
	assert.False(t, svc.pending.has("X"))
}

func TestHealthCheckFastPath(t *testing.T) {
	svc, transport, _ := newTestService(t, 3*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	go func() {
		waitFor(func() bool { return svc.pending.has("X") })
		time.Sleep(10 * time.Millisecond)
		transport.messages <- Message{Topic: "vm/status/X", Payload: []byte("online")}
	}()

	start := time.Now()
	result, err := svc.HealthCheck(context.Background(), "X")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, time.Second, "waited for the deadline instead of the message")
	assert.Equal(t, StatusOnline, result.Status)
	assert.True(t, result.IsOnline)
	assert.Empty(t, result.Error)
	require.NotNil(t, result.LastChecked)

	assert.Equal(t, []string{"vm/status/X"}, transport.unsubscriptions())
	assert.False(t, svc.pending.has("X"))
}

func TestHealthCheckReportsRawStatus(t *testing.T) {
	svc, _, _ := newTestService(t, 3*time.Second)

	go func() {
		waitFor(func() bool { return svc.pending.has("X") })
		svc.HandleMessage(Message{Topic: "vm/status/X", Payload: []byte("offline")})
	}()

	result, err := svc.HealthCheck(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, "offline", result.Status)
	assert.False(t, result.IsOnline)
	assert.Empty(t, result.Error)
}

func TestHealthCheckResolvesOnce(t *testing.T) {
	t.Run("timer after message is a no-op", func(t *testing.T) {
		timeout := 200 * time.Millisecond
		svc, transport, _ := newTestService(t, timeout)

		go func() {
			waitFor(func() bool { return svc.pending.has("X") })
			svc.HandleMessage(Message{Topic: "vm/status/X", Payload: []byte("online")})
		}()

		result, err := svc.HealthCheck(context.Background(), "X")
		require.NoError(t, err)
		assert.True(t, result.IsOnline)

		// Give a stray timer every chance to fire.
		time.Sleep(3 * timeout)
		assert.Len(t, transport.unsubscriptions(), 1)
		assert.False(t, svc.pending.has("X"))
	})

	t.Run("message after timeout is a no-op", func(t *testing.T) {
		svc, transport, _ := newTestService(t, 20*time.Millisecond)

		result, err := svc.HealthCheck(context.Background(), "X")
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, result.Status)

		svc.HandleMessage(Message{Topic: "vm/status/X", Payload: []byte("online")})
		assert.Len(t, transport.unsubscriptions(), 1)
		assert.False(t, svc.pending.has("X"))
	})

	t.Run("result cell completes once", func(t *testing.T) {
		check := newPendingCheck("X", time.Now())
		assert.True(t, check.complete(HealthResult{HardwareID: "X", Status: StatusOnline}))
		assert.False(t, check.complete(HealthResult{HardwareID: "X", Status: StatusUnknown}))
		<-check.Done()
		assert.Equal(t, StatusOnline, check.Result().Status)
	})
}

func TestConcurrentHealthChecksShareOneSubscription(t *testing.T) {
	svc, transport, _ := newTestService(t, 2*time.Second)

	const callers = 3
	results := make([]HealthResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.HealthCheck(context.Background(), "X")
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}

	require.Eventually(t, func() bool { return waiters(svc, "X") == callers }, time.Second, time.Millisecond)
	svc.HandleMessage(Message{Topic: "vm/status/X", Payload: []byte("online")})
	wg.Wait()

	for _, result := range results {
		assert.Equal(t, "X", result.HardwareID)
		assert.True(t, result.IsOnline)
	}
	assert.Len(t, transport.subscriptions(), 1)
	assert.Len(t, transport.unsubscriptions(), 1)
}

// startCheckDuringTeardown arranges for a second check on the same device
// to start while the first one is being torn down, and gives it time to
// subscribe before the teardown finishes if the table lets it.
func startCheckDuringTeardown(svc *Service, transport *fakeTransport, hardwareID string) <-chan HealthResult {
	second := make(chan HealthResult, 1)
	var once sync.Once
	transport.onUnsubscribe(func(topic string) {
		once.Do(func() {
			go func() {
				result, _ := svc.HealthCheck(context.Background(), hardwareID)
				second <- result
			}()
			deadline := time.Now().Add(50 * time.Millisecond)
			for len(transport.subscriptions()) < 2 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		})
	})
	return second
}

func TestBackToBackHealthChecksKeepSubscription(t *testing.T) {
	t.Run("after a status message", func(t *testing.T) {
		svc, transport, _ := newTestService(t, 2*time.Second)

		first := make(chan HealthResult, 1)
		go func() {
			result, _ := svc.HealthCheck(context.Background(), "X")
			first <- result
		}()
		waitFor(func() bool { return svc.pending.has("X") })

		second := startCheckDuringTeardown(svc, transport, "X")
		svc.HandleMessage(Message{Topic: "vm/status/X", Payload: []byte("online")})
		assert.True(t, (<-first).IsOnline)

		require.Eventually(t, func() bool {
			return svc.pending.has("X") && len(transport.subscriptions()) == 2
		}, time.Second, time.Millisecond)
		assert.True(t, transport.isLive("vm/status/X"), "second check lost its status subscription")

		svc.HandleMessage(Message{Topic: "vm/status/X", Payload: []byte("online")})
		select {
		case result := <-second:
			assert.True(t, result.IsOnline)
			assert.Empty(t, result.Error)
		case <-time.After(time.Second):
			t.Fatal("second health check was not answered")
		}
	})

	t.Run("after a timeout", func(t *testing.T) {
		svc, transport, _ := newTestService(t, 100*time.Millisecond)

		second := startCheckDuringTeardown(svc, transport, "X")
		result, err := svc.HealthCheck(context.Background(), "X")
		require.NoError(t, err)
		assert.Equal(t, TimeoutMessage, result.Error)

		require.Eventually(t, func() bool {
			return svc.pending.has("X") && len(transport.subscriptions()) == 2
		}, time.Second, time.Millisecond)
		assert.True(t, transport.isLive("vm/status/X"), "second check lost its status subscription")

		svc.HandleMessage(Message{Topic: "vm/status/X", Payload: []byte("online")})
		select {
		case result := <-second:
			assert.True(t, result.IsOnline)
		case <-time.After(time.Second):
			t.Fatal("second health check was not answered")
		}
	})
}

func TestHealthCheckIndependentDevices(t *testing.T) {
	svc, _, _ := newTestService(t, 100*time.Millisecond)

	var wg sync.WaitGroup
	var slow HealthResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		slow, _ = svc.HealthCheck(context.Background(), "A")
	}()

	go func() {
		waitFor(func() bool { return svc.pending.has("B") })
		svc.HandleMessage(Message{Topic: "vm/status/B", Payload: []byte("online")})
	}()

	fast, err := svc.HealthCheck(context.Background(), "B")
	require.NoError(t, err)
	assert.True(t, fast.IsOnline)

	wg.Wait()
	assert.Equal(t, StatusUnknown, slow.Status)
}

func TestHealthCheckCallerCancellation(t *testing.T) {
	svc, transport, _ := newTestService(t, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.HealthCheck(ctx, "X")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The check stays open for anyone else and still cleans up.
	assert.True(t, svc.pending.has("X"))
	svc.HandleMessage(Message{Topic: "vm/status/X", Payload: []byte("online")})
	assert.False(t, svc.pending.has("X"))
	assert.Len(t, transport.unsubscriptions(), 1)
}

func TestHealthCheckEmptyID(t *testing.T) {
	svc, transport, _ := newTestService(t, time.Second)

	_, err := svc.HealthCheck(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyHardwareID)
	assert.Empty(t, transport.subscriptions())
}

func TestHealthCheckSubscribeFailure(t *testing.T) {
	svc, transport, _ := newTestService(t, 20*time.Millisecond)
	transport.subscribeErr = ErrNotConnected

	result, err := svc.HealthCheck(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, result.Status)
	assert.Equal(t, TimeoutMessage, result.Error)
}

func TestServiceShutdownResolvesPending(t *testing.T) {
	svc, transport, _ := newTestService(t, time.Minute)

	done := make(chan HealthResult, 1)
	go func() {
		result, _ := svc.HealthCheck(context.Background(), "X")
		done <- result
	}()

	require.Eventually(t, func() bool { return svc.pending.has("X") }, time.Second, time.Millisecond)
	svc.Shutdown()

	select {
	case result := <-done:
		assert.Equal(t, StatusUnknown, result.Status)
		assert.Equal(t, ShutdownMessage, result.Error)
	case <-time.After(time.Second):
		t.Fatal("health check still waiting after shutdown")
	}
	assert.Len(t, transport.unsubscriptions(), 1)
}

func TestServiceRun(t *testing.T) {
	t.Run("stops on context cancel", func(t *testing.T) {
		svc, _, _ := newTestService(t, time.Second)
		ctx, cancel := context.WithCancel(context.Background())

		errCh := make(chan error, 1)
		go func() { errCh <- svc.Run(ctx) }()
		cancel()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancel")
		}
	})

	t.Run("stops when transport closes", func(t *testing.T) {
		svc, transport, _ := newTestService(t, time.Second)
		close(transport.messages)
		assert.NoError(t, svc.Run(context.Background()))
	})
}

func TestServiceStats(t *testing.T) {
	svc, transport, _ := newTestService(t, time.Second)
	svc.HandleMessage(Message{Topic: "vm/location/A", Payload: []byte(`{"lat":1,"lng":2}`)})

	stats := svc.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, 0, stats.PendingChecks)
	assert.Equal(t, 1, stats.TrackedLocations)

	transport.mutex.Lock()
	transport.connected = false
	transport.mutex.Unlock()
	assert.False(t, svc.Stats().Connected)
}

func TestNotifyIfRestock(t *testing.T) {
	t.Run("idle device gets nothing", func(t *testing.T) {
		svc, transport, store := newTestService(t, time.Second)
		store.set("X", ModeIdle)

		require.NoError(t, svc.NotifyIfRestock(context.Background(), "X"))
		assert.Empty(t, transport.publishes())
	})

	t.Run("transacting device gets nothing", func(t *testing.T) {
		svc, transport, store := newTestService(t, time.Second)
		store.set("X", ModeTransacting)

		require.NoError(t, svc.NotifyIfRestock(context.Background(), "X"))
		assert.Empty(t, transport.publishes())
	})

	t.Run("restocking device is notified once per call", func(t *testing.T) {
		svc, transport, store := newTestService(t, time.Second)
		store.set("X", ModeRestocking)

		require.NoError(t, svc.NotifyIfRestock(context.Background(), "X"))
		require.Len(t, transport.publishes(), 1)
		assert.Equal(t, publishCall{
			Topic:    "vm/restocked/X",
			QoS:      1,
			Retained: true,
			Payload:  "X restocked",
		}, transport.publishes()[0])

		require.NoError(t, svc.NotifyIfRestock(context.Background(), "X"))
		assert.Len(t, transport.publishes(), 2)
	})

	t.Run("unknown device is a no-op", func(t *testing.T) {
		svc, transport, _ := newTestService(t, time.Second)

		assert.NoError(t, svc.NotifyIfRestock(context.Background(), "ghost"))
		assert.Empty(t, transport.publishes())
	})

	t.Run("store failure propagates", func(t *testing.T) {
		svc, transport, store := newTestService(t, time.Second)
		storeErr := errors.New("connection refused")
		store.err = storeErr

		err := svc.NotifyIfRestock(context.Background(), "X")
		assert.ErrorIs(t, err, storeErr)
		assert.Empty(t, transport.publishes())
	})

	t.Run("empty id is rejected", func(t *testing.T) {
		svc, _, store := newTestService(t, time.Second)

		assert.ErrorIs(t, svc.NotifyIfRestock(context.Background(), ""), ErrEmptyHardwareID)
		assert.Equal(t, 0, store.reads)
	})

	t.Run("custom namespace", func(t *testing.T) {
		svc, transport, store := newTestService(t, time.Second, WithNamespace("fleet"))
		store.set("X", ModeRestocking)

		require.NoError(t, svc.NotifyIfRestock(context.Background(), "X"))
		require.Len(t, transport.publishes(), 1)
		assert.Equal(t, "fleet/restocked/X", transport.publishes()[0].Topic)
	})
}

func TestParseDeviceMode(t *testing.T) {
	for _, s := range []string{"idle", "restocking", "transacting"} {
		mode, err := ParseDeviceMode(s)
		assert.NoError(t, err)
		assert.Equal(t, DeviceMode(s), mode)
	}

	_, err := ParseDeviceMode("r")
	assert.Error(t, err)
}
