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
	"sync"
	"time"

	"github.com/google/uuid"
)

// pendingCheck is an outstanding health check for one device. Every caller
// that asks about the device while the check is open waits on the same result.
type pendingCheck struct {
	ID         string
	HardwareID string
	Started    time.Time

	timer   *time.Timer
	waiters int

	once   sync.Once
	done   chan struct{}
	result HealthResult
}

func newPendingCheck(hardwareID string, started time.Time) *pendingCheck {
	return &pendingCheck{
		ID:         uuid.New().String(),
		HardwareID: hardwareID,
		Started:    started,
		done:       make(chan struct{}),
	}
}

// complete stores the result and releases all waiters. Only the first call
// has any effect; it reports whether it was that call.
func (p *pendingCheck) complete(result HealthResult) bool {
	completed := false
	p.once.Do(func() {
		p.result = result
		close(p.done)
		completed = true
	})
	return completed
}

// Done is closed once the check has a result.
func (p *pendingCheck) Done() <-chan struct{} {
	return p.done
}

// Result must only be read after Done is closed.
func (p *pendingCheck) Result() HealthResult {
	return p.result
}

// pendingTable holds at most one open check per hardware id.
//
// opened and closed run under the table lock whenever an entry is inserted
// or removed. Status subscriptions are not reference counted by the broker,
// so subscribing and unsubscribing must happen in the same critical section
// as the membership change; otherwise a finishing check can unsubscribe the
// topic a newer check for the same device just subscribed. Both hooks must
// not block and must not call back into the table.
type pendingTable struct {
	checks map[string]*pendingCheck
	mutex  sync.Mutex

	opened func(*pendingCheck)
	closed func(*pendingCheck)
}

func newPendingTable(opened, closed func(*pendingCheck)) *pendingTable {
	if opened == nil {
		opened = func(*pendingCheck) {}
	}
	if closed == nil {
		closed = func(*pendingCheck) {}
	}
	return &pendingTable{
		checks: make(map[string]*pendingCheck),
		opened: opened,
		closed: closed,
	}
}

// acquire returns the open check for hardwareID, creating it when none
// exists. created is true only for the caller that inserted the entry.
func (pt *pendingTable) acquire(hardwareID string, now time.Time) (check *pendingCheck, created bool) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	if existing, ok := pt.checks[hardwareID]; ok {
		existing.waiters++
		return existing, false
	}

	check = newPendingCheck(hardwareID, now)
	check.waiters = 1
	pt.checks[hardwareID] = check
	pt.opened(check)
	return check, true
}

// arm starts the deadline timer unless the check was already resolved.
func (pt *pendingTable) arm(check *pendingCheck, timeout time.Duration, fire func()) bool {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	if pt.checks[check.HardwareID] != check {
		return false
	}
	check.timer = time.AfterFunc(timeout, fire)
	return true
}

// take removes and returns the open check for hardwareID, stopping its timer.
// It returns nil when nothing is pending.
func (pt *pendingTable) take(hardwareID string) *pendingCheck {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	check, ok := pt.checks[hardwareID]
	if !ok {
		return nil
	}
	delete(pt.checks, hardwareID)
	if check.timer != nil {
		check.timer.Stop()
	}
	pt.closed(check)
	return check
}

// remove deletes check only if it is still the entry for its device. A timer
// that lost the race against a status message finds a different entry or none.
func (pt *pendingTable) remove(check *pendingCheck) bool {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	if pt.checks[check.HardwareID] != check {
		return false
	}
	delete(pt.checks, check.HardwareID)
	pt.closed(check)
	return true
}

// drain empties the table and returns whatever was open.
func (pt *pendingTable) drain() []*pendingCheck {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	checks := make([]*pendingCheck, 0, len(pt.checks))
	for id, check := range pt.checks {
		if check.timer != nil {
			check.timer.Stop()
		}
		checks = append(checks, check)
		delete(pt.checks, id)
		pt.closed(check)
	}
	return checks
}

func (pt *pendingTable) len() int {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	return len(pt.checks)
}

func (pt *pendingTable) has(hardwareID string) bool {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	_, ok := pt.checks[hardwareID]
	return ok
}
