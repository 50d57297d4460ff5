// Copyright 2023 The DAP Aggregation Service Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"sync"
	"time"

	log "github.com/golang/glog"
)

// Clock supplies the current time. Handlers receive the time explicitly so
// alarm-driven work stays deterministic under test.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// AlarmFunc is invoked on each alarm firing with the scheduler's current time.
type AlarmFunc func(ctx context.Context, now time.Time)

// AlarmScheduler runs named recurring alarms. Cancelling an alarm stops
// future firings but never interrupts a firing in progress.
type AlarmScheduler struct {
	clock Clock

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewAlarmScheduler creates a scheduler on the given clock.
func NewAlarmScheduler(clock Clock) *AlarmScheduler {
	return &AlarmScheduler{
		clock:  clock,
		cancel: make(map[string]context.CancelFunc),
	}
}

// Schedule registers a recurring alarm under name. A previous alarm with the
// same name is cancelled first.
func (s *AlarmScheduler) Schedule(ctx context.Context, name string, interval time.Duration, fn AlarmFunc) {
	s.Cancel(name)

	actx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel[name] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fn(actx, s.clock.Now())
			case <-actx.Done():
				log.Infof("alarm %q cancelled", name)
				return
			}
		}
	}()
}

// Cancel stops the named alarm if it is scheduled.
func (s *AlarmScheduler) Cancel(name string) {
	s.mu.Lock()
	cancel, ok := s.cancel[name]
	if ok {
		delete(s.cancel, name)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Shutdown cancels all alarms and waits for in-flight firings to return.
func (s *AlarmScheduler) Shutdown() {
	s.mu.Lock()
	for name, cancel := range s.cancel {
		cancel()
		delete(s.cancel, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
