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

package taskconfig

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru"
)

// ErrUnknownTask is returned when a task ID resolves to nothing.
var ErrUnknownTask = errors.New("unknown task")

// provisionedCacheSize bounds the number of taskprov tasks kept activated.
const provisionedCacheSize = 1024

// Resolver maps task IDs to task configurations. Statically configured tasks
// are held for the process lifetime; taskprov tasks enter an LRU cache only
// after their provisioning payload fully validates.
type Resolver struct {
	mu     sync.RWMutex
	static map[string]*Task

	provisioned *lru.Cache
	provisioner *Provisioner
}

// NewResolver builds a resolver over the given static tasks. provisioner may
// be nil to disable taskprov.
func NewResolver(static []*Task, provisioner *Provisioner) (*Resolver, error) {
	cache, err := lru.New(provisionedCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		static:      make(map[string]*Task, len(static)),
		provisioned: cache,
		provisioner: provisioner,
	}
	for _, t := range static {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("task %s: %v", t.ID, err)
		}
		if _, dup := r.static[string(t.ID[:])]; dup {
			return nil, fmt.Errorf("duplicate task %s", t.ID)
		}
		r.static[string(t.ID[:])] = t
	}
	return r, nil
}

// Resolve returns the task for the given ID, or ErrUnknownTask.
func (r *Resolver) Resolve(id [32]byte) (*Task, error) {
	r.mu.RLock()
	t, ok := r.static[string(id[:])]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	if v, ok := r.provisioned.Get(string(id[:])); ok {
		return v.(*Task), nil
	}
	return nil, ErrUnknownTask
}

// ResolveOrProvision resolves the task ID, activating a taskprov task from
// the supplied payload when the ID is not yet known. A nil payload falls back
// to plain resolution. A payload that fails verification never reaches the
// cache; the caller sees the provisioning error itself, so an authenticated
// payload with bad parameters (ErrInvalidProvisioning) is distinguishable
// from a task that is simply unknown.
func (r *Resolver) ResolveOrProvision(id [32]byte, encodedPayload, tag []byte) (*Task, error) {
	if t, err := r.Resolve(id); err == nil {
		return t, nil
	}
	if r.provisioner == nil || encodedPayload == nil {
		return nil, ErrUnknownTask
	}

	task, err := r.provisioner.Provision(id, encodedPayload, tag)
	if err != nil {
		log.Errorf("taskprov rejected for claimed task %x: %v", id[:4], err)
		return nil, err
	}
	r.provisioned.Add(string(task.ID[:]), task)
	log.Infof("activated taskprov task %s", task.ID)
	return task, nil
}

// StaticTasks returns all statically configured tasks.
func (r *Resolver) StaticTasks() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tasks := make([]*Task, 0, len(r.static))
	for _, t := range r.static {
		tasks = append(tasks, t)
	}
	return tasks
}

// AddTask inserts a task at runtime, e.g. through an admin endpoint.
func (r *Resolver) AddTask(t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.static[string(t.ID[:])]; dup {
		return fmt.Errorf("duplicate task %s", t.ID)
	}
	r.static[string(t.ID[:])] = t
	return nil
}
