// Package tasks holds the registry of callable task definitions. A job
// submission names an (app_name, task_type) pair; the registry resolves it
// to the worker callback and retry policy for that task.
package tasks

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotRegistered is returned when no definition exists for a pair.
var ErrNotRegistered = errors.New("task not registered")

// Definition describes one callable task. Retry fields are fully resolved;
// defaulting from global config happens before registration.
type Definition struct {
	AppName          string
	TaskType         string
	CallbackURL      string
	MaxRetries       int
	RetryBackoffBase int // seconds
}

// Registry maps (app_name, task_type) pairs to definitions.
// It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

func key(appName, taskType string) string {
	return appName + "/" + taskType
}

// Register adds or replaces a definition.
func (r *Registry) Register(def Definition) error {
	if def.AppName == "" || def.TaskType == "" {
		return errors.New("task definition needs app_name and task_type")
	}
	if def.CallbackURL == "" {
		return fmt.Errorf("task %s/%s: callback_url is required", def.AppName, def.TaskType)
	}
	r.mu.Lock()
	r.defs[key(def.AppName, def.TaskType)] = def
	r.mu.Unlock()
	return nil
}

// Resolve returns the definition for the pair, or ErrNotRegistered.
func (r *Registry) Resolve(appName, taskType string) (Definition, error) {
	r.mu.RLock()
	def, ok := r.defs[key(appName, taskType)]
	r.mu.RUnlock()
	if !ok {
		return Definition{}, fmt.Errorf("task %s/%s: %w", appName, taskType, ErrNotRegistered)
	}
	return def, nil
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
