// Package registry implements the module dispatch map: (module_id,
// action_name) -> handler, with declarative param validation, modelled on
// the teacher's ServiceInfo/Discovery registration contract generalised
// from agent/tool discovery to capability-module dispatch.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	ierr "github.com/imld/daemon/internal/errors"
	"github.com/imld/daemon/pkg/module"
)

// Registry is the executor's view of every registered module.
type Registry struct {
	mu       sync.RWMutex
	modules  map[string]*module.Module
	validate *validator.Validate
}

func New() *Registry {
	return &Registry{
		modules:  make(map[string]*module.Module),
		validate: validator.New(),
	}
}

// Register adds a module, replacing any prior registration of the same id
// (mirrors the teacher's upsert-on-register behaviour for service info).
func (r *Registry) Register(m *module.Module) error {
	if m.ModuleID == "" {
		return ierr.New("registry.Register", ierr.KindInternal, "", "module_id must not be empty", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.ModuleID] = m
	return nil
}

// Unregister removes a module.
func (r *Registry) Unregister(moduleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, moduleID)
}

// Get returns the manifest for a registered module.
func (r *Registry) Get(moduleID string) (*module.Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[moduleID]
	return m, ok
}

// List returns every registered module's manifest (capability manifest for
// GET /modules).
func (r *Registry) List() []*module.Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*module.Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	return out
}

// ActionSpec returns the declared spec for (moduleID, actionName).
func (r *Registry) ActionSpec(moduleID, actionName string) (module.ActionSpec, bool) {
	m, ok := r.Get(moduleID)
	if !ok {
		return module.ActionSpec{}, false
	}
	for _, a := range m.Actions {
		if a.Name == actionName {
			return a, true
		}
	}
	return module.ActionSpec{}, false
}

// Dispatch validates params against the action's declared spec and, if
// valid, invokes the handler. Modules may perform async work internally
// but must honour ctx.
func (r *Registry) Dispatch(ctx context.Context, moduleID, actionName string, params map[string]interface{}) (map[string]interface{}, error) {
	m, ok := r.Get(moduleID)
	if !ok {
		return nil, ierr.New("registry.Dispatch", ierr.KindModule, moduleID, "module not registered", ierr.ErrModuleNotFound)
	}

	handler, ok := m.Handlers[actionName]
	if !ok {
		return nil, ierr.New("registry.Dispatch", ierr.KindModule, moduleID+"."+actionName, "action not found", ierr.ErrActionNotFoundInModule)
	}

	if spec, ok := r.ActionSpec(moduleID, actionName); ok {
		if err := r.validateParams(spec, params); err != nil {
			return nil, ierr.New("registry.Dispatch", ierr.KindModule, moduleID+"."+actionName, err.Error(), err)
		}
	}

	return handler(ctx, params)
}

func (r *Registry) validateParams(spec module.ActionSpec, params map[string]interface{}) error {
	for _, p := range spec.ParamSpec {
		v, present := params[p.Name]
		if p.Required && !present {
			return fmt.Errorf("missing required param %q", p.Name)
		}
		if !present {
			continue
		}
		if p.Validation != "" {
			if err := r.validate.Var(v, p.Validation); err != nil {
				return fmt.Errorf("param %q failed validation %q: %w", p.Name, p.Validation, err)
			}
		}
	}
	return nil
}
