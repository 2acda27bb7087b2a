// Package module is the public dispatch contract concrete capability
// modules (filesystem, shell, database, browser, etc.) implement against.
// This package prescribes only the contract — no module bodies live here;
// those are external collaborators per the daemon's scope.
package module

import "context"

// ParamSpec declares one parameter a module action accepts, validated
// declaratively (tag-based), not code-generated from a type lattice.
type ParamSpec struct {
	Name       string `json:"name" validate:"required"`
	Type       string `json:"type" validate:"required,oneof=string number bool object array"`
	Required   bool   `json:"required"`
	Validation string `json:"validation,omitempty"` // go-playground/validator tag string
}

// PermissionClass buckets an action by the sensitivity of what it does,
// for the permission guard's allow-rule predicates.
type PermissionClass string

const (
	PermissionRead       PermissionClass = "read"
	PermissionWrite      PermissionClass = "write"
	PermissionDestructive PermissionClass = "destructive"
	PermissionNetwork    PermissionClass = "network"
)

// ActionSpec is one action a module declares.
type ActionSpec struct {
	Name            string          `json:"name"`
	ParamSpec       []ParamSpec     `json:"param_spec"`
	PermissionClass PermissionClass `json:"permission_class"`
}

// Handler executes one action. Modules may internally perform async work
// but must honour ctx cancellation; dispatch is synchronous from the
// executor's perspective.
type Handler func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

// Module is a tagged collection of action handlers a capability module
// registers with the daemon at startup.
type Module struct {
	ModuleID        string       `json:"module_id"`
	Version         string       `json:"version"`
	PlatformSupport []string     `json:"platform_support"`
	Actions         []ActionSpec `json:"actions"`

	Handlers map[string]Handler `json:"-"`
}
