// Package permission implements the per-profile capability check: allow-
// patterns for (module, action, param predicates) plus sandbox path
// prefixes, checked once before scheduling and again per-action after
// template resolution.
package permission

import (
	"path/filepath"
	"strings"

	ierr "github.com/imld/daemon/internal/errors"
)

// Profile names one of the four built-in permission profiles.
type Profile string

const (
	ProfileReadOnly     Profile = "READONLY"
	ProfileLocalWorker  Profile = "LOCAL_WORKER"
	ProfilePowerUser    Profile = "POWER_USER"
	ProfileUnrestricted Profile = "UNRESTRICTED"
)

// AllowRule grants (module, action) with an optional param predicate.
// An empty Action means "any action of this module"; a nil Predicate
// means "any params".
type AllowRule struct {
	Module    string
	Action    string
	Predicate func(params map[string]interface{}) bool
}

// ProfileConfig is a profile's allow-list plus its sandbox path prefixes.
type ProfileConfig struct {
	Rules        []AllowRule
	SandboxPaths []string // real (symlink-resolved) path prefixes this profile may touch
}

// Guard evaluates actions against a configured set of profiles.
type Guard struct {
	profiles map[Profile]ProfileConfig
}

// New builds a Guard from the four built-in profiles. POWER_USER and
// UNRESTRICTED allow everything; READONLY only allows actions whose name
// starts with "read", "list", "get", "describe" or "query"; LOCAL_WORKER
// allows any action. READONLY and LOCAL_WORKER both confine an action's
// primary path, when it has one, to the given sandbox prefixes (when any
// are given).
func New(sandboxPaths []string) *Guard {
	return &Guard{profiles: map[Profile]ProfileConfig{
		ProfileReadOnly: {
			Rules:        []AllowRule{{Module: "*", Predicate: nil}},
			SandboxPaths: sandboxPaths,
		},
		ProfileLocalWorker: {
			Rules:        []AllowRule{{Module: "*", Predicate: nil}},
			SandboxPaths: sandboxPaths,
		},
		ProfilePowerUser: {
			Rules: []AllowRule{{Module: "*"}},
		},
		ProfileUnrestricted: {
			Rules: []AllowRule{{Module: "*"}},
		},
	}}
}

// Check evaluates whether profile permits (module, action, params). path,
// if non-empty, is the action's primary filesystem target and is checked
// against the profile's sandbox prefixes with symlinks resolved.
func (g *Guard) Check(profile Profile, module, action string, params map[string]interface{}, path string) error {
	cfg, ok := g.profiles[profile]
	if !ok {
		return ierr.New("permission.Check", ierr.KindPermissionDenied, "", "unknown permission profile: "+string(profile), nil)
	}

	if profile == ProfileReadOnly && !isReadOnlyAction(action) {
		return ierr.New("permission.Check", ierr.KindPermissionDenied, "", "READONLY profile forbids action "+action, nil,
			"request a profile upgrade", "use a read-only equivalent action")
	}

	allowed := false
	for _, rule := range cfg.Rules {
		if rule.Module != "*" && rule.Module != module {
			continue
		}
		if rule.Action != "" && rule.Action != action {
			continue
		}
		if rule.Predicate != nil && !rule.Predicate(params) {
			continue
		}
		allowed = true
		break
	}
	if !allowed {
		return ierr.New("permission.Check", ierr.KindPermissionDenied, "", "no allow-rule matches "+module+"."+action, nil)
	}

	if path != "" && len(cfg.SandboxPaths) > 0 {
		if err := checkSandbox(path, cfg.SandboxPaths); err != nil {
			return err
		}
	}

	return nil
}

func isReadOnlyAction(action string) bool {
	for _, prefix := range []string{"read", "list", "get", "describe", "query"} {
		if strings.HasPrefix(strings.ToLower(action), prefix) {
			return true
		}
	}
	return false
}

// checkSandbox resolves symlinks in path and verifies it sits under one of
// the allowed prefixes (also symlink-resolved).
func checkSandbox(path string, prefixes []string) error {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		real = filepath.Clean(path)
	}
	for _, prefix := range prefixes {
		realPrefix, err := filepath.EvalSymlinks(prefix)
		if err != nil {
			realPrefix = filepath.Clean(prefix)
		}
		if strings.HasPrefix(real, realPrefix) {
			return nil
		}
	}
	return ierr.New("permission.Check", ierr.KindPermissionDenied, "", "path "+path+" is outside the sandbox", nil,
		"confine the action to an allowed path prefix")
}
