package registry

import (
	"context"
	"testing"

	ierr "github.com/imld/daemon/internal/errors"
	"github.com/imld/daemon/pkg/module"
)

func echoModule() *module.Module {
	return &module.Module{
		ModuleID: "fs",
		Version:  "1.0.0",
		Actions: []module.ActionSpec{
			{
				Name: "read_file",
				ParamSpec: []module.ParamSpec{
					{Name: "path", Type: "string", Required: true, Validation: "required"},
					{Name: "encoding", Type: "string", Required: false},
				},
				PermissionClass: module.PermissionRead,
			},
		},
		Handlers: map[string]module.Handler{
			"read_file": func(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
				return map[string]interface{}{"content": "hello", "path": params["path"]}, nil
			},
		},
	}
}

func TestRegisterRejectsEmptyModuleID(t *testing.T) {
	r := New()
	if err := r.Register(&module.Module{}); err == nil {
		t.Fatal("expected an error for an empty module_id")
	}
}

func TestRegisterIsUpsert(t *testing.T) {
	r := New()
	if err := r.Register(echoModule()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	replacement := echoModule()
	replacement.Version = "2.0.0"
	if err := r.Register(replacement); err != nil {
		t.Fatalf("Register replacement: %v", err)
	}

	got, ok := r.Get("fs")
	if !ok {
		t.Fatal("expected fs module to be registered")
	}
	if got.Version != "2.0.0" {
		t.Errorf("Version = %q, want 2.0.0 after upsert", got.Version)
	}
}

func TestUnregisterRemovesModule(t *testing.T) {
	r := New()
	r.Register(echoModule())
	r.Unregister("fs")
	if _, ok := r.Get("fs"); ok {
		t.Fatal("expected fs module to be gone after Unregister")
	}
}

func TestListReturnsAllRegisteredModules(t *testing.T) {
	r := New()
	r.Register(echoModule())
	mod2 := echoModule()
	mod2.ModuleID = "shell"
	r.Register(mod2)

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List returned %d modules, want 2", len(list))
	}
}

func TestDispatchRejectsUnknownModule(t *testing.T) {
	r := New()
	_, err := r.Dispatch(context.Background(), "nope", "read_file", nil)
	if !ierr.IsKind(err, ierr.KindModule) {
		t.Fatalf("expected a KindModule error, got %v", err)
	}
}

func TestDispatchRejectsUnknownAction(t *testing.T) {
	r := New()
	r.Register(echoModule())
	_, err := r.Dispatch(context.Background(), "fs", "delete_everything", nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered action")
	}
}

func TestDispatchRejectsMissingRequiredParam(t *testing.T) {
	r := New()
	r.Register(echoModule())
	_, err := r.Dispatch(context.Background(), "fs", "read_file", map[string]interface{}{})
	if err == nil {
		t.Fatal("expected an error for a missing required param")
	}
}

func TestDispatchInvokesHandlerOnValidParams(t *testing.T) {
	r := New()
	r.Register(echoModule())
	out, err := r.Dispatch(context.Background(), "fs", "read_file", map[string]interface{}{"path": "/tmp/x"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out["content"] != "hello" {
		t.Errorf("content = %v, want hello", out["content"])
	}
}

func TestDispatchAllowsOmittingOptionalParam(t *testing.T) {
	r := New()
	r.Register(echoModule())
	_, err := r.Dispatch(context.Background(), "fs", "read_file", map[string]interface{}{"path": "/tmp/x"})
	if err != nil {
		t.Fatalf("Dispatch should not require the optional encoding param: %v", err)
	}
}

func TestActionSpecLooksUpByModuleAndName(t *testing.T) {
	r := New()
	r.Register(echoModule())
	spec, ok := r.ActionSpec("fs", "read_file")
	if !ok {
		t.Fatal("expected to find the read_file action spec")
	}
	if spec.PermissionClass != module.PermissionRead {
		t.Errorf("PermissionClass = %q, want read", spec.PermissionClass)
	}
}
