package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	xerrors "WAMP-Orchestrator/internal/errors"
	"WAMP-Orchestrator/pkg/wamp"
)

func TestManagerPluginsResolveIndependently(t *testing.T) {
	session := newFakeSession(9)
	session.onRegister = func(_ context.Context, _ Kind, uri string) (wamp.ID, error) {
		if uri == "b.taken" {
			return 0, wamp.ErrProcedureAlreadyExists
		}
		return 1, nil
	}
	var (
		mu       sync.Mutex
		notified []string
	)
	mgr, err := NewManager(ManagerConfig{}, WithNotReadyHandler(func(_ context.Context, name string, id wamp.ID, _ error) {
		mu.Lock()
		defer mu.Unlock()
		if id != 9 {
			t.Errorf("notified session %d", id)
		}
		notified = append(notified, name)
	}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	good := &testPlugin{name: "good", rpcs: []RPC{rpc("a.ok")}}
	bad := &testPlugin{name: "bad", rpcs: []RPC{rpc("b.taken")}}
	for _, p := range []Plugin{good, bad} {
		if err := mgr.Register(p, nil); err != nil {
			t.Fatalf("register %s: %v", p.Name(), err)
		}
	}

	err = mgr.Join(context.Background(), session, wamp.Details{Session: 9})
	if !errors.Is(err, wamp.ErrProcedureAlreadyExists) {
		t.Fatalf("expected the bad plugin failure, got %v", err)
	}
	waitHooks(t, mgr)

	states := mgr.States()
	if states["good"] != StateReady || states["bad"] != StateFailed {
		t.Fatalf("states = %v", states)
	}
	if good.ready.Load() != 1 || bad.notReady.Load() != 1 || bad.ready.Load() != 0 {
		t.Fatalf("good.ready=%d bad.notReady=%d", good.ready.Load(), bad.notReady.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 || notified[0] != "bad" {
		t.Fatalf("not-ready handler saw %v", notified)
	}
}

func TestManagerRejectsRegisterWhileJoined(t *testing.T) {
	mgr, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Join(context.Background(), newFakeSession(1), wamp.Details{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	err = mgr.Register(&testPlugin{name: "late"}, nil)
	if xerrors.CodeOf(err) != xerrors.CodePreconditionFailed {
		t.Fatalf("expected PRECONDITION_FAILED, got %v", err)
	}
	if err := mgr.Join(context.Background(), newFakeSession(2), wamp.Details{}); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
	mgr.Leave()
	if err := mgr.Register(&testPlugin{name: "late"}, nil); err != nil {
		t.Fatalf("register after leave: %v", err)
	}
}

func TestManagerRejectsDuplicateName(t *testing.T) {
	mgr, _ := NewManager(ManagerConfig{})
	if err := mgr.Register(&testPlugin{name: "p"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mgr.Register(&testPlugin{name: "p"}, nil); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestManagerEnforcesURIPolicy(t *testing.T) {
	mgr, err := NewManager(ManagerConfig{Defaults: URIPolicy{AllowedPrefixes: []string{"com.example"}}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	err = mgr.Register(&testPlugin{name: "rogue", rpcs: []RPC{rpc("wamp.session.kill")}}, nil)
	if xerrors.CodeOf(err) != xerrors.CodePolicyViolation {
		t.Fatalf("expected POLICY_VIOLATION, got %v", err)
	}
	err = mgr.Register(&testPlugin{name: "ok", subs: []Subscription{sub("com.example.news")}}, nil)
	if err != nil {
		t.Fatalf("allowed plugin rejected: %v", err)
	}
	override := &URIPolicy{DeniedPrefixes: []string{"com.example.admin"}}
	err = mgr.Register(&testPlugin{name: "admin", rpcs: []RPC{rpc("com.example.admin.reset")}}, override)
	if xerrors.CodeOf(err) != xerrors.CodePolicyViolation {
		t.Fatalf("expected denied prefix to win, got %v", err)
	}
}

func TestManagerLeavesWhenSessionEnds(t *testing.T) {
	session := newFakeSession(3)
	p := &testPlugin{name: "p", rpcs: []RPC{rpc("a.b")}}
	mgr, _ := NewManager(ManagerConfig{})
	if err := mgr.Register(p, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mgr.Join(context.Background(), session, wamp.Details{}); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := p.Leave(context.Background(), wamp.URICloseNormal); err != nil {
		t.Fatalf("leave: %v", err)
	}
	eventually(t, func() bool { return p.leaves.Load() == 1 }, "on_leave not called after session ended")
	if state, _ := mgr.State("p"); state != StateLeft {
		t.Fatalf("state = %s", state)
	}
	if mgr.Session() != nil {
		t.Fatal("manager still holds the ended session")
	}
	mgr.Leave()
	if p.leaves.Load() != 1 {
		t.Fatal("on_leave must run once per session")
	}
}

func TestManagerJoinOnEndedSession(t *testing.T) {
	session := newFakeSession(4)
	session.close()
	p := &testPlugin{name: "p", rpcs: []RPC{rpc("a.b")}}
	q := &testPlugin{name: "q", subs: []Subscription{sub("a.c")}}
	mgr, _ := NewManager(ManagerConfig{})
	for _, plug := range []*testPlugin{p, q} {
		if err := mgr.Register(plug, nil); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	_ = mgr.Join(context.Background(), session, wamp.Details{})

	eventually(t, func() bool {
		return mgr.Session() == nil && p.leaves.Load() == 1 && q.leaves.Load() == 1
	}, "plugins not left after the session ended")
	for _, plug := range []*testPlugin{p, q} {
		if state, _ := mgr.State(plug.name); state.Joined() {
			t.Fatalf("%s still bound to an ended session: %s", plug.name, state)
		}
		if plug.Session() != nil {
			t.Fatalf("%s still holds the ended session", plug.name)
		}
	}
}

func TestManagerBuildsFactoryPlugins(t *testing.T) {
	var built *testPlugin
	cfg := ManagerConfig{Plugins: map[string]PluginConfig{
		"clock":    {Enabled: true, Factory: "test", Config: map[string]any{"prefix": "com.example"}},
		"disabled": {Enabled: false, Factory: "missing"},
	}}
	mgr, err := NewManager(cfg, WithFactory("test", func(name string, _ map[string]any) (Plugin, error) {
		built = &testPlugin{name: name}
		return built, nil
	}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if built == nil || built.config["prefix"] != "com.example" {
		t.Fatalf("factory plugin not configured: %+v", built)
	}
	info, err := mgr.Info("clock")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Source != "factory:test" || info.State != StateDetached {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := mgr.State("disabled"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("disabled plugin should not be registered: %v", err)
	}
}

func TestManagerUnknownFactory(t *testing.T) {
	cfg := ManagerConfig{Plugins: map[string]PluginConfig{"x": {Enabled: true, Factory: "nope"}}}
	if _, err := NewManager(cfg); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

type stubLoader struct {
	plugin Plugin
	paths  []string
}

func (l *stubLoader) Load(path string) (Plugin, error) {
	l.paths = append(l.paths, path)
	return l.plugin, nil
}

func TestManagerLoadsFromPluginDir(t *testing.T) {
	loader := &stubLoader{plugin: &testPlugin{name: "ext"}}
	cfg := ManagerConfig{
		PluginDir: "/opt/wampd/plugins",
		Plugins:   map[string]PluginConfig{"ext": {Enabled: true, Path: "ext.so"}},
	}
	if _, err := NewManager(cfg, WithLoader(loader)); err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if len(loader.paths) != 1 || loader.paths[0] != filepath.Join("/opt/wampd/plugins", "ext.so") {
		t.Fatalf("loader paths = %v", loader.paths)
	}

	mismatch := ManagerConfig{Plugins: map[string]PluginConfig{"other": {Enabled: true, Path: "/x.so"}}}
	if _, err := NewManager(mismatch, WithLoader(&stubLoader{plugin: &testPlugin{name: "ext"}})); err == nil || !strings.Contains(err.Error(), "mismatch") {
		t.Fatalf("expected name mismatch, got %v", err)
	}
}

func TestManagerCloseDrainsAndRejects(t *testing.T) {
	p := &testPlugin{name: "p"}
	mgr, _ := NewManager(ManagerConfig{})
	_ = mgr.Register(p, nil)
	if err := mgr.Join(context.Background(), newFakeSession(1), wamp.Details{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := mgr.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if p.leaves.Load() != 1 || p.ready.Load() != 1 {
		t.Fatalf("leaves=%d ready=%d", p.leaves.Load(), p.ready.Load())
	}
	if err := mgr.Join(context.Background(), newFakeSession(2), wamp.Details{}); xerrors.CodeOf(err) != xerrors.CodePreconditionFailed {
		t.Fatalf("join after close: %v", err)
	}
}

func TestLoadManagerConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	raw := `pluginDir: /srv/plugins
defaults:
  deniedPrefixes: ["wamp."]
plugins:
  greeter:
    enabled: true
    factory: greeter
    config:
      topic: some.pub..hello
    policy:
      allowedPrefixes: ["some.pub"]
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadManagerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	greeter := cfg.Plugins["greeter"]
	if greeter.Factory != "greeter" || greeter.Config["topic"] != "some.pub..hello" {
		t.Fatalf("unexpected plugin config %+v", greeter)
	}
	merged := MergePolicies(cfg.Defaults, greeter.Policy)
	if len(merged.AllowedPrefixes) != 1 || len(merged.DeniedPrefixes) != 1 {
		t.Fatalf("unexpected merged policy %+v", merged)
	}
}

func TestManagerConfigValidate(t *testing.T) {
	cases := map[string]PluginConfig{
		"neither": {Enabled: true},
		"both":    {Enabled: true, Path: "a.so", Factory: "a"},
	}
	for name, pc := range cases {
		cfg := ManagerConfig{Plugins: map[string]PluginConfig{name: pc}}
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if _, err := LoadManagerConfig(""); err == nil {
		t.Fatal("empty path should fail")
	}
}
