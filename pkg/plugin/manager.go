package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	xerrors "WAMP-Orchestrator/internal/errors"
	"WAMP-Orchestrator/pkg/logger"
	"WAMP-Orchestrator/pkg/wamp"
)

// Manager keeps track of registered plugins and fans session join/leave out
// to one Controller per plugin. Failures stay inside the plugin they belong
// to.
type Manager struct {
	mu        sync.RWMutex
	order     []string
	registry  map[string]*instance
	loader    Loader
	factories map[string]Factory
	defaults  URIPolicy

	executor  *Executor
	observer  Observer
	onFailure FailureHandler
	hooks     *hookRunner
	logger    *slog.Logger

	session   wamp.Session
	stopWatch chan struct{}
	closed    bool
}

type instance struct {
	controller *Controller
	policy     URIPolicy
	source     string
}

// Info summarises a registered plugin.
type Info struct {
	Name          string    `json:"name"`
	Source        string    `json:"source"`
	State         State     `json:"state"`
	Policy        URIPolicy `json:"policy"`
	RPCs          []string  `json:"rpcs"`
	Subscriptions []string  `json:"subscriptions"`
}

// Option customises a Manager.
type Option func(*Manager)

// WithLoader overrides the loader used for plugin paths.
func WithLoader(l Loader) Option {
	return func(m *Manager) {
		if l != nil {
			m.loader = l
		}
	}
}

// WithFactory registers a built-in plugin constructor under name.
func WithFactory(name string, f Factory) Option {
	return func(m *Manager) {
		if name != "" && f != nil {
			m.factories[name] = f
		}
	}
}

// WithManagerExecutor shares an executor, typically one wired to a
// recorder and an observer, between all controllers.
func WithManagerExecutor(e *Executor) Option {
	return func(m *Manager) {
		if e != nil {
			m.executor = e
		}
	}
}

// WithObserver reports state transitions of every controller.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithNotReadyHandler is told about every plugin that failed to become ready.
func WithNotReadyHandler(h FailureHandler) Option {
	return func(m *Manager) { m.onFailure = h }
}

// WithManagerLogger overrides the manager logger.
func WithManagerLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager constructs a manager using the supplied configuration and
// options, loading every enabled plugin of cfg.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "plugin manager config")
	}
	m := &Manager{
		registry:  make(map[string]*instance),
		loader:    GoPluginLoader{},
		factories: make(map[string]Factory),
		defaults:  cfg.Defaults,
		logger:    logger.Named("plugin-manager"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.executor == nil {
		m.executor = NewExecutor()
	}
	m.hooks = &hookRunner{logger: m.logger}
	if err := m.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register adds a plugin instance. The plugin set is fixed while a session
// is joined. policy may be nil to use the manager defaults.
func (m *Manager) Register(p Plugin, policy *URIPolicy) error {
	return m.register(p, policy, "manual")
}

func (m *Manager) register(p Plugin, policy *URIPolicy, source string) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin implementation cannot be nil")
	}
	name := p.Name()
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin name cannot be empty")
	}
	merged := MergePolicies(m.defaults, policy)
	if err := merged.Check(p); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return xerrors.New(xerrors.CodePreconditionFailed, "plugin manager closed")
	}
	if m.session != nil {
		return xerrors.New(xerrors.CodePreconditionFailed, fmt.Sprintf("cannot register plugin %s while a session is joined", name))
	}
	if _, exists := m.registry[name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("plugin %s already registered", name))
	}
	ctrl := NewController(p,
		WithExecutor(m.executor),
		WithStateObserver(m.observer),
		WithFailureHandler(m.onFailure),
		withHookRunner(m.hooks))
	m.registry[name] = &instance{controller: ctrl, policy: merged, source: source}
	m.order = append(m.order, name)
	m.logger.Info("plugin registered", slog.String("plugin", name), slog.String("source", source))
	return nil
}

// Load loads a plugin implementation from disk, configures it and registers
// it. A non-empty name must match the plugin's own name.
func (m *Manager) Load(name, path string, cfg map[string]any, policy *URIPolicy) error {
	if path == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin path cannot be empty")
	}
	p, err := m.loader.Load(path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("load plugin from %s", path))
	}
	if name != "" && p.Name() != name {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("plugin name mismatch: %s != %s", p.Name(), name))
	}
	if err := configure(p, cfg); err != nil {
		return err
	}
	return m.register(p, policy, path)
}

func (m *Manager) build(name, factory string, cfg map[string]any, policy *URIPolicy) error {
	f, ok := m.factories[factory]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("plugin factory %s not registered", factory))
	}
	p, err := f(name, cfg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("build plugin %s", name))
	}
	if err := configure(p, cfg); err != nil {
		return err
	}
	return m.register(p, policy, "factory:"+factory)
}

func configure(p Plugin, cfg map[string]any) error {
	c, ok := p.(Configurable)
	if !ok {
		return nil
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := c.Configure(cfg); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("configure plugin %s", p.Name()))
	}
	return nil
}

// Join binds session to every registered plugin and runs their join
// sequences concurrently. It returns the joined failures of the plugins that
// did not become ready; the others are ready regardless. The manager leaves
// automatically once session reports Done, including when it already ended
// while the plugins were joining.
func (m *Manager) Join(ctx context.Context, session wamp.Session, details wamp.Details) error {
	if session == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session cannot be nil")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return xerrors.New(xerrors.CodePreconditionFailed, "plugin manager closed")
	}
	if m.session != nil {
		m.mu.Unlock()
		return ErrAlreadyJoined
	}
	m.session = session
	stop := make(chan struct{})
	m.stopWatch = stop
	controllers := m.controllersLocked()
	m.mu.Unlock()

	m.logger.Info("session joined",
		slog.Uint64("session", uint64(session.ID())),
		slog.String("realm", details.Realm),
		slog.Int("plugins", len(controllers)))

	errs := make([]error, len(controllers))
	var wg sync.WaitGroup
	for i, ctrl := range controllers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = ctrl.Join(ctx, session, details)
		}()
	}
	wg.Wait()

	// Watching starts only after every controller settled so a session that
	// ended early still reaches controllers that finished joining after it.
	go m.watch(session, stop)
	return errors.Join(errs...)
}

func (m *Manager) watch(session wamp.Session, stop <-chan struct{}) {
	select {
	case <-session.Done():
		m.logger.Info("session ended", slog.Uint64("session", uint64(session.ID())))
		m.leave(session)
	case <-stop:
	}
}

// Leave tells every joined plugin that the session is gone. It is a no-op
// when no session is joined.
func (m *Manager) Leave() {
	m.leave(nil)
}

// leave detaches the current session; a non-nil session only detaches if it
// is still the current one.
func (m *Manager) leave(session wamp.Session) {
	m.mu.Lock()
	if m.session == nil || (session != nil && m.session != session) {
		m.mu.Unlock()
		return
	}
	m.session = nil
	close(m.stopWatch)
	m.stopWatch = nil
	controllers := m.controllersLocked()
	m.mu.Unlock()

	for _, ctrl := range controllers {
		ctrl.Leave()
	}
}

// Session returns the joined session or nil.
func (m *Manager) Session() wamp.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// State returns the lifecycle state of a plugin.
func (m *Manager) State(name string) (State, error) {
	inst, err := m.get(name)
	if err != nil {
		return "", err
	}
	return inst.controller.State(), nil
}

// States returns the lifecycle state of every plugin.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states := make(map[string]State, len(m.registry))
	for name, inst := range m.registry {
		states[name] = inst.controller.State()
	}
	return states
}

// Plugins describes every registered plugin sorted by name.
func (m *Manager) Plugins() []Info {
	m.mu.RLock()
	names := make([]string, 0, len(m.registry))
	for name := range m.registry {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	infos := make([]Info, 0, len(names))
	for _, name := range names {
		if info, err := m.Info(name); err == nil {
			infos = append(infos, info)
		}
	}
	return infos
}

// Info describes a single plugin.
func (m *Manager) Info(name string) (Info, error) {
	inst, err := m.get(name)
	if err != nil {
		return Info{}, err
	}
	p := inst.controller.Plugin()
	info := Info{
		Name:          name,
		Source:        inst.source,
		State:         inst.controller.State(),
		Policy:        inst.policy,
		RPCs:          []string{},
		Subscriptions: []string{},
	}
	for _, r := range p.RPCs() {
		info.RPCs = append(info.RPCs, r.URI)
	}
	for _, s := range p.Subscriptions() {
		info.Subscriptions = append(info.Subscriptions, s.URI)
	}
	return info, nil
}

// Wait blocks until every scheduled ready/not-ready hook has returned.
func (m *Manager) Wait(ctx context.Context) error {
	return m.hooks.Wait(ctx)
}

// Close leaves the current session, rejects further joins and drains the
// scheduled hooks.
func (m *Manager) Close(ctx context.Context) error {
	m.Leave()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.hooks.CloseAndWait(ctx)
}

func (m *Manager) get(name string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("plugin %s not registered", name))
	}
	return inst, nil
}

func (m *Manager) controllersLocked() []*Controller {
	out := make([]*Controller, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.registry[name].controller)
	}
	return out
}

func (m *Manager) loadConfigured(cfg ManagerConfig) error {
	names := make([]string, 0, len(cfg.Plugins))
	for name := range cfg.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pluginCfg := cfg.Plugins[name]
		if !pluginCfg.Enabled {
			continue
		}
		if pluginCfg.Factory != "" {
			if err := m.build(name, pluginCfg.Factory, cloneConfig(pluginCfg.Config), pluginCfg.Policy); err != nil {
				return err
			}
			continue
		}
		path := pluginCfg.Path
		if !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		if err := m.Load(name, path, cloneConfig(pluginCfg.Config), pluginCfg.Policy); err != nil {
			return err
		}
	}
	return nil
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
