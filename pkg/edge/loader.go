package edge

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/relaymesh/gatehouse/pkg/audit"
)

// Loader resolves the capability set exactly once per process and writes
// the decision to the loader audit log. Resolution never fails: any
// manifest or sandbox problem falls back to the passthrough defaults.
type Loader struct {
	pluginPath string
	auditLog   *audit.Log
	log        *slog.Logger
	now        func() time.Time
	hostCfg    HostConfig

	once sync.Once
	set  Set
	mode string
	host *Host
}

// LoaderOption adjusts loader construction.
type LoaderOption func(*Loader)

// WithLoaderClock overrides the audit timestamp source.
func WithLoaderClock(now func() time.Time) LoaderOption {
	return func(l *Loader) { l.now = now }
}

// WithHostConfig overrides the sandbox limits for plugin calls.
func WithHostConfig(cfg HostConfig) LoaderOption {
	return func(l *Loader) { l.hostCfg = cfg }
}

// NewLoader builds a loader. pluginPath may be empty, which pins the
// passthrough set. auditLog may be nil in tests.
func NewLoader(pluginPath string, auditLog *audit.Log, log *slog.Logger, opts ...LoaderOption) *Loader {
	if log == nil {
		log = slog.Default()
	}
	l := &Loader{
		pluginPath: pluginPath,
		auditLog:   auditLog,
		log:        log,
		now:        time.Now,
		hostCfg:    DefaultHostConfig(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Resolve returns the capability set, loading the plugin on first use.
func (l *Loader) Resolve(ctx context.Context) Set {
	l.once.Do(func() {
		l.set, l.mode = l.load(ctx)
		if l.auditLog != nil {
			entry := audit.NewLoaderDecision(l.mode, l.set.Describe(), l.now())
			if err := l.auditLog.Append(entry); err != nil {
				l.log.Error("loader audit append failed", "error", err)
			}
		}
		l.log.Info("edge modules resolved", "mode", l.mode, "modules", l.set.Describe())
	})
	return l.set
}

// Mode reports how the set was resolved. Valid after Resolve.
func (l *Loader) Mode() string { return l.mode }

// Close releases the plugin runtime if one was loaded.
func (l *Loader) Close() error {
	if l.host != nil {
		return l.host.Close()
	}
	return nil
}

func (l *Loader) load(ctx context.Context) (Set, string) {
	if l.pluginPath == "" {
		return DefaultSet(), ModeNoop
	}

	manifestPath := filepath.Join(filepath.Dir(l.pluginPath), "manifest.json")
	m, err := LoadManifest(manifestPath)
	if err != nil {
		l.log.Warn("plugin manifest rejected, running passthrough modules",
			"path", manifestPath, "error", err)
		return DefaultSet(), ModeNoop
	}

	wasm, err := os.ReadFile(l.pluginPath)
	if err != nil {
		l.log.Warn("plugin binary unreadable, running passthrough modules",
			"path", l.pluginPath, "error", err)
		return DefaultSet(), ModeNoop
	}

	host, err := NewHost(ctx, m.Name, wasm, l.hostCfg, l.log)
	if err != nil {
		l.log.Warn("plugin rejected by sandbox, running passthrough modules",
			"path", l.pluginPath, "error", err)
		return DefaultSet(), ModeNoop
	}
	l.host = host
	return setFromManifest(host, m), ModePlugin
}

// setFromManifest backs the capabilities named in the manifest with the
// plugin and leaves the rest on passthrough. An empty modules list means
// the plugin provides everything.
func setFromManifest(h *Host, m Manifest) Set {
	enabled := func(name string) bool {
		return len(m.Modules) == 0 || slices.Contains(m.Modules, name)
	}
	s := DefaultSet()
	if enabled("assembler") {
		s.Assembler = pluginAssembler{host: h}
	}
	if enabled("router") {
		s.Router = pluginRouter{host: h}
	}
	if enabled("predictor") {
		s.Predictor = pluginPredictor{host: h}
	}
	if enabled("anti_mev") {
		s.Filter = pluginFilter{host: h}
	}
	if enabled("capital") {
		s.Capital = pluginCapital{host: h}
	}
	return s
}
