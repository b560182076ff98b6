// Package discovery enumerates, validates and health-checks backend service descriptors.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/t77yq/agentpool/internal/events"
	"github.com/t77yq/agentpool/internal/model"
)

const (
	defaultProbeTimeout   = 15 * time.Second
	defaultHealthInterval = 60 * time.Second
	defaultRescanInterval = 300 * time.Second
	watchDebounce         = 500 * time.Millisecond
)

var defaultProbeArgs = []string{"--version"}

// Config holds discovery settings
type Config struct {
	Directories         []string
	ManifestPattern     string
	Custom              []model.ServiceDescriptor
	NPMPrefixes         []string
	DockerPrefixes      []string
	ProbeTimeout        time.Duration
	HealthInterval      time.Duration
	RescanInterval      time.Duration
	MaxConcurrentProbes int
	ResolveCacheTTL     time.Duration
	Watch               bool
}

// DefaultConfig returns the default discovery settings
func DefaultConfig() Config {
	return Config{
		ManifestPattern:     "**/service.yaml",
		NPMPrefixes:         []string{"@modelcontextprotocol/server-", "mcp-server-"},
		DockerPrefixes:      []string{"mcp/"},
		ProbeTimeout:        defaultProbeTimeout,
		HealthInterval:      defaultHealthInterval,
		RescanInterval:      defaultRescanInterval,
		MaxConcurrentProbes: 4,
		ResolveCacheTTL:     time.Minute,
	}
}

// Deps are the collaborators of a Manager; zero values fall back to defaults
type Deps struct {
	Runner    CommandRunner
	Packages  []PackageManager
	Publisher events.Publisher
}

// Manager owns the descriptor catalog
type Manager struct {
	logger     *zap.Logger
	config     Config
	runner     CommandRunner
	publisher  events.Publisher
	strategies []Strategy
	packages   map[string]PackageManager
	resolver   *commandResolver
	probes     *semaphore.Weighted

	mu       sync.RWMutex
	services map[string]*model.ServiceDescriptor
	aliases  map[string]string
	rejected []model.ServiceDescriptor

	scanMu  sync.Mutex
	cron    *cron.Cron
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Manager running the catalog, package, directory and custom strategies
func New(config Config, deps Deps, logger *zap.Logger) (*Manager, error) {
	logger = logger.Named("discovery")

	strategies := []Strategy{NewCatalogStrategy(nil)}
	if len(deps.Packages) > 0 {
		strategies = append(strategies, NewPackageStrategy(deps.Packages, map[string][]string{
			"npm":    config.NPMPrefixes,
			"docker": config.DockerPrefixes,
		}, logger))
	}
	if len(config.Directories) > 0 {
		strategies = append(strategies, NewDirectoryStrategy(config.Directories, config.ManifestPattern, logger))
	}
	if len(config.Custom) > 0 {
		strategies = append(strategies, NewCustomStrategy(config.Custom))
	}

	return newManager(config, strategies, deps, logger)
}

// NewWithStrategies creates a Manager over an explicit strategy list
func NewWithStrategies(config Config, strategies []Strategy, deps Deps, logger *zap.Logger) (*Manager, error) {
	return newManager(config, strategies, deps, logger.Named("discovery"))
}

func newManager(config Config, strategies []Strategy, deps Deps, logger *zap.Logger) (*Manager, error) {
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaultProbeTimeout
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = defaultHealthInterval
	}
	if config.RescanInterval <= 0 {
		config.RescanInterval = defaultRescanInterval
	}
	if config.MaxConcurrentProbes <= 0 {
		config.MaxConcurrentProbes = 1
	}
	if config.ResolveCacheTTL <= 0 {
		config.ResolveCacheTTL = time.Minute
	}

	resolver, err := newCommandResolver(config.ResolveCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolve cache: %w", err)
	}

	runner := deps.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}

	packages := make(map[string]PackageManager, len(deps.Packages))
	for _, pm := range deps.Packages {
		packages[pm.Name()] = pm
	}

	return &Manager{
		logger:     logger,
		config:     config,
		runner:     runner,
		publisher:  publisher,
		strategies: strategies,
		packages:   packages,
		resolver:   resolver,
		probes:     semaphore.NewWeighted(int64(config.MaxConcurrentProbes)),
		services:   make(map[string]*model.ServiceDescriptor),
		aliases:    make(map[string]string),
		stopCh:     make(chan struct{}),
	}, nil
}

// Discover runs every strategy in parallel, merges the results and replaces the catalog
// with the descriptors that pass validation.
func (m *Manager) Discover(ctx context.Context) ([]model.ServiceDescriptor, error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	results := make([][]model.ServiceDescriptor, len(m.strategies))
	var g errgroup.Group
	for i, strategy := range m.strategies {
		i, strategy := i, strategy
		g.Go(func() error {
			descs, err := strategy.Discover(ctx)
			if err != nil {
				m.logger.Warn("Discovery strategy failed",
					zap.String("strategy", strategy.Name()),
					zap.Error(err))
			}
			results[i] = descs
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := Merge(results)
	valid := make([]model.ServiceDescriptor, 0, len(merged))
	var rejected []model.ServiceDescriptor
	for _, d := range merged {
		d.Validation = m.Validate(ctx, d)
		if err := checkValid(d); err != nil {
			m.logger.Info("Service rejected",
				zap.String("service", d.Name),
				zap.String("source", string(d.Source)),
				zap.Error(err))
			rejected = append(rejected, d)
			continue
		}
		valid = append(valid, d)
	}

	m.mu.Lock()
	services := make(map[string]*model.ServiceDescriptor, len(valid))
	aliases := make(map[string]string)
	for i := range valid {
		d := valid[i]
		key := strings.ToLower(d.Name)
		if prev, ok := m.services[key]; ok {
			d.Health = prev.Health
			d.Latency = prev.Latency
			d.LastError = prev.LastError
			d.LastCheck = prev.LastCheck
		} else {
			d.Health = model.ServiceHealthUnknown
		}
		services[key] = &d
		for _, alias := range d.Aliases {
			alias = strings.ToLower(alias)
			if _, taken := aliases[alias]; !taken {
				aliases[alias] = key
			}
		}
	}
	m.services = services
	m.aliases = aliases
	m.rejected = rejected
	m.mu.Unlock()

	m.logger.Info("Discovery completed",
		zap.Int("services", len(valid)),
		zap.Int("rejected", len(rejected)))

	return m.List(), nil
}

func checkValid(d model.ServiceDescriptor) error {
	if d.Command == "" && d.Package == nil {
		return &ValidationError{Name: d.Name, Reason: "no command or package declared"}
	}
	if !d.Validation.Valid() {
		return &ValidationError{Name: d.Name, Reason: "neither command nor package resolves"}
	}
	return nil
}

// Validate checks whether the descriptor's command or backing package resolves
func (m *Manager) Validate(ctx context.Context, d model.ServiceDescriptor) model.ValidationResult {
	result := model.ValidationResult{CheckedAt: time.Now()}

	if path, ok := m.resolver.Resolve(d.Command); ok {
		result.CommandFound = true
		result.CommandPath = path
	}

	if d.Package != nil {
		pm, ok := m.packages[d.Package.Manager]
		if ok {
			found, err := pm.Has(ctx, d.Package.Name)
			if err != nil {
				m.logger.Debug("Package lookup failed",
					zap.String("service", d.Name),
					zap.String("manager", d.Package.Manager),
					zap.Error(err))
			}
			result.PackageFound = found
		}
	}

	return result
}

// TestConnection invokes the service command with its probe arguments under the
// probe timeout and records the resulting health.
func (m *Manager) TestConnection(ctx context.Context, name string) (*model.ConnectionResult, error) {
	d, err := m.GetByName(name, true)
	if err != nil {
		return nil, err
	}

	result := &model.ConnectionResult{Name: d.Name}
	if d.Command == "" {
		result.Error = ErrNoCommand.Error()
		m.recordHealth(d.Name, model.ServiceHealthError, result)
		return result, nil
	}

	if err := m.probes.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.probes.Release(1)

	args := d.ProbeArgs
	if len(args) == 0 {
		args = defaultProbeArgs
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	start := time.Now()
	_, runErr := m.runner.Run(probeCtx, d.Command, args...)
	result.Latency = time.Since(start)
	result.LatencyMs = result.Latency.Milliseconds()

	health := model.ServiceHealthHealthy
	switch {
	case errors.Is(probeCtx.Err(), context.DeadlineExceeded):
		health = model.ServiceHealthError
		result.Error = fmt.Sprintf("probe timed out after %s", m.config.ProbeTimeout)
	case runErr != nil:
		health = model.ServiceHealthUnhealthy
		result.Error = runErr.Error()
	default:
		result.Success = true
	}

	m.recordHealth(d.Name, health, result)
	return result, nil
}

func (m *Manager) recordHealth(name string, health model.ServiceHealth, result *model.ConnectionResult) {
	m.mu.Lock()
	d, ok := m.services[strings.ToLower(name)]
	if ok {
		d.Health = health
		d.Latency = result.Latency
		d.LastError = result.Error
		d.LastCheck = time.Now()
	}
	var snapshot model.ServiceDescriptor
	if ok {
		snapshot = clone(*d)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if health != model.ServiceHealthHealthy {
		m.logger.Warn("Service probe failed",
			zap.String("service", name),
			zap.String("health", string(health)),
			zap.String("error", result.Error))
	}
	if err := m.publisher.Publish(events.SubjectServiceState, snapshot); err != nil {
		m.logger.Error("Failed to publish service health",
			zap.String("service", name),
			zap.Error(err))
	}
}

// CheckAll probes every known service in parallel
func (m *Manager) CheckAll(ctx context.Context) []model.ConnectionResult {
	services := m.List()
	results := make([]model.ConnectionResult, len(services))

	var wg sync.WaitGroup
	for i, d := range services {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			res, err := m.TestConnection(ctx, name)
			if err != nil {
				results[i] = model.ConnectionResult{Name: name, Error: err.Error()}
				return
			}
			results[i] = *res
		}(i, d.Name)
	}
	wg.Wait()
	return results
}

// GetByName returns the descriptor with the given name, optionally matching aliases.
// Lookup is case-insensitive.
func (m *Manager) GetByName(name string, includeAliases bool) (model.ServiceDescriptor, error) {
	key := strings.ToLower(name)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if d, ok := m.services[key]; ok {
		return clone(*d), nil
	}
	if includeAliases {
		if target, ok := m.aliases[key]; ok {
			if d, ok := m.services[target]; ok {
				return clone(*d), nil
			}
		}
	}
	return model.ServiceDescriptor{}, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
}

// GetByCategory returns every descriptor in a category, sorted by name
func (m *Manager) GetByCategory(category string) []model.ServiceDescriptor {
	var out []model.ServiceDescriptor
	for _, d := range m.List() {
		if strings.EqualFold(d.Category, category) {
			out = append(out, d)
		}
	}
	return out
}

// List returns every usable descriptor sorted by name
func (m *Manager) List() []model.ServiceDescriptor {
	m.mu.RLock()
	out := make([]model.ServiceDescriptor, 0, len(m.services))
	for _, d := range m.services {
		out = append(out, clone(*d))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Rejected returns the descriptors excluded by the last discovery pass
func (m *Manager) Rejected() []model.ServiceDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ServiceDescriptor, len(m.rejected))
	for i, d := range m.rejected {
		out[i] = clone(d)
	}
	return out
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// Start schedules periodic health checks and re-scans, and watches the service
// directories when enabled.
func (m *Manager) Start(ctx context.Context) error {
	cl := &cronLogger{logger: m.logger.Named("cron")}
	m.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if _, err := m.cron.AddFunc(every(m.config.HealthInterval), func() {
		m.CheckAll(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule health checks: %w", err)
	}

	if _, err := m.cron.AddFunc(every(m.config.RescanInterval), func() {
		m.rescan(ctx, "schedule")
	}); err != nil {
		return fmt.Errorf("failed to schedule re-scan: %w", err)
	}

	if m.config.Watch && len(m.config.Directories) > 0 {
		if err := m.startWatcher(ctx); err != nil {
			return err
		}
	}

	m.cron.Start()
	m.logger.Info("Discovery scheduler started",
		zap.Duration("health_interval", m.config.HealthInterval),
		zap.Duration("rescan_interval", m.config.RescanInterval))
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

func (m *Manager) rescan(ctx context.Context, trigger string) {
	m.resolver.Invalidate()
	if _, err := m.Discover(ctx); err != nil {
		m.logger.Error("Re-scan failed",
			zap.String("trigger", trigger),
			zap.Error(err))
	}
}

func (m *Manager) startWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, dir := range m.config.Directories {
		err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if entry.IsDir() {
				return watcher.Add(path)
			}
			return nil
		})
		if err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer m.wg.Done()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = m.watcher.Add(event.Name)
				}
			}
			debounce = time.After(watchDebounce)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Watcher error", zap.Error(err))
		case <-debounce:
			debounce = nil
			m.rescan(ctx, "watch")
		}
	}
}

// Stop halts scheduled jobs and the directory watcher
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
		return
	default:
		close(m.stopCh)
	}

	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.wg.Wait()
	m.resolver.Close()
	m.logger.Info("Discovery stopped")
}
