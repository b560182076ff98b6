package discovery

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agentpool/internal/model"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	values   []interface{}
}

func (p *recordingPublisher) Publish(subject string, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.values = append(p.values, v)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subjects)
}

type staticStrategy struct {
	name  string
	descs []model.ServiceDescriptor
	err   error
}

func (s *staticStrategy) Name() string { return s.name }

func (s *staticStrategy) Discover(context.Context) ([]model.ServiceDescriptor, error) {
	out := make([]model.ServiceDescriptor, len(s.descs))
	for i, d := range s.descs {
		out[i] = clone(d)
	}
	return out, s.err
}

// fakePath resolves only the listed commands
func fakePath(known ...string) func(string) (string, error) {
	return func(command string) (string, error) {
		for _, k := range known {
			if k == command {
				return "/usr/bin/" + command, nil
			}
		}
		return "", exec.ErrNotFound
	}
}

func newTestManager(t *testing.T, strategies []Strategy, deps Deps, mutate func(*Config)) *Manager {
	t.Helper()
	config := DefaultConfig()
	if mutate != nil {
		mutate(&config)
	}
	m, err := NewWithStrategies(config, strategies, deps, zaptest.NewLogger(t))
	require.NoError(t, err)
	m.resolver.lookPath = fakePath("npx", "uvx", "probe-ok")
	t.Cleanup(m.Stop)
	return m
}

func testStrategies() []Strategy {
	return []Strategy{
		&staticStrategy{name: "catalog", descs: []model.ServiceDescriptor{
			{Name: "filesystem", Category: "filesystem", Command: "npx", Aliases: []string{"fs"}, Source: model.SourceCatalog},
			{Name: "ghost", Category: "misc", Command: "not-installed", Source: model.SourceCatalog},
			{Name: "docker", Category: "container", Command: "not-installed",
				Package: &model.PackageRef{Manager: "docker", Name: "mcp/docker"}, Source: model.SourceCatalog},
			{Name: "empty", Category: "misc", Source: model.SourceCatalog},
		}},
		&staticStrategy{name: "broken", err: errors.New("boom")},
		&staticStrategy{name: "custom", descs: []model.ServiceDescriptor{
			{Name: "git", Category: "vcs", Command: "uvx", ProbeArgs: []string{"--help"}, Source: model.SourceCustom},
		}},
	}
}

func TestManager_Discover(t *testing.T) {
	docker := &fakePackages{name: "docker", installed: []string{"mcp/docker"}}
	m := newTestManager(t, testStrategies(), Deps{Packages: []PackageManager{docker}}, nil)

	services, err := m.Discover(context.Background())
	require.NoError(t, err)

	var names []string
	for _, d := range services {
		names = append(names, d.Name)
		assert.Equal(t, model.ServiceHealthUnknown, d.Health)
		assert.True(t, d.Validation.Valid())
	}
	assert.Equal(t, []string{"docker", "filesystem", "git"}, names)

	dockerDesc, err := m.GetByName("docker", false)
	require.NoError(t, err)
	assert.False(t, dockerDesc.Validation.CommandFound)
	assert.True(t, dockerDesc.Validation.PackageFound)

	fs, err := m.GetByName("filesystem", false)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/npx", fs.Validation.CommandPath)

	rejected := m.Rejected()
	require.Len(t, rejected, 2)
	assert.Equal(t, "empty", rejected[0].Name)
	assert.Equal(t, "ghost", rejected[1].Name)
}

func TestManager_Lookups(t *testing.T) {
	m := newTestManager(t, testStrategies(), Deps{}, nil)
	_, err := m.Discover(context.Background())
	require.NoError(t, err)

	d, err := m.GetByName("FileSystem", false)
	require.NoError(t, err)
	assert.Equal(t, "filesystem", d.Name)

	_, err = m.GetByName("fs", false)
	assert.ErrorIs(t, err, ErrServiceNotFound)

	d, err = m.GetByName("FS", true)
	require.NoError(t, err)
	assert.Equal(t, "filesystem", d.Name)

	vcs := m.GetByCategory("VCS")
	require.Len(t, vcs, 1)
	assert.Equal(t, "git", vcs[0].Name)
	assert.Empty(t, m.GetByCategory("nothing"))

	d.Aliases = append(d.Aliases, "mutated")
	again, err := m.GetByName("filesystem", false)
	require.NoError(t, err)
	assert.NotContains(t, again.Aliases, "mutated")
}

func TestManager_TestConnection(t *testing.T) {
	var mu sync.Mutex
	var calls [][]string
	runner := runnerFunc(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		mu.Lock()
		calls = append(calls, append([]string{name}, args...))
		mu.Unlock()
		switch name {
		case "uvx":
			return nil, errors.New("exit status 2")
		case "npx":
			return []byte("10.2.0"), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	strategies := []Strategy{&staticStrategy{name: "custom", descs: []model.ServiceDescriptor{
		{Name: "filesystem", Command: "npx", Source: model.SourceCustom},
		{Name: "git", Command: "uvx", ProbeArgs: []string{"--help"}, Source: model.SourceCustom},
		{Name: "slow", Command: "probe-ok", Source: model.SourceCustom},
	}}}
	publisher := &recordingPublisher{}
	m := newTestManager(t, strategies, Deps{Runner: runner, Publisher: publisher}, func(c *Config) {
		c.ProbeTimeout = 100 * time.Millisecond
	})
	_, err := m.Discover(context.Background())
	require.NoError(t, err)

	t.Run("Healthy", func(t *testing.T) {
		res, err := m.TestConnection(context.Background(), "filesystem")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Empty(t, res.Error)

		d, err := m.GetByName("filesystem", false)
		require.NoError(t, err)
		assert.Equal(t, model.ServiceHealthHealthy, d.Health)
		assert.False(t, d.LastCheck.IsZero())
	})

	t.Run("Unhealthy", func(t *testing.T) {
		res, err := m.TestConnection(context.Background(), "git")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "exit status 2")

		d, err := m.GetByName("git", false)
		require.NoError(t, err)
		assert.Equal(t, model.ServiceHealthUnhealthy, d.Health)
	})

	t.Run("Timeout", func(t *testing.T) {
		res, err := m.TestConnection(context.Background(), "slow")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "timed out")

		d, err := m.GetByName("slow", false)
		require.NoError(t, err)
		assert.Equal(t, model.ServiceHealthError, d.Health)
	})

	t.Run("Unknown service", func(t *testing.T) {
		_, err := m.TestConnection(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrServiceNotFound)
	})

	mu.Lock()
	assert.Contains(t, calls, []string{"npx", "--version"})
	assert.Contains(t, calls, []string{"uvx", "--help"})
	mu.Unlock()
	assert.Equal(t, 3, publisher.count())

	t.Run("Health survives re-discovery", func(t *testing.T) {
		_, err := m.Discover(context.Background())
		require.NoError(t, err)
		d, err := m.GetByName("filesystem", false)
		require.NoError(t, err)
		assert.Equal(t, model.ServiceHealthHealthy, d.Health)
	})
}

func TestManager_Start(t *testing.T) {
	runner := runnerFunc(func(context.Context, string, ...string) ([]byte, error) {
		return nil, nil
	})
	strategies := []Strategy{&staticStrategy{name: "custom", descs: []model.ServiceDescriptor{
		{Name: "filesystem", Command: "npx", Source: model.SourceCustom},
	}}}
	m := newTestManager(t, strategies, Deps{Runner: runner}, func(c *Config) {
		c.HealthInterval = time.Second
		c.RescanInterval = time.Hour
	})
	_, err := m.Discover(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		d, err := m.GetByName("filesystem", false)
		return err == nil && d.Health == model.ServiceHealthHealthy
	}, 5*time.Second, 50*time.Millisecond)

	m.Stop()
	m.Stop()
}

func TestManager_Watch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root+"/one/service.yaml", "category: misc\ncommand: npx\n")

	config := DefaultConfig()
	config.Directories = []string{root}
	config.Watch = true
	config.RescanInterval = time.Hour
	config.HealthInterval = time.Hour

	m, err := New(config, Deps{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	m.resolver.lookPath = fakePath("npx")
	t.Cleanup(m.Stop)

	_, err = m.Discover(context.Background())
	require.NoError(t, err)
	_, err = m.GetByName("one", false)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	writeFile(t, root+"/two/service.yaml", "category: misc\ncommand: npx\n")

	require.Eventually(t, func() bool {
		_, err := m.GetByName("two", false)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}
