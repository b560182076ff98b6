package discovery

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/t77yq/agentpool/internal/model"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Strategy produces descriptors from one source
type Strategy interface {
	Name() string
	Discover(ctx context.Context) ([]model.ServiceDescriptor, error)
}

type catalogFile struct {
	Services []model.ServiceDescriptor `yaml:"services"`
}

func parseDescriptors(data []byte, source model.ServiceSource) ([]model.ServiceDescriptor, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse descriptors: %w", err)
	}
	for i := range file.Services {
		file.Services[i].Source = source
	}
	return file.Services, nil
}

// CatalogStrategy returns the built-in catalog
type CatalogStrategy struct {
	data []byte
}

// NewCatalogStrategy creates a catalog strategy; nil data uses the embedded catalog
func NewCatalogStrategy(data []byte) *CatalogStrategy {
	if data == nil {
		data = catalogYAML
	}
	return &CatalogStrategy{data: data}
}

func (s *CatalogStrategy) Name() string { return "catalog" }

func (s *CatalogStrategy) Discover(context.Context) ([]model.ServiceDescriptor, error) {
	return parseDescriptors(s.data, model.SourceCatalog)
}

// CustomStrategy returns descriptors configured by the operator
type CustomStrategy struct {
	services []model.ServiceDescriptor
}

// NewCustomStrategy creates a strategy over configured descriptors
func NewCustomStrategy(services []model.ServiceDescriptor) *CustomStrategy {
	return &CustomStrategy{services: services}
}

func (s *CustomStrategy) Name() string { return "custom" }

func (s *CustomStrategy) Discover(context.Context) ([]model.ServiceDescriptor, error) {
	out := make([]model.ServiceDescriptor, 0, len(s.services))
	for _, d := range s.services {
		d = clone(d)
		d.Source = model.SourceCustom
		out = append(out, d)
	}
	return out, nil
}

// DirectoryStrategy scans local directories for service manifests
type DirectoryStrategy struct {
	logger  *zap.Logger
	dirs    []string
	pattern string
}

// NewDirectoryStrategy creates a directory strategy matching pattern under each dir
func NewDirectoryStrategy(dirs []string, pattern string, logger *zap.Logger) *DirectoryStrategy {
	if pattern == "" {
		pattern = "**/service.yaml"
	}
	return &DirectoryStrategy{
		logger:  logger,
		dirs:    dirs,
		pattern: pattern,
	}
}

func (s *DirectoryStrategy) Name() string { return "directory" }

func (s *DirectoryStrategy) Discover(ctx context.Context) ([]model.ServiceDescriptor, error) {
	var out []model.ServiceDescriptor
	for _, dir := range s.dirs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(dir), s.pattern)
		if err != nil {
			return out, fmt.Errorf("failed to scan %s: %w", dir, err)
		}

		for _, match := range matches {
			path := filepath.Join(dir, filepath.FromSlash(match))
			descs, err := s.load(path)
			if err != nil {
				s.logger.Warn("Skipping unreadable manifest",
					zap.String("path", path),
					zap.Error(err))
				continue
			}
			out = append(out, descs...)
		}
	}
	return out, nil
}

// load reads a manifest holding either one descriptor or a services list
func (s *DirectoryStrategy) load(path string) ([]model.ServiceDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	descs, err := parseDescriptors(data, model.SourceDirectory)
	if err != nil || len(descs) == 0 {
		var single model.ServiceDescriptor
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
		single.Source = model.SourceDirectory
		descs = []model.ServiceDescriptor{single}
	}

	base := filepath.Dir(path)
	for i := range descs {
		if descs[i].Name == "" {
			descs[i].Name = filepath.Base(base)
		}
		cmd := descs[i].Command
		if strings.HasPrefix(cmd, "./") || strings.HasPrefix(cmd, "../") {
			descs[i].Command = filepath.Join(base, cmd)
		}
	}
	return descs, nil
}

// PackageStrategy enumerates installed packages whose names carry a known prefix
type PackageStrategy struct {
	logger   *zap.Logger
	managers []PackageManager
	prefixes map[string][]string
}

// NewPackageStrategy creates a package strategy; prefixes are keyed by manager name
func NewPackageStrategy(managers []PackageManager, prefixes map[string][]string, logger *zap.Logger) *PackageStrategy {
	return &PackageStrategy{
		logger:   logger,
		managers: managers,
		prefixes: prefixes,
	}
}

func (s *PackageStrategy) Name() string { return "package" }

func (s *PackageStrategy) Discover(ctx context.Context) ([]model.ServiceDescriptor, error) {
	var out []model.ServiceDescriptor
	for _, pm := range s.managers {
		installed, err := pm.List(ctx)
		if err != nil {
			s.logger.Warn("Failed to list packages",
				zap.String("manager", pm.Name()),
				zap.Error(err))
			continue
		}

		for _, pkg := range installed {
			name, ok := trimPrefix(pkg, s.prefixes[pm.Name()])
			if !ok {
				continue
			}
			command, args := pm.Invocation(pkg)
			out = append(out, model.ServiceDescriptor{
				Name:    name,
				Command: command,
				Args:    args,
				Package: &model.PackageRef{Manager: pm.Name(), Name: pkg},
				Source:  model.SourcePackage,
			})
		}
	}
	return out, nil
}

func trimPrefix(pkg string, prefixes []string) (string, bool) {
	for _, prefix := range prefixes {
		if strings.HasPrefix(pkg, prefix) && len(pkg) > len(prefix) {
			return strings.TrimPrefix(pkg, prefix), true
		}
	}
	return "", false
}
