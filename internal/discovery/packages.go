package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// PackageManager enumerates and resolves packages backing services
type PackageManager interface {
	Name() string
	List(ctx context.Context) ([]string, error)
	Has(ctx context.Context, pkg string) (bool, error)
	// Invocation returns the command line that runs pkg
	Invocation(pkg string) (string, []string)
}

// NPMManager reads globally installed npm packages
type NPMManager struct {
	runner CommandRunner
}

// NewNPMManager creates an npm package manager
func NewNPMManager(runner CommandRunner) *NPMManager {
	return &NPMManager{runner: runner}
}

func (m *NPMManager) Name() string { return "npm" }

func (m *NPMManager) List(ctx context.Context) ([]string, error) {
	out, runErr := m.runner.Run(ctx, "npm", "ls", "-g", "--depth=0", "--json")

	// npm ls exits non-zero on peer warnings but still prints the tree.
	var tree struct {
		Dependencies map[string]json.RawMessage `json:"dependencies"`
	}
	if err := json.Unmarshal(out, &tree); err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("failed to list npm packages: %w", runErr)
		}
		return nil, fmt.Errorf("failed to parse npm output: %w", err)
	}

	names := make([]string, 0, len(tree.Dependencies))
	for name := range tree.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *NPMManager) Has(ctx context.Context, pkg string) (bool, error) {
	names, err := m.List(ctx)
	if err != nil {
		return false, err
	}
	i := sort.SearchStrings(names, pkg)
	return i < len(names) && names[i] == pkg, nil
}

func (m *NPMManager) Invocation(pkg string) (string, []string) {
	return "npx", []string{"-y", pkg}
}

// ImageLister is the subset of the docker client used for images
type ImageLister interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
}

// DockerManager reads locally available container images
type DockerManager struct {
	docker ImageLister
}

// NewDockerManager creates a docker package manager from the environment
func NewDockerManager() (*DockerManager, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerManager{docker: docker}, nil
}

// NewDockerManagerWithClient creates a docker package manager over an existing client
func NewDockerManagerWithClient(docker ImageLister) *DockerManager {
	return &DockerManager{docker: docker}
}

func (m *DockerManager) Name() string { return "docker" }

func (m *DockerManager) List(ctx context.Context) ([]string, error) {
	images, err := m.docker.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	seen := make(map[string]bool)
	var names []string
	for _, img := range images {
		for _, tag := range img.RepoTags {
			repo := stripTag(tag)
			if repo == "<none>" || seen[repo] {
				continue
			}
			seen[repo] = true
			names = append(names, repo)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *DockerManager) Has(ctx context.Context, pkg string) (bool, error) {
	images, err := m.docker.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", pkg)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to inspect image %s: %w", pkg, err)
	}
	return len(images) > 0, nil
}

func (m *DockerManager) Invocation(pkg string) (string, []string) {
	return "docker", []string{"run", "-i", "--rm", pkg}
}

// stripTag removes the tag from an image reference, keeping registry ports
func stripTag(ref string) string {
	slash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref, ":"); colon > slash {
		return ref[:colon]
	}
	return ref
}

var _ PackageManager = (*NPMManager)(nil)
var _ PackageManager = (*DockerManager)(nil)
