package discovery

import (
	"os/exec"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// commandResolver resolves executables and caches the outcome
type commandResolver struct {
	cache    *ristretto.Cache[string, string]
	ttl      time.Duration
	lookPath func(string) (string, error)
}

// notFound marks a cached negative lookup
const notFound = "\x00"

func newCommandResolver(ttl time.Duration) (*commandResolver, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 10000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &commandResolver{
		cache:    cache,
		ttl:      ttl,
		lookPath: exec.LookPath,
	}, nil
}

// Resolve returns the absolute path of command, or false when it cannot be found
func (r *commandResolver) Resolve(command string) (string, bool) {
	if command == "" {
		return "", false
	}
	if path, ok := r.cache.Get(command); ok {
		return path, path != notFound
	}

	path, err := r.lookPath(command)
	if err != nil {
		path = notFound
	}
	r.cache.SetWithTTL(command, path, int64(len(path)+len(command)), r.ttl)
	return path, path != notFound
}

// Invalidate drops every cached resolution
func (r *commandResolver) Invalidate() {
	r.cache.Clear()
}

func (r *commandResolver) Close() {
	r.cache.Close()
}
