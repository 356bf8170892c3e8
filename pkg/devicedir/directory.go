// Package devicedir answers one question for the relay: is a device id
// currently allowed to identify? The directory itself is external to the
// relay; this package only queries membership.
package devicedir

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Directory exposes the set of device ids allowed to identify. Called once
// per identification attempt, so implementations should be cheap.
type Directory interface {
	AllowedDeviceIDs(ctx context.Context) (map[string]struct{}, error)
}

// Static is a fixed allowlist, typically loaded from configuration.
type Static struct {
	ids map[string]struct{}
}

func NewStatic(ids []string) *Static {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return &Static{ids: set}
}

func (s *Static) AllowedDeviceIDs(ctx context.Context) (map[string]struct{}, error) {
	return s.ids, nil
}

// File reads the allowlist from a newline-separated file and caches it for
// a short TTL so identification stays cheap while edits still take effect
// without a restart.
type File struct {
	path string
	ttl  time.Duration

	mu      sync.Mutex
	cached  map[string]struct{}
	fetched time.Time
}

func NewFile(path string, ttl time.Duration) *File {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &File{path: path, ttl: ttl}
}

func (f *File) AllowedDeviceIDs(ctx context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cached != nil && time.Since(f.fetched) < f.ttl {
		return f.cached, nil
	}

	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open allowlist: %w", err)
	}
	defer file.Close()

	set := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}

	f.cached = set
	f.fetched = time.Now()
	return set, nil
}
