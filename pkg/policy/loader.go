package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego and .json files and watches them.
type Loader struct {
	logger zerolog.Logger

	// ReloadDelay is the quiet period before a watched change is applied.
	ReloadDelay time.Duration

	mu      sync.Mutex
	cache   map[string]*Policy
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		ReloadDelay: DefaultReloadDelay,
		cache:       make(map[string]*Policy),
	}
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy

	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Info().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if !info.IsDir() {
		policy, err := l.loadFromFile(ctx, path)
		if err != nil {
			return nil, err
		}
		return []Policy{*policy}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(p) {
			return nil
		}

		policy, err := l.loadFromFile(ctx, p)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Failed to load policy file")
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

// loadFromFile loads a policy from a single file, using the cache.
func (l *Loader) loadFromFile(ctx context.Context, path string) (*Policy, error) {
	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch {
	case strings.HasSuffix(path, ".rego"):
		policy = parseRegoFile(path, data)
	case strings.HasSuffix(path, ".json"):
		if policy, err = parseJSONFile(data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	policy.Source = path

	l.mu.Lock()
	l.cache[path] = policy
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", policy.Name).
		Msg("Policy loaded from file")

	return policy, nil
}

// parseRegoFile names the policy after the file. Rego files default to
// warning severity; deny elements may raise it.
func parseRegoFile(path string, data []byte) *Policy {
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
	}
}

// parseJSONFile parses a JSON policy definition. Enabled defaults to true.
func parseJSONFile(data []byte) (*Policy, error) {
	var raw struct {
		Policy
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}

	policy := raw.Policy
	if policy.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	policy.Enabled = raw.Enabled == nil || *raw.Enabled
	return &policy, nil
}

// Watch reloads paths whenever a policy file under them changes and hands
// the new set to reloadFn. It returns once the watcher is running; events
// are processed until ctx is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}

		if info.IsDir() {
			err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return watcher.Add(p)
				}
				return nil
			})
		} else {
			// Editors replace files on save, so watch the parent.
			err = watcher.Add(filepath.Dir(path))
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch path")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, done, paths, reloadFn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}, paths []string, reloadFn func([]Policy) error) {
	defer close(done)

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(l.ReloadDelay, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded successfully")
	return nil
}

// StopWatching stops the watcher and waits for its goroutine to exit.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	watcher, done := l.watcher, l.done
	l.watcher, l.done = nil, nil
	l.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}

// ClearCache drops every cached policy.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string]*Policy)
	l.logger.Debug().Msg("Policy cache cleared")
}
