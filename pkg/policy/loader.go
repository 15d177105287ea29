package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	policyExt = ".rego"

	// DefaultReloadDelay is how long Watch waits for writes to settle before reloading.
	DefaultReloadDelay = 500 * time.Millisecond
)

// Loader reads Rego policies from files and directories and can watch them for changes.
type Loader struct {
	logger      zerolog.Logger
	ReloadDelay time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		ReloadDelay: DefaultReloadDelay,
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
// Directories are walked recursively and only .rego files are read.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if !info.IsDir() {
		p, err := loadFromFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(file) != policyExt {
			return nil
		}
		p, err := loadFromFile(file)
		if err != nil {
			return err
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

// loadFromFile reads one .rego file. The policy is named after the file.
func loadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), policyExt),
		Description: leadingComment(string(data)),
		Rego:        string(data),
		Source:      path,
		Enabled:     true,
		LoadedAt:    time.Now(),
	}, nil
}

// leadingComment joins the comment lines at the top of a Rego file.
func leadingComment(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed == "" && len(parts) == 0 {
				continue
			}
			break
		}
		if comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#")); comment != "" {
			parts = append(parts, comment)
		}
	}
	return strings.Join(parts, " ")
}

// Watch reloads the policies under paths whenever a .rego file is written or created,
// and passes them to reloadFn. It returns once the watcher is running; watching stops
// when ctx is cancelled or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		dir := path
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			// Editors replace files, so watch the directory holding them.
			dir = filepath.Dir(path)
		}
		if err := addRecursive(watcher, dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Started watching policy paths")
	return nil
}

func addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != policyExt {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

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

	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
