package policy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultSettleDelay is how long the watcher waits after the last file event
// before reloading.
const DefaultSettleDelay = 500 * time.Millisecond

// Loader reads user policies from .rego files and watches them for edits.
type Loader struct {
	logger zerolog.Logger
	settle time.Duration

	mu       sync.Mutex
	watchers []*fsnotify.Watcher
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		settle: DefaultSettleDelay,
	}
}

// Load reads the .rego files at paths. Directories are walked recursively
// and only their .rego files are read. A policy is named after its file, so
// two files with the same base name are rejected.
func (l *Loader) Load(paths []string) ([]Policy, error) {
	var files []string
	for _, root := range paths {
		found, err := regoFiles(root)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}

	policies := make([]Policy, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, path := range files {
		p, err := readPolicy(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("policy %s is defined by both %s and %s", p.Name, prev, path)
		}
		seen[p.Name] = path
		policies = append(policies, p)
	}

	l.logger.Debug().Int("policies", len(policies)).Strs("paths", paths).Msg("Policy files read")
	return policies, nil
}

func regoFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy path: %w", err)
	}
	if !info.IsDir() {
		if filepath.Ext(root) != ".rego" {
			return nil, fmt.Errorf("policy file %s is not a .rego module", root)
		}
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".rego" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// readPolicy loads one module. Its leading comment block becomes the
// description, except a "severity: <level>" line which sets the severity.
func readPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy %s: %w", path, err)
	}

	p := Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     string(data),
		Severity: SeverityWarning,
		Enabled:  true,
		Source:   path,
	}
	var desc []string
	for _, line := range strings.Split(p.Rego, "\n") {
		line = strings.TrimSpace(line)
		text, ok := strings.CutPrefix(line, "#")
		if !ok {
			if line == "" && len(desc) == 0 {
				continue
			}
			break
		}
		text = strings.TrimSpace(text)
		if level, ok := strings.CutPrefix(text, "severity:"); ok {
			sev := Severity(strings.TrimSpace(level))
			if !sev.valid() {
				return Policy{}, fmt.Errorf("policy %s: unknown severity %q", path, sev)
			}
			p.Severity = sev
			continue
		}
		if text != "" {
			desc = append(desc, text)
		}
	}
	p.Description = strings.Join(desc, " ")
	return p, nil
}

// Watch reloads paths once file events settle and passes the policies to
// apply. A reload that cannot read the files leaves the applied set alone.
// Watching stops when ctx is done or the loader is closed.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	for _, root := range paths {
		if err := watchTree(w, root); err != nil {
			_ = w.Close()
			return err
		}
	}

	l.mu.Lock()
	l.watchers = append(l.watchers, w)
	l.mu.Unlock()

	go l.watch(ctx, w, paths, apply)
	l.logger.Info().Strs("paths", paths).Msg("Watching policy files")
	return nil
}

// watchTree watches every directory under root. A file is watched through
// its directory so editors that replace the file on save are still seen.
func watchTree(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("failed to watch policy path: %w", err)
	}
	if !info.IsDir() {
		return w.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (l *Loader) watch(ctx context.Context, w *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer w.Close()

	timer := time.NewTimer(l.settle)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := watchTree(w, ev.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", ev.Name).Msg("Failed to watch new policy directory")
					}
				}
			}
			if filepath.Ext(ev.Name) != ".rego" || ev.Op == fsnotify.Chmod {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")
			timer.Reset(l.settle)

		case <-timer.C:
			policies, err := l.Load(paths)
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies, keeping the current set")
				continue
			}
			if err := apply(policies); err != nil {
				l.logger.Error().Err(err).Msg("Failed to apply reloaded policies")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// Close stops every watcher started by Watch.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, w := range l.watchers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.watchers = nil
	return errors.Join(errs...)
}
