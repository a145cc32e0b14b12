// Package policy loads the standing-policy configuration layer from a YAML
// document and keeps it fresh while the daemon runs. The document is a flat
// map of parameter names to values; unknown keys are tolerated here and
// simply never win resolution.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/tripd/internal/svcfields"
)

// Store holds the current policy values. Values and reloads may race; readers
// always see a complete document, never a partial one.
type Store struct {
	mu     sync.RWMutex
	path   string
	values map[string]any
	logger pslog.Logger
}

// Empty returns a store with no policy layer.
func Empty() *Store {
	return &Store{logger: pslog.NoopLogger()}
}

// Load reads the policy document at path. The file must exist and parse; a
// daemon configured with a policy it cannot read should not start.
func Load(path string, logger pslog.Logger) (*Store, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	s := &Store{
		path:   path,
		logger: svcfields.WithSubsystem(logger, "policy"),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Values returns a copy of the current policy layer. Safe for the resolver to
// hold across a concurrent reload.
func (s *Store) Values() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Watch reloads the document whenever it changes on disk, until ctx is
// canceled. A reload that fails to parse keeps the previous values in place.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and config maps replace the
	// file on update, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("policy: watch %s: %w", s.path, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Warn("policy reload failed, keeping previous values",
					"path", s.path, "error", err)
				continue
			}
			s.logger.Info("policy reloaded", "path", s.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("policy watcher", "error", err)
		}
	}
}

func (s *Store) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("policy: read %s: %w", s.path, err)
	}
	values := make(map[string]any)
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("policy: parse %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}
