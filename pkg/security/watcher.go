package security

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounceInterval is how long the watcher waits after the last change
// to the rules file before reloading it.
const DefaultDebounceInterval = 200 * time.Millisecond

// FileSource serves rules loaded from a YAML file and reloads them when the
// file changes. A file that fails to parse leaves the last good rules in place.
type FileSource struct {
	*Static

	path     string
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewFileSource loads path and returns a source serving its rules.
func NewFileSource(path string) (*FileSource, error) {
	rules, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{
		Static:   NewStatic(rules),
		path:     path,
		debounce: DefaultDebounceInterval,
	}, nil
}

// Path returns the watched file.
func (s *FileSource) Path() string {
	return s.path
}

// Reload re-reads the rules file and publishes its contents.
func (s *FileSource) Reload() error {
	rules, err := Load(s.path)
	if err != nil {
		return err
	}
	s.Update(rules)
	log.Info().
		Str("path", s.path).
		Bool("enabled", rules.Enabled).
		Int("allow_list", len(rules.AllowList)).
		Bool("pass_token_enabled", rules.PassTokenEnabled).
		Int("pass_tokens", len(rules.PassTokens)).
		Msg("Reloaded access rules")
	return nil
}

// Watch reloads the rules whenever the file changes until ctx is done. The
// parent directory is watched so that editors replacing the file are seen.
func (s *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(s.path), err)
	}

	defer func() {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
	}()

	name := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Str("path", s.path).Msg("Rules file watcher error")
		}
	}
}

func (s *FileSource) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Reload(); err != nil {
			log.Warn().Err(err).Str("path", s.path).Msg("Keeping previous access rules")
		}
	})
}

var (
	_ Source = (*Static)(nil)
	_ Source = (*FileSource)(nil)
)
