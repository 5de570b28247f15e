// Package file provides a catalog source that loads the issue table from a
// JSON file and republishes it whenever the file changes.
package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/festivio/numeros/pkg/entitlement"
)

const sourceName = "file"

// Config holds file catalog source configuration
type Config struct {
	// Path is the catalog JSON file (default: "./data/numeros.json")
	Path string

	// Debounce delays a reload until writes settle (default: 100ms)
	Debounce time.Duration

	// PollInterval is used when the directory cannot be watched (default: 5s)
	PollInterval time.Duration

	Logger  entitlement.Logger
	Metrics entitlement.Metrics
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Path:         "./data/numeros.json",
		Debounce:     100 * time.Millisecond,
		PollInterval: 5 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("catalog file path is required")
	}
	if c.Debounce < 0 || c.PollInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// Source loads the catalog file into a holder and keeps it fresh
type Source struct {
	config  Config
	path    string
	holder  *entitlement.CatalogHolder
	logger  entitlement.Logger
	metrics entitlement.Metrics

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	timer       *time.Timer
	lastModTime time.Time
}

// New creates a file catalog source publishing into holder
func New(holder *entitlement.CatalogHolder, config Config) (*Source, error) {
	if holder == nil {
		return nil, fmt.Errorf("catalog holder is required")
	}
	defaults := DefaultConfig()
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if config.Debounce == 0 {
		config.Debounce = defaults.Debounce
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	path, err := filepath.Abs(config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve catalog path: %w", err)
	}

	s := &Source{
		config:   config,
		path:     path,
		holder:   holder,
		logger:   config.Logger,
		metrics:  config.Metrics,
		stopChan: make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = &entitlement.NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = &entitlement.NoopMetrics{}
	}
	return s, nil
}

// Load reads and publishes the file. A missing file publishes nothing and
// returns an error wrapping ErrCatalogUnavailable; a malformed file keeps
// the previous snapshot.
func (s *Source) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		err = fmt.Errorf("%w: %v", entitlement.ErrCatalogUnavailable, err)
		s.metrics.RecordCatalogReload(sourceName, err)
		return err
	}

	c, err := entitlement.ParseCatalog(data)
	if err != nil {
		s.metrics.RecordCatalogReload(sourceName, err)
		s.logger.Error("catalog file rejected, keeping previous snapshot",
			entitlement.Field{Key: "path", Value: s.path},
			entitlement.Field{Key: "error", Value: err},
		)
		return err
	}

	s.holder.Publish(c.WithSource(sourceName))
	s.metrics.RecordCatalogReload(sourceName, nil)
	s.logger.Info("catalog loaded",
		entitlement.Field{Key: "path", Value: s.path},
		entitlement.Field{Key: "entries", Value: c.Len()},
		entitlement.Field{Key: "issues", Value: c.Issues()},
	)
	return nil
}

// Start performs the initial load and begins watching the file. A missing
// file is logged and leaves the catalog empty until it appears.
func (s *Source) Start() error {
	if stat, err := os.Stat(s.path); err == nil {
		s.lastModTime = stat.ModTime()
	}
	if err := s.Load(); err != nil {
		if !errors.Is(err, entitlement.ErrCatalogUnavailable) {
			return err
		}
		s.logger.Warn("catalog file not found, starting with an empty catalog",
			entitlement.Field{Key: "path", Value: s.path},
		)
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(filepath.Dir(s.path))
		if err != nil {
			watcher.Close()
		}
	}
	if err != nil {
		s.logger.Warn("falling back to polling for catalog changes",
			entitlement.Field{Key: "path", Value: s.path},
			entitlement.Field{Key: "error", Value: err},
		)
		go s.pollForChanges()
		return nil
	}

	s.watcher = watcher
	go s.handleEvents(watcher.Events, watcher.Errors)
	s.logger.Info("watching catalog file", entitlement.Field{Key: "path", Value: s.path})
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.watcher != nil {
			s.watcher.Close()
		}
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
	})
}

func (s *Source) handleEvents(events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			// Editors replace files with rename+create; both count as a change.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				s.scheduleReload()
			}

		case err, ok := <-errs:
			if !ok {
				return
			}
			s.logger.Error("catalog watcher error", entitlement.Field{Key: "error", Value: err})

		case <-s.stopChan:
			return
		}
	}
}

// scheduleReload coalesces bursts of events into one reload
func (s *Source) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.config.Debounce, func() {
		select {
		case <-s.stopChan:
			return
		default:
		}
		if err := s.Load(); err != nil && errors.Is(err, entitlement.ErrCatalogUnavailable) {
			s.logger.Warn("catalog file disappeared, keeping previous snapshot",
				entitlement.Field{Key: "path", Value: s.path},
			)
		}
	})
}

func (s *Source) pollForChanges() {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(s.path)
			if err != nil || !stat.ModTime().After(s.lastModTime) {
				continue
			}
			s.lastModTime = stat.ModTime()
			s.logger.Info("detected catalog change via polling", entitlement.Field{Key: "path", Value: s.path})
			_ = s.Load()

		case <-s.stopChan:
			return
		}
	}
}
