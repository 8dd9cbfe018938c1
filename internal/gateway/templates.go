package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/mesabot/internal/bus"
)

const templateDebounce = 200 * time.Millisecond

// Template is one reusable outbound body with {{placeholder}} slots.
type Template struct {
	Name        string `json:"name"`
	Body        string `json:"body"`
	Description string `json:"description,omitempty"`
}

var placeholderRe = regexp.MustCompile(`\{\{([a-zA-Z0-9_]+)\}\}`)

// TemplateStore loads templates/*.json and serves rendered bodies. With
// Watch running, edits to the directory reload the set without a restart.
type TemplateStore struct {
	dir string

	mu        sync.RWMutex
	templates map[string]Template
	reloads   int64
}

func NewTemplateStore(dir string) (*TemplateStore, error) {
	s := &TemplateStore{dir: dir, templates: map[string]Template{}}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Render substitutes vars into the named template. Placeholders without a
// binding stay literal, so a second pass over rendered output is a no-op.
func (s *TemplateStore) Render(name string, vars map[string]string) (string, error) {
	s.mu.RLock()
	tpl, ok := s.templates[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %q not found", name)
	}
	return substitute(tpl.Body, vars), nil
}

// Apply expands cmd's template reference in place. Safe to call on commands
// that re-enter the queue: the applied flag makes it idempotent.
func (s *TemplateStore) Apply(cmd *bus.OutboundCommand) error {
	if cmd.Template == "" || cmd.TemplateApplied {
		return nil
	}
	body, err := s.Render(cmd.Template, cmd.Variables)
	if err != nil {
		return err
	}
	cmd.Text = body
	cmd.TemplateApplied = true
	return nil
}

// Names lists loaded templates sorted for stable status output.
func (s *TemplateStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reloads reports how many times the set has been re-read from disk.
func (s *TemplateStore) Reloads() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reloads
}

// Watch re-reads the directory whenever a .json file changes, collapsing
// editor save bursts with a short debounce. Blocks until ctx is done.
func (s *TemplateStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("template watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if strings.ToLower(filepath.Ext(ev.Name)) != ".json" {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(templateDebounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			if err := s.reload(); err != nil {
				slog.Warn("template reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("template watcher error", "error", err)
		}
	}
}

// reload swaps in the full template set from disk. A directory that does not
// exist yet is an empty set, not an error.
func (s *TemplateStore) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return fmt.Errorf("read template dir: %w", err)
		}
	}

	loaded := map[string]Template{}
	for _, entry := range entries {
		if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("template unreadable", "path", path, "error", err)
			continue
		}
		var tpl Template
		if err := bus.Unmarshal(raw, &tpl); err != nil {
			slog.Warn("template malformed", "path", path, "error", err)
			continue
		}
		if tpl.Name == "" {
			tpl.Name = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		loaded[tpl.Name] = tpl
	}

	s.mu.Lock()
	s.templates = loaded
	s.reloads++
	s.mu.Unlock()
	slog.Debug("templates loaded", "count", len(loaded))
	return nil
}

func substitute(body string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(body, func(match string) string {
		key := match[2 : len(match)-2]
		if val, ok := vars[key]; ok {
			return val
		}
		return match
	})
}
