// Package prompts serves the system/user prompt texts. Embedded defaults can be overridden by
// <PROMPT_DIR>/<name>.<kind>.txt files, which are re-read on Reload or while Watch runs.
package prompts

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
)

//go:embed defaults/*.txt
var defaults embed.FS

const (
	System = "system"
	User   = "user"
)

// Prompt names used by the pipeline.
const (
	Grading         = "grading"
	Verify          = "verify"
	VerifyGeneral   = "verify_general"
	VerifyWord      = "verify_word"
	VerifyAlgebraic = "verify_algebraic"
)

var validName = regexp.MustCompile(`^[a-z0-9_]+$`)

type Store struct {
	dir string

	mu    sync.RWMutex
	texts map[string]string
	tmpls map[string]*template.Template
}

// New loads defaults and then any overrides found in dir (dir may be empty).
func New(dir string) (*Store, error) {
	s := &Store{dir: dir}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

var (
	defaultOnce  sync.Once
	defaultStore *Store
)

// Default is the embedded prompt set without overrides.
func Default() *Store {
	defaultOnce.Do(func() {
		s, err := New("")
		if err != nil {
			panic(err)
		}
		defaultStore = s
	})
	return defaultStore
}

func key(name, kind string) string { return name + "." + kind }

func (s *Store) Dir() string { return s.dir }

// Reload rebuilds the prompt set. A broken override keeps the previous set in place.
func (s *Store) Reload() error {
	texts := map[string]string{}
	err := fs.WalkDir(defaults, "defaults", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := defaults.ReadFile(p)
		if err != nil {
			return err
		}
		texts[strings.TrimSuffix(filepath.Base(p), ".txt")] = strings.TrimSpace(string(b))
		return nil
	})
	if err != nil {
		return fmt.Errorf("load embedded prompts: %w", err)
	}

	if s.dir != "" {
		matches, _ := filepath.Glob(filepath.Join(s.dir, "*.txt"))
		for _, p := range matches {
			b, err := os.ReadFile(p)
			if err != nil || len(bytes.TrimSpace(b)) == 0 {
				continue
			}
			texts[strings.TrimSuffix(filepath.Base(p), ".txt")] = strings.TrimSpace(string(b))
		}
	}

	tmpls := make(map[string]*template.Template, len(texts))
	for k, v := range texts {
		t, err := template.New(k).Option("missingkey=zero").Parse(v)
		if err != nil {
			return fmt.Errorf("prompt %s: %w", k, err)
		}
		tmpls[k] = t
	}

	s.mu.Lock()
	s.texts, s.tmpls = texts, tmpls
	s.mu.Unlock()
	return nil
}

// Text returns the raw prompt, or "" when unknown.
func (s *Store) Text(name, kind string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.texts[key(name, kind)]
}

// Render executes the prompt as a text/template with data.
func (s *Store) Render(name, kind string, data any) (string, error) {
	s.mu.RLock()
	t, ok := s.tmpls[key(name, kind)]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("prompt %q not found", key(name, kind))
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s: %w", key(name, kind), err)
	}
	return strings.TrimSpace(b.String()), nil
}

// Save writes an override atomically (temp file + rename) and reloads.
func (s *Store) Save(name, kind, text string) (string, error) {
	if s.dir == "" {
		return "", fmt.Errorf("PROMPT_DIR is not set")
	}
	if !validName.MatchString(name) || (kind != System && kind != User) {
		return "", fmt.Errorf("bad prompt name %q/%q", name, kind)
	}
	if _, err := template.New(name).Parse(text); err != nil {
		return "", fmt.Errorf("bad template: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("make dir: %w", err)
	}

	dst := filepath.Join(s.dir, key(name, kind)+".txt")
	tmp, err := os.CreateTemp(s.dir, key(name, kind)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(text); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write temp: %w", err)
	}
	_ = tmp.Chmod(0o644)
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename: %w", err)
	}
	return dst, s.Reload()
}

// Watch reloads on every write/create/remove in the override directory until ctx ends.
func (s *Store) Watch(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".txt") {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					if err := s.Reload(); err != nil {
						log.Printf("[prompts] reload after %s %s: %v", event.Op, event.Name, err)
						continue
					}
					log.Printf("[prompts] reloaded (%s %s)", event.Op, filepath.Base(event.Name))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[prompts] fsnotify error=%v", err)
			}
		}
	}()
	return nil
}
