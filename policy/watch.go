// ABOUTME: Hot reload of the default policy record from a YAML file via fsnotify.
// ABOUTME: A malformed file keeps the previous record and logs; valid writes swap the default atomically.

package policy

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadRecord reads a Record from a YAML file.
func LoadRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read policy file: %w", err)
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if rec.Mode == "" {
		rec.Mode = ModeChat
	}
	if !rec.Mode.Valid() {
		return Record{}, fmt.Errorf("policy file %s: invalid mode %q", path, rec.Mode)
	}
	return rec, nil
}

// Watch reloads the engine's default record whenever the file changes. It
// returns a stop function. Editors that replace the file (rename-over) are
// handled by watching the parent directory.
func Watch(e *Engine, path string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != target {
					continue
				}
				if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
					continue
				}
				rec, err := LoadRecord(target)
				if err != nil {
					log.Printf("policy reload skipped: %v", err)
					continue
				}
				if err := e.SetDefault(rec); err != nil {
					log.Printf("policy reload rejected: %v", err)
					continue
				}
				log.Printf("policy reloaded from %s (mode=%s)", target, rec.Mode)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("policy watcher error: %v", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
