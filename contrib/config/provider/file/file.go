// Package file implements a config.Source backed by a single file on
// disk. Its Watcher reports changes with fsnotify; contrib/config itself
// does not call Watch and reloads only on SIGHUP.
package file

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/omalloc/originfetch/contrib/config"
	"github.com/omalloc/originfetch/contrib/log"
)

var _ config.Source = (*file)(nil)

type file struct {
	path string
}

// NewSource returns a config.Source that loads path once and can watch
// it for subsequent writes.
func NewSource(path string) config.Source {
	return &file{path: path}
}

func (f *file) Load() ([]*config.KeyValue, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	return []*config.KeyValue{
		{
			Key:    filepath.Base(f.path),
			Value:  data,
			Format: formatOf(f.path),
		},
	}, nil
}

func (f *file) Watch() (config.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return &fileWatcher{file: f, watcher: watcher}, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

type fileWatcher struct {
	file    *file
	watcher *fsnotify.Watcher
}

func (w *fileWatcher) Next() ([]*config.KeyValue, error) {
	target := filepath.Clean(w.file.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil, nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			return w.file.Load()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil, nil
			}
			log.Warnf("config: file watch error: %v", err)
		}
	}
}

func (w *fileWatcher) Stop() error {
	return w.watcher.Close()
}
