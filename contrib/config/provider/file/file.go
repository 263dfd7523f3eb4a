package file

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/omalloc/scangate/contrib/config"
	"github.com/omalloc/scangate/contrib/log"
)

var _ config.Source = (*file)(nil)
var _ config.Watcher = (*file)(nil)

type file struct {
	path     string
	optional bool
	notify   chan struct{}
}

// NewSource new a file source. An optional source yields nothing when
// the file does not exist instead of failing the scan.
func NewSource(path string, optional bool) config.Source {
	f := &file{
		path:     path,
		optional: optional,
		notify:   make(chan struct{}, 1),
	}
	go f.watch()
	return f
}

// Load implements config.Source.
func (f *file) Load() ([]*config.KeyValue, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) && f.optional {
			return nil, nil
		}
		return nil, err
	}

	return []*config.KeyValue{{
		Key:    f.path,
		Value:  config.ExpandEnv(data),
		Format: format(f.path),
	}}, nil
}

// Notify implements config.Watcher.
func (f *file) Notify() <-chan struct{} {
	return f.notify
}

func (f *file) watch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("[config] fsnotify unavailable: %v", err)
		return
	}
	// watch the directory so editor rename-replace writes are seen
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		log.Warnf("[config] watch %s failed: %v", f.path, err)
		_ = watcher.Close()
		return
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(f.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				select {
				case f.notify <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("[config] watch error: %v", err)
		}
	}
}

func format(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "yaml"
	}
	return ext
}
