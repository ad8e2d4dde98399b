package tenant

import (
	"context"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Watcher serves the schema loaded from a file and swaps it when the file
// changes. An invalid edit keeps the previous schema.
type Watcher struct {
	path    string
	log     logrus.FieldLogger
	current atomic.Pointer[Schema]
	reloads atomic.Int64
}

func NewWatcher(path string, log logrus.FieldLogger) (*Watcher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	schema, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: filepath.Clean(path), log: log}
	w.current.Store(schema)
	return w, nil
}

func (w *Watcher) Current() *Schema {
	return w.current.Load()
}

// Reloads counts successful swaps after the initial load.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

// Run watches the file's directory until ctx is done. Editors often replace
// files by rename, so the directory is watched rather than the file.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create tenant file watcher")
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return errors.Wrapf(err, "watch %s", filepath.Dir(w.path))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("tenant file watcher error")
		}
	}
}

func (w *Watcher) reload() {
	schema, err := Load(w.path)
	if err != nil {
		w.log.WithError(err).WithField("path", w.path).Error("tenant file reload rejected, keeping previous schema")
		return
	}
	w.current.Store(schema)
	w.reloads.Add(1)
	w.log.WithField("path", w.path).Info("tenant schema reloaded")
}
