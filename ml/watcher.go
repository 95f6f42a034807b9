package ml

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the model into a Holder whenever its file changes on disk.
// A file that fails to load leaves the previous model in service.
type Watcher struct {
	holder    *Holder
	modelType string
	path      string
	logger    *zap.Logger
	fsw       *fsnotify.Watcher
	started   bool
	done      chan struct{}
}

func NewWatcher(holder *Holder, modelType, path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create model watcher: %w", err)
	}
	// Watch the directory: editors and deploy tools replace files by rename.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		holder:    holder,
		modelType: modelType,
		path:      abs,
		logger:    logger,
		fsw:       fsw,
		done:      make(chan struct{}),
	}, nil
}

func (w *Watcher) Start() {
	w.started = true
	go w.loop()
}

func (w *Watcher) Close() error {
	err := w.fsw.Close()
	if w.started {
		<-w.done
	}
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("model watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	model, err := LoadModel(w.modelType, w.path)
	if err != nil {
		w.logger.Warn("model reload failed, keeping current model", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.holder.Swap(model)
	w.logger.Info("model reloaded", zap.String("path", w.path), zap.String("type", model.Type()))
}
