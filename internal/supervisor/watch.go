package supervisor

import (
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/environment"
)

// envWatcher reports the first on-disk change to the interpreter or entry
// script of a running environment.
type envWatcher struct {
	fsw     *fsnotify.Watcher
	targets map[string]bool
	logger  *log.Logger
	once    sync.Once
	done    chan struct{}
	wg      sync.WaitGroup
}

// watchEnvironment starts watching the files of desc. onChange runs at most
// once, on the watcher goroutine.
func watchEnvironment(desc environment.Descriptor, logger *log.Logger, onChange func(path string)) (*envWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &envWatcher{
		fsw:     fsw,
		targets: make(map[string]bool),
		logger:  logger,
		done:    make(chan struct{}),
	}

	dirs := make(map[string]bool)
	for _, path := range []string{desc.Interpreter, desc.EntryScript} {
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		w.targets[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	w.wg.Add(1)
	go w.loop(onChange)
	return w, nil
}

func (w *envWatcher) loop(onChange func(string)) {
	defer w.wg.Done()
	fired := false
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if fired || !w.targets[filepath.Clean(ev.Name)] {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				fired = true
				onChange(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("environment watch error", "error", err)
		}
	}
}

// Close stops the watcher. It is safe to call more than once.
func (w *envWatcher) Close() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		close(w.done)
		w.fsw.Close()
		w.wg.Wait()
	})
}
