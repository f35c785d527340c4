package vfs

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"dumbvm161/kerr"
	"dumbvm161/kconsole"
)

// FileOpener opens real files off the host filesystem and watches each
// one for concurrent modification while it is in use as a running
// process's executable image. A write or removal of an in-use binary is
// logged as a diagnostic; execv has no re-validation step, so the watch
// doesn't invalidate an in-flight load -- it only surfaces the condition.
type FileOpener struct {
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	watched map[string]int
}

// NewFileOpener starts the background fsnotify watch loop.
func NewFileOpener() (*FileOpener, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fo := &FileOpener{watcher: w, watched: make(map[string]int)}
	go fo.loop()
	return fo, nil
}

// Open opens path and begins watching it for the lifetime of the
// returned File.
func (fo *FileOpener) Open(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kerr.EFAULT
	}
	fo.mu.Lock()
	if fo.watched[path] == 0 {
		_ = fo.watcher.Add(path)
	}
	fo.watched[path]++
	fo.mu.Unlock()
	return &osFile{File: f, opener: fo, path: path}, nil
}

func (fo *FileOpener) release(path string) {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	fo.watched[path]--
	if fo.watched[path] <= 0 {
		delete(fo.watched, path)
		_ = fo.watcher.Remove(path)
	}
}

func (fo *FileOpener) loop() {
	for {
		select {
		case ev, ok := <-fo.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				kconsole.Printf("vfs: executable %s changed on disk while in use (%s)\n", ev.Name, ev.Op)
			}
		case err, ok := <-fo.watcher.Errors:
			if !ok {
				return
			}
			kconsole.Printf("vfs: watch error: %v\n", err)
		}
	}
}

// Close stops the watch loop.
func (fo *FileOpener) Close() error {
	return fo.watcher.Close()
}

type osFile struct {
	*os.File
	opener *FileOpener
	path   string
}

func (f *osFile) Name() string { return f.path }

func (f *osFile) Close() error {
	f.opener.release(f.path)
	return f.File.Close()
}
