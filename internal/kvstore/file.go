package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"stafflow.org/internal/obs"
)

const fileDebounce = 50 * time.Millisecond

// File is a Store backed by a single JSON document on disk, shared between
// processes on one device. Cross-process change notification rides on
// fsnotify: every mutation is an atomic rename of the whole document, and
// watchers diff the reloaded document against their last-known snapshot.
//
// Concurrent writers from different processes can lose updates; there is no
// file locking. That window is an accepted property of the substrate.
type File struct {
	path    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	snapshot map[string]string
	watchers map[int]watcher
	wnext    int

	done chan struct{}
}

var _ Store = (*File)(nil)

// NewFile opens (creating if needed) the shared document at path and starts
// watching its directory for sibling-process mutations.
func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("kvstore: create store dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("kvstore: start watcher: %w", err)
	}
	// Watch the directory, not the file: atomic renames replace the inode.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("kvstore: watch store dir: %w", err)
	}

	f := &File{
		path:     path,
		watcher:  fw,
		snapshot: loadDocument(path),
		watchers: make(map[int]watcher),
		done:     make(chan struct{}),
	}
	go f.run()
	return f, nil
}

func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := loadDocument(f.path)
	v, ok := doc[key]
	return v, ok, nil
}

func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := loadDocument(f.path)
	doc[key] = value
	if err := f.writeDocument(doc); err != nil {
		return err
	}
	f.snapshot = doc
	return nil
}

func (f *File) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := loadDocument(f.path)
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)
	if err := f.writeDocument(doc); err != nil {
		return err
	}
	f.snapshot = doc
	return nil
}

func (f *File) Watch(prefix string, fn WatchFunc) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.wnext
	f.wnext++
	f.watchers[id] = watcher{prefix: prefix, fn: fn}
	return func() {
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
	}, nil
}

func (f *File) Close() error {
	select {
	case <-f.done:
		return nil
	default:
	}
	close(f.done)
	return f.watcher.Close()
}

// run coalesces bursts of filesystem events and re-diffs the document.
func (f *File) run() {
	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(f.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(fileDebounce)
			} else {
				timer.Reset(fileDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			f.reconcile()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			obs.LogEvent(map[string]any{
				"level": "warn",
				"msg":   "kvstore file watcher error",
				"error": err.Error(),
			})
		}
	}
}

// reconcile diffs the on-disk document against the snapshot and fans out
// events for every changed key. The snapshot already reflects this
// process's own writes, so self-mutations produce no notifications.
func (f *File) reconcile() {
	f.mu.Lock()
	doc := loadDocument(f.path)
	prev := f.snapshot
	f.snapshot = doc

	var events []Event
	for k, v := range doc {
		if old, ok := prev[k]; !ok || old != v {
			events = append(events, Event{Key: k, Value: v})
		}
	}
	for k := range prev {
		if _, ok := doc[k]; !ok {
			events = append(events, Event{Key: k, Removed: true})
		}
	}

	type target struct {
		fn WatchFunc
		ev Event
	}
	var targets []target
	for _, ev := range events {
		for _, w := range f.watchers {
			if strings.HasPrefix(ev.Key, w.prefix) {
				targets = append(targets, target{fn: w.fn, ev: ev})
			}
		}
	}
	f.mu.Unlock()

	for _, t := range targets {
		t.fn(t.ev)
	}
}

func (f *File) writeDocument(doc map[string]string) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("kvstore: encode document: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".guard-kv-*")
	if err != nil {
		return fmt.Errorf("kvstore: write document: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("kvstore: write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("kvstore: write document: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("kvstore: replace document: %w", err)
	}
	return nil
}

// loadDocument reads the shared document, degrading to empty on absence or
// corruption.
func loadDocument(path string) map[string]string {
	doc := make(map[string]string)
	data, err := os.ReadFile(path)
	if err != nil {
		return doc
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return make(map[string]string)
	}
	return doc
}
