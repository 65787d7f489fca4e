package watcher

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/devguard/perfcore/pkg/events"
)

// fsSource adapts an fsnotify watcher to Source. Directories created under a
// recursive watch are added as they appear.
type fsSource struct {
	fw   *fsnotify.Watcher
	root string
	opts Options

	events chan RawEvent
	errors chan error
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewFSSource watches path with fsnotify. When opts.Recursive is set every
// non-ignored directory below path is watched too.
func NewFSSource(path string, opts Options) (Source, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s := &fsSource{
		fw:     fw,
		root:   path,
		opts:   opts,
		events: make(chan RawEvent, 64),
		errors: make(chan error, 8),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := s.add(path); err != nil {
		fw.Close()
		return nil, err
	}
	go s.run()
	return s, nil
}

func (s *fsSource) Events() <-chan RawEvent { return s.events }
func (s *fsSource) Errors() <-chan error    { return s.errors }

func (s *fsSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		err = s.fw.Close()
		<-s.done
	})
	return err
}

// add registers dir, and its subdirectories when recursive.
func (s *fsSource) add(dir string) error {
	if !s.opts.Recursive {
		return s.fw.Add(dir)
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories removed mid-walk are not an error.
			if p != dir {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && s.skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return s.fw.Add(p)
	})
}

func (s *fsSource) skipDir(name string) bool {
	if s.opts.IgnoreHidden && strings.HasPrefix(name, ".") {
		return true
	}
	for _, ignored := range s.opts.IgnoredDirs {
		if name == ignored {
			return true
		}
	}
	return false
}

func (s *fsSource) run() {
	defer close(s.done)
	defer close(s.events)
	defer close(s.errors)

	for {
		select {
		case <-s.quit:
			return
		case ev, ok := <-s.fw.Events:
			if !ok {
				return
			}
			raw, keep := s.translate(ev)
			if !keep {
				continue
			}
			select {
			case s.events <- raw:
			case <-s.quit:
				return
			}
		case err, ok := <-s.fw.Errors:
			if !ok {
				return
			}
			select {
			case s.errors <- err:
			case <-s.quit:
				return
			}
		}
	}
}

// translate maps an fsnotify event to a RawEvent. Chmod-only events and
// directory creations are not reported; new directories are watched instead.
func (s *fsSource) translate(ev fsnotify.Event) (RawEvent, bool) {
	raw := RawEvent{Path: ev.Name}
	switch {
	case ev.Has(fsnotify.Create):
		raw.Kind = events.ChangeCreated
	case ev.Has(fsnotify.Write):
		raw.Kind = events.ChangeModified
	case ev.Has(fsnotify.Remove):
		raw.Kind = events.ChangeDeleted
		return raw, true
	case ev.Has(fsnotify.Rename):
		raw.Kind = events.ChangeRenamed
		return raw, true
	default:
		return raw, false
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return raw, true
	}
	if info.IsDir() {
		if raw.Kind == events.ChangeCreated && s.opts.Recursive && !s.skipDir(info.Name()) {
			if err := s.add(ev.Name); err != nil {
				slog.Warn("watcher: watch new directory", "path", ev.Name, "err", err)
			}
		}
		return raw, false
	}
	raw.Size = info.Size()
	return raw, true
}
