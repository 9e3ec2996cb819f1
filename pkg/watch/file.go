// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package watch

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	k8swatch "k8s.io/apimachinery/pkg/watch"

	cfgapi "github.com/containers/blockpool/pkg/apis/config/v1alpha1"
	logger "github.com/containers/blockpool/pkg/log"
)

var (
	log = logger.Get("watch")
)

// EventType is the type of a configuration file event.
type EventType = k8swatch.EventType

const (
	// Added is sent when the file is created or updated.
	Added = k8swatch.Added
	// Deleted is sent when the file is removed or renamed.
	Deleted = k8swatch.Deleted
	// Error is sent when the file fails to load.
	Error = k8swatch.Error
)

// Event describes a change to the watched configuration file.
type Event struct {
	Type   EventType
	Config *cfgapi.BlockPool
	Err    error
}

// Loader reads the configuration from a file.
type Loader func(path string) (*cfgapi.BlockPool, error)

// File watches a BlockPool configuration file for changes.
type File struct {
	dir      string
	file     string
	load     Loader
	fsw      *fsnotify.Watcher
	resultC  chan Event
	stopOnce sync.Once
	stopC    chan struct{}
	doneC    chan struct{}
}

// NewFile creates a watch for the given configuration file. The file is
// loaded with the given loader, or cfgapi.Load if nil. The current
// contents of the file, if it exists, are delivered as the first event.
func NewFile(file string, load Loader) (*File, error) {
	absPath, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err = fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	if load == nil {
		load = cfgapi.Load
	}

	w := &File{
		dir:     filepath.Dir(absPath),
		file:    filepath.Base(absPath),
		load:    load,
		fsw:     fsw,
		resultC: make(chan Event, k8swatch.DefaultChanSize),
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}

	cfg, err := w.load(w.path())
	switch {
	case err == nil:
		w.sendEvent(Event{Type: Added, Config: cfg})
	case !errors.Is(err, fs.ErrNotExist):
		w.sendEvent(Event{Type: Error, Err: err})
	}

	go w.run()

	return w, nil
}

// Stop stops the watch.
func (w *File) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopC)
		<-w.doneC
	})
}

// ResultChan returns the channel for receiving events from the watch.
func (w *File) ResultChan() <-chan Event {
	return w.resultC
}

func (w *File) run() {
	defer close(w.doneC)
	defer close(w.resultC)

	for {
		select {
		case <-w.stopC:
			if err := w.fsw.Close(); err != nil {
				log.Warn("%s: failed to close fsnotify watcher: %v", w.path(), err)
			}
			return

		case err, ok := <-w.fsw.Errors:
			if ok {
				log.Warn("%s: fsnotify error: %v", w.path(), err)
			}

		case e, ok := <-w.fsw.Events:
			if !ok {
				w.sendEvent(Event{Type: Error, Err: errors.New("fsnotify watcher closed")})
				return
			}

			log.Debug("%s: got event %s", w.path(), e)

			if filepath.Base(e.Name) != w.file {
				continue
			}

			switch {
			case e.Op&(fsnotify.Create|fsnotify.Write) != 0:
				cfg, err := w.load(w.path())
				if err != nil {
					w.sendEvent(Event{Type: Error, Err: err})
					continue
				}
				w.sendEvent(Event{Type: Added, Config: cfg})

			case e.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.sendEvent(Event{Type: Deleted})
			}
		}
	}
}

func (w *File) sendEvent(e Event) {
	select {
	case w.resultC <- e:
	default:
		log.Warn("%s: failed to deliver %v event", w.path(), e.Type)
	}
}

func (w *File) path() string {
	return filepath.Join(w.dir, w.file)
}
