package docstore

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const fileDebounce = 150 * time.Millisecond

// fileWatcher notices writes to the database file made by other processes,
// such as a second admin session, and asks the hub to republish.
type fileWatcher struct {
	watcher  *fsnotify.Watcher
	base     string
	debounce time.Duration
	onChange func()
	log      *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// WatchFile republishes snapshots of every watched collection when the
// database file at dbPath (or its WAL) changes on disk. Changes made through
// this store are already published; the extra snapshot they trigger is
// identical and harmless.
func (s *Store) WatchFile(dbPath string) error {
	if s.file != nil {
		return fmt.Errorf("docstore: already watching %s", s.file.base)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	fw := &fileWatcher{
		watcher:  w,
		base:     filepath.Base(abs),
		debounce: fileDebounce,
		onChange: s.hub.markAllDirty,
		log:      s.log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	s.file = fw
	go fw.loop()
	return nil
}

func (w *fileWatcher) loop() {
	defer close(w.doneCh)
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("database file watch error", zap.Error(err))
		case <-fire:
			timer, fire = nil, nil
			w.log.Debug("database file changed on disk")
			w.onChange()
		}
	}
}

func (w *fileWatcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	name := filepath.Base(ev.Name)
	return name == w.base || strings.HasPrefix(name, w.base+"-wal") || strings.HasPrefix(name, w.base+"-journal")
}

func (w *fileWatcher) stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}
