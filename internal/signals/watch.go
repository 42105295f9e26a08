package signals

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "tradealert/pkg/logx"
)

const (
	defaultDebounce    = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watcher calls OnChange after the signal file has been written and gone
// quiet for Debounce. Writers that replace the file (temp + rename) are
// handled because the parent directory is watched, not the file.
type Watcher struct {
	Path     string
	Debounce time.Duration
	OnChange func(ctx context.Context)
	Log      logx.Logger
}

// Run blocks until ctx is cancelled. A broken fsnotify watcher is recreated
// with jittered exponential backoff.
func (w *Watcher) Run(ctx context.Context) error {
	log := w.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	dir := filepath.Dir(w.Path)
	file := filepath.Base(w.Path)
	wait := w.Debounce
	if wait <= 0 {
		wait = defaultDebounce
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	trigger := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(wait, func() {
			if ctx.Err() != nil || w.OnChange == nil {
				return
			}
			w.OnChange(ctx)
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return d
	}
	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("signal watch init failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			log.Warn("signal watch add failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		log.Debug("signal watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					trigger()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					log.Warn("signal watch overflow; re-evaluating", logx.String("dir", dir))
					trigger()
					continue
				}
				log.Warn("signal watch error", logx.Err(err), logx.String("dir", dir))
			}
		}

		_ = fw.Close()
		d := nextWait()
		log.Warn("signal watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", d))
		if !sleep(d) {
			return nil
		}
	}
}
