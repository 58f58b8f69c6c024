package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/qorelogic/failsafe/pkg/contracts"
)

// reloadDebounce coalesces the burst of fs events an editor or atomic
// rename produces into one reload.
const reloadDebounce = 500 * time.Millisecond

// ReloadNotice is published on the bus and ledgered as a SYSTEM_EVENT when
// a new snapshot goes live.
type ReloadNotice struct {
	OldVersion string `json:"oldVersion"`
	NewVersion string `json:"newVersion"`
}

// Watcher serves the current snapshot and hot-swaps it when any policy
// file in the directory changes. Invalid replacements are rejected: the
// old snapshot stays live and the failure is logged and reported through
// the reject hook.
type Watcher struct {
	dir      string
	loadOpts []LoadOption
	current  atomic.Pointer[Snapshot]
	onSwap   func(ReloadNotice)
	onReject func(*contracts.Error)
	logger   *slog.Logger
}

// NewWatcher loads the initial snapshot from dir and returns a stopped
// watcher; Start begins watching. Load options apply to every reload.
func NewWatcher(dir string, onSwap func(ReloadNotice), logger *slog.Logger, opts ...LoadOption) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	snap, err := Load(dir, opts...)
	if err != nil {
		return nil, err
	}
	w := &Watcher{dir: dir, loadOpts: opts, onSwap: onSwap, logger: logger}
	w.current.Store(snap)
	return w, nil
}

// Snapshot implements Provider.
func (w *Watcher) Snapshot() *Snapshot {
	return w.current.Load()
}

// OnReject registers a callback for rejected reloads. It runs on the
// watcher goroutine with a POLICY_INVALID error describing the bundle.
func (w *Watcher) OnReject(fn func(*contracts.Error)) {
	w.onReject = fn
}

// Start watches the policy directory until ctx is done. It blocks; run it
// on its own goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("policy: watch %s: %w", w.dir, err)
	}
	w.logger.Info("policy hot reload active", slog.String("dir", w.dir))

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isPolicyFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				fire = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("policy watcher error", slog.String("error", err.Error()))
		case <-fire:
			timer = nil
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.dir, w.loadOpts...)
	if err != nil {
		w.logger.Error("policy reload rejected, keeping current snapshot",
			slog.String("error", err.Error()))
		if w.onReject != nil {
			w.onReject(contracts.NewError(contracts.CodePolicyInvalid, err.Error()))
		}
		return
	}
	old := w.current.Swap(next)
	if old != nil && old.Version == next.Version {
		return
	}
	notice := ReloadNotice{NewVersion: next.Version}
	if old != nil {
		notice.OldVersion = old.Version
	}
	w.logger.Info("policy snapshot swapped",
		slog.String("oldVersion", notice.OldVersion),
		slog.String("newVersion", notice.NewVersion))
	if w.onSwap != nil {
		w.onSwap(notice)
	}
}

func isPolicyFile(path string) bool {
	switch filepath.Base(path) {
	case RiskGradingFile, CitationPolicyFile, TrustDynamicsFile:
		return true
	}
	return false
}
