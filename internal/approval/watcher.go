// Package approval watches the proposals directory for human decisions
// on scope-reduction proposals. A decision is a marker file dropped
// next to the proposal artifact: <id>.approved or <id>.rejected.
package approval

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Verdict is a human decision on one proposal
type Verdict struct {
	ProposalID string
	Approved   bool
}

// Callback is invoked once per decided proposal
type Callback func(v Verdict)

// Watcher monitors the proposals directory for marker files
type Watcher struct {
	watcher  *fsnotify.Watcher
	callback Callback
	dir      string
	debounce time.Duration
	logger   *log.Logger

	mu      pendingState
	cancel  context.CancelFunc
	timerMu sync.Mutex
	timer   *time.Timer
}

type pendingState struct {
	sync.Mutex
	verdicts map[string]bool // proposal id -> approved
	seen     map[string]bool // already-delivered proposal ids
}

// NewWatcher creates a watcher over <artifactsDir>/proposals
func NewWatcher(artifactsDir string, callback Callback) (*Watcher, error) {
	dir := filepath.Join(artifactsDir, "proposals")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		callback: callback,
		dir:      dir,
		debounce: 500 * time.Millisecond,
		logger:   log.New(os.Stderr, "[approval] ", log.LstdFlags),
	}
	w.mu.verdicts = make(map[string]bool)
	w.mu.seen = make(map[string]bool)
	return w, nil
}

// SetDebounce overrides the flush delay, mainly for tests
func (w *Watcher) SetDebounce(d time.Duration) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	w.debounce = d
}

// Start scans for pre-existing markers and then begins watching
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	// Markers written while no watcher was running still count
	w.scanExisting()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Printf("watch error: %v", err)
			}
		}
	}()
}

// Stop ends watching
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

func (w *Watcher) scanExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.record(filepath.Join(w.dir, e.Name()))
		}
	}
	w.scheduleFlush()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if !w.record(event.Name) {
		return
	}
	w.scheduleFlush()
}

// record parses a marker filename into a pending verdict
func (w *Watcher) record(path string) bool {
	base := filepath.Base(path)
	var id string
	var approved bool
	switch {
	case strings.HasSuffix(base, ".approved"):
		id = strings.TrimSuffix(base, ".approved")
		approved = true
	case strings.HasSuffix(base, ".rejected"):
		id = strings.TrimSuffix(base, ".rejected")
	default:
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mu.seen[id] {
		return false
	}
	w.mu.verdicts[id] = approved
	return true
}

func (w *Watcher) scheduleFlush() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.mu.verdicts
	w.mu.verdicts = make(map[string]bool)
	for id := range pending {
		w.mu.seen[id] = true
	}
	w.mu.Unlock()

	if w.callback == nil {
		return
	}
	for id, approved := range pending {
		w.logger.Printf("proposal %s decided: approved=%v", id, approved)
		w.callback(Verdict{ProposalID: id, Approved: approved})
	}
}
