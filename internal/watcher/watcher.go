// Package watcher watches the local credential directory and the config file.
// Credential changes made outside the process are reported per identity so
// cached clients built from stale records can be dropped.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/config"
	"github.com/workspace-mcp/credbroker/internal/store"
)

// Action is the kind of change detected for a credential record.
type Action string

const (
	ActionAdd    Action = "add"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// Update describes one change to a credential record.
type Update struct {
	Action   Action
	Identity string
	Path     string
}

// UpdateFunc receives credential updates. Calls are serialized.
type UpdateFunc func(Update)

// ReloadFunc receives a freshly loaded configuration.
type ReloadFunc func(*config.Config)

const (
	// replaceCheckDelay lets an atomic rename settle before a Remove is
	// treated as a deletion.
	replaceCheckDelay        = 50 * time.Millisecond
	configReloadDebounce     = 150 * time.Millisecond
	authRemoveDebounceWindow = 1 * time.Second
)

// Watcher reports credential file changes and config reloads.
type Watcher struct {
	configPath string
	dir        string
	files      *store.FileStore

	onUpdate UpdateFunc
	onReload ReloadFunc

	watcher *fsnotify.Watcher

	mu              sync.RWMutex
	lastHashes      map[string]string
	lastRemoveTimes map[string]time.Time
	lastConfigHash  string

	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer

	dispatchMu     sync.Mutex
	dispatchCond   *sync.Cond
	pendingUpdates map[string]Update
	pendingOrder   []string
	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}
}

// NewWatcher creates a watcher for the records of files. configPath may be
// empty, in which case no config reloads are reported.
func NewWatcher(configPath string, files *store.FileStore, onUpdate UpdateFunc, onReload ReloadFunc) (*Watcher, error) {
	if files == nil {
		return nil, fmt.Errorf("watcher: file store is required")
	}
	fw, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	w := &Watcher{
		configPath: configPath,
		dir:        files.Dir(),
		files:      files,
		onUpdate:   onUpdate,
		onReload:   onReload,
		watcher:    fw,
		lastHashes: make(map[string]string),
	}
	w.dispatchCond = newCond(w)
	return w, nil
}

// Start begins watching. Events are processed until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	return w.start(ctx)
}

// Stop stops the watcher and discards undelivered updates.
func (w *Watcher) Stop() error {
	w.stopDispatch()
	w.stopConfigReloadTimer()
	return w.watcher.Close()
}

// Known reports the identities whose records are currently tracked.
func (w *Watcher) Known() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.lastHashes))
	for path := range w.lastHashes {
		if identity, ok := w.files.IdentityForPath(path); ok {
			out = append(out, identity)
		}
	}
	return out
}

func (w *Watcher) logger() *log.Entry {
	return log.WithField("path", w.dir)
}
