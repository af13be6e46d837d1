package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return err
	}
	if w.configPath != "" {
		if errAddConfig := w.watcher.Add(w.configPath); errAddConfig != nil {
			log.Errorf("failed to watch config file %s: %v", w.configPath, errAddConfig)
			return errAddConfig
		}
		w.primeConfigHash()
		log.Debugf("watching config file: %s", w.configPath)
	}
	if errAddDir := w.watcher.Add(w.dir); errAddDir != nil {
		log.Errorf("failed to watch credential directory %s: %v", w.dir, errAddDir)
		return errAddDir
	}
	w.scanDir()
	w.startDispatch()
	log.Debugf("watching credential directory: %s", w.dir)

	go w.processEvents(ctx)
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger().Errorf("file watcher error: %v", errWatch)
		}
	}
}

// scanDir records the hash of every record present at startup so that later
// events can tell real changes from rewrites of identical content.
func (w *Watcher) scanDir() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger().WithError(err).Warn("watcher: initial scan failed")
		}
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if _, ok := w.files.IdentityForPath(path); !ok {
			continue
		}
		if hash, errHash := fileHash(path); errHash == nil {
			w.lastHashes[w.normalizePath(path)] = hash
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	configOps := fsnotify.Write | fsnotify.Create | fsnotify.Rename
	normalizedName := w.normalizePath(event.Name)
	isConfigEvent := w.configPath != "" && normalizedName == w.normalizePath(w.configPath) && event.Op&configOps != 0
	recordOps := fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
	identity, isRecord := w.files.IdentityForPath(event.Name)
	isRecord = isRecord && event.Op&recordOps != 0
	if !isConfigEvent && !isRecord {
		// Temp files from atomic writes and unrelated files land here.
		return
	}

	now := time.Now()
	log.Debugf("file system event detected: %s %s", event.Op.String(), event.Name)

	if isConfigEvent {
		w.scheduleConfigReload()
		return
	}

	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if w.shouldDebounceRemove(normalizedName, now) {
			log.Debugf("debouncing remove event for %s", filepath.Base(event.Name))
			return
		}
		time.Sleep(replaceCheckDelay)
		if _, statErr := os.Stat(event.Name); statErr == nil {
			w.recordChanged(identity, event.Name, event.Op)
			return
		}
		if !w.forget(normalizedName) {
			log.Debugf("ignoring remove for unknown credential file: %s", filepath.Base(event.Name))
			return
		}
		log.WithField("identity", identity).Infof("credential file removed (%s)", event.Op.String())
		w.enqueue(Update{Action: ActionDelete, Identity: identity, Path: event.Name})
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
		w.recordChanged(identity, event.Name, event.Op)
	}
}

func (w *Watcher) recordChanged(identity, path string, op fsnotify.Op) {
	hash, err := fileHash(path)
	if err != nil {
		log.WithField("identity", identity).WithError(err).Debug("watcher: credential file unreadable")
		return
	}
	if hash == "" {
		// Empty file mid-write; the following Write event carries the content.
		return
	}
	normalized := w.normalizePath(path)
	w.mu.Lock()
	prev, known := w.lastHashes[normalized]
	if known && prev == hash {
		w.mu.Unlock()
		log.Debugf("credential file unchanged (hash match), skipping: %s", filepath.Base(path))
		return
	}
	w.lastHashes[normalized] = hash
	w.mu.Unlock()

	action := ActionModify
	if !known {
		action = ActionAdd
	}
	log.WithField("identity", identity).Infof("credential file changed (%s)", op.String())
	w.enqueue(Update{Action: action, Identity: identity, Path: path})
}

func (w *Watcher) forget(normalizedPath string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.lastHashes[normalizedPath]; !ok {
		return false
	}
	delete(w.lastHashes, normalizedPath)
	return true
}

func (w *Watcher) normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	cleaned := filepath.Clean(trimmed)
	if runtime.GOOS == "windows" {
		cleaned = strings.TrimPrefix(cleaned, `\\?\`)
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}

func (w *Watcher) shouldDebounceRemove(normalizedPath string, now time.Time) bool {
	if normalizedPath == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastRemoveTimes == nil {
		w.lastRemoveTimes = make(map[string]time.Time)
	}
	if last, ok := w.lastRemoveTimes[normalizedPath]; ok && now.Sub(last) < authRemoveDebounceWindow {
		return true
	}
	w.lastRemoveTimes[normalizedPath] = now
	if len(w.lastRemoveTimes) > 128 {
		cutoff := now.Add(-2 * authRemoveDebounceWindow)
		for p, t := range w.lastRemoveTimes {
			if t.Before(cutoff) {
				delete(w.lastRemoveTimes, p)
			}
		}
	}
	return false
}

func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", nil
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
