package watcher

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/config"
	"github.com/workspace-mcp/credbroker/internal/util"
)

func (w *Watcher) stopConfigReloadTimer() {
	w.configReloadMu.Lock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
		w.configReloadTimer = nil
	}
	w.configReloadMu.Unlock()
}

func (w *Watcher) scheduleConfigReload() {
	w.configReloadMu.Lock()
	defer w.configReloadMu.Unlock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
	}
	w.configReloadTimer = time.AfterFunc(configReloadDebounce, func() {
		w.configReloadMu.Lock()
		w.configReloadTimer = nil
		w.configReloadMu.Unlock()
		w.reloadConfigIfChanged()
	})
}

func (w *Watcher) primeConfigHash() {
	if hash, err := fileHash(w.configPath); err == nil {
		w.mu.Lock()
		w.lastConfigHash = hash
		w.mu.Unlock()
	}
}

func (w *Watcher) reloadConfigIfChanged() {
	newHash, err := fileHash(w.configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("failed to read config file for hash check: %v", err)
		}
		return
	}
	if newHash == "" {
		log.Debugf("ignoring empty config file write event")
		return
	}

	w.mu.RLock()
	currentHash := w.lastConfigHash
	w.mu.RUnlock()
	if currentHash != "" && currentHash == newHash {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}

	log.Infof("config file changed, reloading: %s", w.configPath)
	newConfig, errLoad := config.LoadConfig(w.configPath)
	if errLoad != nil {
		log.Errorf("failed to reload config: %v", errLoad)
		return
	}
	w.mu.Lock()
	w.lastConfigHash = newHash
	w.mu.Unlock()

	util.SetLogLevel(newConfig.Debug)
	if w.onReload != nil {
		w.onReload(newConfig)
	}
}
