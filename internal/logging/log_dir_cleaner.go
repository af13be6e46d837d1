package logging

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const pruneInterval = time.Minute

var stopPruner context.CancelFunc

// logPruner keeps the total size of rotated log files under a limit by
// removing the oldest ones. The active log file is never removed.
type logPruner struct {
	dir      string
	maxBytes int64
	active   string
}

func restartPrunerLocked(dir string, maxTotalSizeMB int, active string) {
	stopPrunerLocked()
	dir = strings.TrimSpace(dir)
	if maxTotalSizeMB <= 0 || dir == "" {
		return
	}
	p := &logPruner{dir: filepath.Clean(dir), maxBytes: int64(maxTotalSizeMB) << 20}
	if active = strings.TrimSpace(active); active != "" {
		p.active = filepath.Clean(active)
	}
	ctx, cancel := context.WithCancel(context.Background())
	stopPruner = cancel
	go p.run(ctx)
}

func stopPrunerLocked() {
	if stopPruner != nil {
		stopPruner()
		stopPruner = nil
	}
}

func (p *logPruner) run(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		removed, err := p.prune()
		if err != nil {
			log.WithError(err).Warn("logging: failed to enforce log directory size limit")
		} else if removed > 0 {
			log.Debugf("logging: removed %d old log file(s)", removed)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type logFile struct {
	path    string
	size    int64
	modTime time.Time
}

// prune deletes the oldest log files until the directory fits the limit and
// returns how many were removed.
func (p *logPruner) prune() (int, error) {
	files, total, err := p.scan()
	if err != nil || total <= p.maxBytes {
		return 0, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	removed := 0
	for _, f := range files {
		if total <= p.maxBytes {
			break
		}
		if f.path == p.active {
			continue
		}
		if errRemove := os.Remove(f.path); errRemove != nil {
			log.WithError(errRemove).Warnf("logging: failed to remove old log file %s", filepath.Base(f.path))
			continue
		}
		total -= f.size
		removed++
	}
	return removed, nil
}

func (p *logPruner) scan() ([]logFile, int64, error) {
	entries, err := os.ReadDir(p.dir)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var (
		files []logFile
		total int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !isLogFileName(entry.Name()) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, logFile{path: filepath.Join(p.dir, entry.Name()), size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}
	return files, total, nil
}

func isLogFileName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
