package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/config"
	"github.com/workspace-mcp/credbroker/internal/store"
	"github.com/workspace-mcp/credbroker/internal/util"
	"gopkg.in/natefinch/lumberjack.v2"
)

// mainLogName is the active log file inside the log directory.
const mainLogName = "main.log"

var (
	setupOnce      sync.Once
	writerMu       sync.Mutex
	logWriter      *lumberjack.Logger
	ginInfoWriter  *io.PipeWriter
	ginErrorWriter *io.PipeWriter
)

// LogFormatter renders entries as
// [2025-12-23 20:14:04] [a1b2c3d4] [info ] [flow.go:212] auth flow: authorization completed identity=u1@example.com
type LogFormatter struct{}

// logFieldOrder lists the fields printed after the message, in order.
var logFieldOrder = []string{"identity", "requested_identity", "verified_identity", "service", "backend", "kind", "key", "path", "attempt", "error"}

// Format renders a single log entry.
func (m *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	buffer := entry.Buffer
	if buffer == nil {
		buffer = &bytes.Buffer{}
	}

	reqID := "--------"
	if id, ok := entry.Data["request_id"].(string); ok && id != "" {
		reqID = id
	}
	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}

	var fields strings.Builder
	for _, k := range logFieldOrder {
		if v, ok := entry.Data[k]; ok {
			fmt.Fprintf(&fields, " %s=%v", k, v)
		}
	}

	source := ""
	if entry.Caller != nil {
		source = fmt.Sprintf(" [%s:%d]", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	fmt.Fprintf(buffer, "[%s] [%s] [%-5s]%s %s%s\n",
		entry.Time.Format("2006-01-02 15:04:05"),
		reqID,
		level,
		source,
		strings.TrimRight(entry.Message, "\r\n"),
		fields.String(),
	)
	return buffer.Bytes(), nil
}

// SetupBaseLogger configures the shared logrus instance and routes Gin's
// writers through it. Only the first call has an effect.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})

		ginInfoWriter = log.StandardLogger().Writer()
		gin.DefaultWriter = ginInfoWriter
		ginErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DefaultErrorWriter = ginErrorWriter
		gin.DebugPrintFunc = func(format string, values ...interface{}) {
			log.StandardLogger().Debugf(strings.TrimRight(format, "\r\n"), values...)
		}

		log.RegisterExitHandler(closeLogOutputs)
	})
}

// ResolveLogDirectory picks the log directory: the writable base when the
// process runs from a read-only image, else ./logs, else a logs directory
// next to a local credential store.
func ResolveLogDirectory(cfg *config.Config) string {
	if base := util.WritablePath(); base != "" {
		return filepath.Join(base, "logs")
	}
	logDir := "logs"
	if cfg == nil || util.IsDirWritable(logDir) {
		return logDir
	}
	if store.IsObjectStoreLocation(cfg.Storage.Base) {
		return logDir
	}
	dir, err := util.ResolveDir(cfg.Storage.Base)
	if err != nil {
		log.WithError(err).Warn("logging: cannot place logs next to the credential directory")
		return logDir
	}
	if dir != "" {
		return filepath.Join(filepath.Dir(filepath.Clean(dir)), "logs")
	}
	return logDir
}

// ConfigureLogOutput switches the global log destination between a rotating
// file and stdout, and (re)starts the log directory size limiter.
func ConfigureLogOutput(cfg *config.Config) error {
	SetupBaseLogger()

	writerMu.Lock()
	defer writerMu.Unlock()

	logDir := ResolveLogDirectory(cfg)
	active := ""
	if cfg != nil && cfg.LoggingToFile {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("logging: failed to create log directory: %w", err)
		}
		if logWriter != nil {
			_ = logWriter.Close()
		}
		active = filepath.Join(logDir, mainLogName)
		logWriter = &lumberjack.Logger{
			Filename: active,
			MaxSize:  10,
		}
		log.SetOutput(logWriter)
	} else {
		if logWriter != nil {
			_ = logWriter.Close()
			logWriter = nil
		}
		log.SetOutput(os.Stdout)
	}

	limitMB := 0
	if cfg != nil {
		limitMB = cfg.LogsMaxTotalSizeMB
	}
	restartPrunerLocked(logDir, limitMB, active)
	return nil
}

func closeLogOutputs() {
	writerMu.Lock()
	defer writerMu.Unlock()

	stopPrunerLocked()
	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
	if ginInfoWriter != nil {
		_ = ginInfoWriter.Close()
		ginInfoWriter = nil
	}
	if ginErrorWriter != nil {
		_ = ginErrorWriter.Close()
		ginErrorWriter = nil
	}
}
