package misc

import (
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// LogSavingCredentials emits a consistent log message when persisting a credential record.
// Only the identity and the resource location are logged, never token material.
func LogSavingCredentials(identity, location string) {
	if location == "" {
		return
	}
	if !strings.Contains(location, "://") {
		location = filepath.Clean(location)
	}
	log.WithField("identity", identity).Infof("saving credentials to %s", location)
}
