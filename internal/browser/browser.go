// Package browser opens authorization URLs in the user's default browser for
// the command line login.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// linuxOpeners are tried in order when open-golang cannot start a browser.
var linuxOpeners = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

// OpenURL opens url in the default browser. It tries open-golang first and
// falls back to the platform's opener commands.
func OpenURL(url string) error {
	err := open.Run(url)
	if err == nil {
		log.Debug("browser: opened authorization URL")
		return nil
	}
	log.Debugf("browser: open-golang failed: %v, trying platform commands", err)

	cmd, err := platformCommand(url)
	if err != nil {
		return err
	}
	log.Debugf("browser: running %s", cmd.Path)
	if err = cmd.Start(); err != nil {
		return fmt.Errorf("browser: start %s: %w", cmd.Path, err)
	}
	return nil
}

// IsAvailable reports whether a browser opener exists on this machine.
func IsAvailable() bool {
	_, err := platformCommand("about:blank")
	return err == nil
}

func platformCommand(url string) (*exec.Cmd, error) {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url), nil
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url), nil
	case "linux", "freebsd", "openbsd":
		for _, name := range linuxOpeners {
			if path, err := exec.LookPath(name); err == nil {
				return exec.Command(path, url), nil
			}
		}
		return nil, fmt.Errorf("browser: no opener found (tried %v)", linuxOpeners)
	default:
		return nil, fmt.Errorf("browser: unsupported operating system %s", runtime.GOOS)
	}
}
