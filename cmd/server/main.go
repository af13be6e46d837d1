// Package main provides the entry point for the credential broker. It runs the
// auth gateway by default and offers command line modes to log in, list and
// revoke stored Google credentials.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/buildinfo"
	"github.com/workspace-mcp/credbroker/internal/cmd"
	"github.com/workspace-mcp/credbroker/internal/config"
	"github.com/workspace-mcp/credbroker/internal/logging"
	"github.com/workspace-mcp/credbroker/internal/util"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var login bool
	var list bool
	var revoke string
	var email string
	var scopes string
	var noBrowser bool
	var oauthCallbackPort int
	var configPath string
	var initConfig bool
	var showVersion bool

	flag.BoolVar(&login, "login", false, "Log in a Google account and store its credential")
	flag.StringVar(&email, "email", "", "Account to log in (sent as the login hint and enforced)")
	flag.StringVar(&scopes, "scopes", "", "Comma separated scopes to request in addition to the identity scopes")
	flag.BoolVar(&list, "list", false, "List stored credentials")
	flag.StringVar(&revoke, "revoke", "", "Revoke and delete the stored credential of this identity")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically for OAuth")
	flag.IntVar(&oauthCallbackPort, "oauth-callback-port", 0, "Override the local OAuth callback port for -login")
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&initConfig, "init-config", false, "Create the config file from config.example.yaml when it is missing")
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		os.Exit(1)
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	optional := false
	configFilePath := strings.TrimSpace(configPath)
	if configFilePath == "" {
		configFilePath = filepath.Join(wd, "config.yaml")
		optional = true
	}
	if initConfig {
		if errInit := initConfigFile(wd, configFilePath); errInit != nil {
			log.Errorf("failed to initialize config: %v", errInit)
			os.Exit(1)
		}
	}

	cfg, err := config.LoadConfigOptional(configFilePath, optional)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}
	if _, errStat := os.Stat(configFilePath); errStat != nil {
		configFilePath = ""
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		os.Exit(1)
	}
	util.SetLogLevel(cfg.Debug)
	log.Info(buildinfo.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case login:
		err = cmd.DoLogin(ctx, cfg, &cmd.LoginOptions{
			NoBrowser:    noBrowser,
			CallbackPort: oauthCallbackPort,
			Email:        email,
			Scopes:       splitList(scopes),
		})
	case list:
		err = cmd.DoList(ctx, cfg)
	case revoke != "":
		err = cmd.DoRevoke(ctx, cfg, revoke)
	default:
		err = cmd.StartService(ctx, cfg, configFilePath)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("%v", err)
		stop()
		os.Exit(1)
	}
}

// initConfigFile creates configFilePath from config.example.yaml in the
// working directory unless a config already exists there.
func initConfigFile(wd, configFilePath string) error {
	examplePath := filepath.Join(wd, "config.example.yaml")
	created, err := config.InitFromTemplate(examplePath, configFilePath)
	if err != nil {
		return err
	}
	if !created {
		log.Infof("config %s already exists", configFilePath)
		return nil
	}
	log.Infof("config initialized from template: %s", configFilePath)
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
