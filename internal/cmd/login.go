package cmd

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/auth/flow"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/browser"
	"github.com/workspace-mcp/credbroker/internal/config"
	"github.com/workspace-mcp/credbroker/internal/util"
)

// DoLogin runs the authorization flow from the command line: it listens for
// the provider callback locally, sends the user to the consent page and saves
// the resulting credential.
func DoLogin(ctx context.Context, cfg *config.Config, options *LoginOptions) error {
	if options == nil {
		options = &LoginOptions{}
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	httpClient := newHTTPClient(cfg)
	f, err := newFlow(ctx, cfg, st, httpClient)
	if err != nil {
		return err
	}
	defer f.Pending().Stop()

	redirectURI, port, err := loginRedirect(cfg, options.CallbackPort)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("port %d is not available for the OAuth callback: %w", port, err)
	}

	opener := browser.OpenURL
	switch {
	case options.NoBrowser:
		opener = nil
	case !browser.IsAvailable():
		log.Info("no browser opener found; open the authorization URL manually")
		opener = nil
	}
	res, err := runLogin(ctx, loginSession{
		flow:        f,
		listener:    ln,
		redirectURI: redirectURI,
		options:     options,
		open:        opener,
		out:         os.Stdout,
		timeout:     cfg.OAuth.PendingTTL,
		httpClient:  httpClient,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Authentication successful for %s\n", res.Identity)
	fmt.Printf("Credentials saved to %s\n", st.Location())
	return nil
}

// loginRedirect picks the redirect URI for a command line login. A configured
// loopback redirect is used as is; otherwise the callback goes to localhost on
// the override port or the gateway port.
func loginRedirect(cfg *config.Config, overridePort int) (string, int, error) {
	if overridePort > 0 {
		return fmt.Sprintf("http://localhost:%d%s", overridePort, config.DefaultCallbackPath), overridePort, nil
	}
	if u, err := url.Parse(cfg.OAuth.RedirectURI); err == nil && u.Scheme == "http" && isLoopback(u.Hostname()) {
		port := 80
		if p := u.Port(); p != "" {
			n, errPort := strconv.Atoi(p)
			if errPort != nil {
				return "", 0, fmt.Errorf("redirect uri %q has an invalid port", cfg.OAuth.RedirectURI)
			}
			port = n
		}
		return cfg.OAuth.RedirectURI, port, nil
	}
	port := cfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	redirect := fmt.Sprintf("http://localhost:%d%s", port, config.DefaultCallbackPath)
	log.Warnf("configured redirect uri %s is not a loopback address; using %s, which must also be registered for the client", cfg.OAuth.RedirectURI, redirect)
	return redirect, port, nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// loginSession is one command line authorization in progress.
type loginSession struct {
	flow        *flow.Flow
	listener    net.Listener
	redirectURI string
	options     *LoginOptions
	// open sends the user to the authorization URL. Nil prints it instead.
	open    func(string) error
	out     io.Writer
	timeout time.Duration

	// httpClient is the outbound client used for the tunnel hint lookup.
	httpClient *http.Client
}

type callbackOutcome struct {
	res *flow.Result
	err error
}

// runLogin serves the callback on the session listener until the flow
// completes, ctx ends or the timeout passes. The listener is closed on return.
func runLogin(ctx context.Context, s loginSession) (*flow.Result, error) {
	outcomes := make(chan callbackOutcome, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath(s.redirectURI), func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		res, err := s.flow.HandleCallback(r.Context(), r.URL.String())
		writeCallbackPage(w, res, err)
		select {
		case outcomes <- callbackOutcome{res: res, err: err}:
		default:
		}
	})
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Debug("login: callback server shutdown")
		}
	}()

	auth, err := s.flow.Start(ctx, flow.StartRequest{
		Scopes:      s.options.Scopes,
		RedirectURI: s.redirectURI,
		LoginHint:   strings.TrimSpace(s.options.Email),
	})
	if err != nil {
		return nil, err
	}

	out := s.out
	if out == nil {
		out = io.Discard
	}
	if s.open == nil {
		_, _ = fmt.Fprintf(out, "Open this URL in a browser to authorize:\n\n%s\n\n", auth.URL)
		if port := listenerPort(s.listener); port > 0 {
			util.PrintSSHTunnelInstructions(ctx, s.httpClient, out, port)
		}
	} else {
		_, _ = fmt.Fprintln(out, "Opening the browser for authorization...")
		if errOpen := s.open(auth.URL); errOpen != nil {
			log.WithError(errOpen).Warn("login: could not open a browser")
			_, _ = fmt.Fprintf(out, "Open this URL in a browser to authorize:\n\n%s\n\n", auth.URL)
		}
	}
	_, _ = fmt.Fprintln(out, "Waiting for the authorization callback...")

	timeout := s.timeout
	if timeout <= 0 {
		timeout = flow.DefaultPendingTTL
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-outcomes:
		return o.res, o.err
	case err = <-serveErr:
		return nil, autherr.Wrap(autherr.KindBackendUnavailable, "", err, "callback server failed")
	case <-timer.C:
		return nil, autherr.New(autherr.KindInvalidState, "", "timed out waiting for the authorization callback")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func callbackPath(redirectURI string) string {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Path == "" {
		return config.DefaultCallbackPath
	}
	return u.Path
}

func listenerPort(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

const callbackPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em">
<h1>%s</h1><p>%s</p><p>You can close this window.</p>
</body></html>`

func writeCallbackPage(w http.ResponseWriter, res *flow.Result, err error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err != nil {
		status := http.StatusInternalServerError
		msg := "authorization failed"
		if ae, ok := autherr.As(err); ok {
			status = ae.StatusCode()
			if ae.Message != "" {
				msg = ae.Message
			}
		}
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, callbackPage, "Authorization failed", "Authorization failed", html.EscapeString(msg))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, callbackPage, "Authorization complete", "Authorization complete",
		"Signed in as "+html.EscapeString(res.Identity)+".")
}
