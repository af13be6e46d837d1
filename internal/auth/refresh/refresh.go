// Package refresh mints new access tokens from stored refresh tokens. Calls for
// the same identity are collapsed into one provider exchange, transient
// failures are retried with exponential backoff and terminal failures trigger
// cleanup of the dead credential.
package refresh

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/auth/google"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/credential"
	"github.com/workspace-mcp/credbroker/internal/store"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultMaxTries        = 3
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
	DefaultTimeout         = 60 * time.Second
)

// terminalErrorCodes are OAuth error codes meaning the grant itself is dead.
var terminalErrorCodes = map[string]struct{}{
	"invalid_grant":       {},
	"unauthorized_client": {},
	"invalid_client":      {},
}

// TerminalFunc is invoked after the provider rejects a refresh token for identity.
type TerminalFunc func(ctx context.Context, identity string)

// Options configures a Refresher.
type Options struct {
	// HTTPClient carries the outbound timeouts and proxy. Nil uses http.DefaultClient.
	HTTPClient *http.Client
	// MaxTries bounds attempts for transient failures, including the first.
	MaxTries uint
	// InitialInterval and MaxInterval shape the exponential backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Timeout bounds a whole refresh, retries included.
	Timeout time.Duration
	// OnTerminal runs before a terminal failure is returned.
	OnTerminal TerminalFunc
}

// Refresher exchanges refresh tokens for access tokens and writes the result back to the store.
type Refresher struct {
	store store.Store
	opts  Options
	group singleflight.Group
}

// New creates a Refresher. st may be nil when write-back is handled by the caller.
func New(st store.Store, opts Options) *Refresher {
	if opts.MaxTries == 0 {
		opts.MaxTries = DefaultMaxTries
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultMaxInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Refresher{store: st, opts: opts}
}

// SetOnTerminal replaces the terminal failure hook. It must be called before
// the Refresher is shared.
func (r *Refresher) SetOnTerminal(fn TerminalFunc) {
	r.opts.OnTerminal = fn
}

// Refresh returns cred with a freshly minted access token. Concurrent calls for
// the same identity share one provider exchange and receive equal results.
//
// Errors are autherr kinds: TerminalAuthFailure when the grant is dead (the
// OnTerminal hook has already run), BackendUnavailable when the provider could
// not be reached after retries.
func (r *Refresher) Refresh(ctx context.Context, identity string, cred *credential.Credential) (*credential.Credential, error) {
	if cred == nil {
		return nil, autherr.New(autherr.KindNotFound, identity, "no credential to refresh")
	}
	if !cred.CanRefresh() {
		err := autherr.New(autherr.KindTerminalAuthFailure, identity, "credential has no refresh token")
		r.terminal(ctx, identity)
		return nil, err
	}

	v, err, shared := r.group.Do(identity, func() (any, error) {
		// Followers must not fail because the leader's caller went away.
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.Timeout)
		defer cancel()
		return r.refresh(flightCtx, identity, cred)
	})
	if shared {
		log.WithField("identity", identity).Debug("refresh: joined in-flight refresh")
	}
	if err != nil {
		return nil, err
	}
	return v.(*credential.Credential).Clone(), nil
}

func (r *Refresher) refresh(ctx context.Context, identity string, cred *credential.Credential) (*credential.Credential, error) {
	ctx = google.WithHTTPClient(ctx, r.opts.HTTPClient)
	tokenURI := strings.TrimSpace(cred.TokenURI)
	if tokenURI == "" {
		tokenURI = google.TokenURL
	}
	conf := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Scopes:       cred.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURI,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.opts.InitialInterval
	exp.MaxInterval = r.opts.MaxInterval

	attempt := 0
	operation := func() (*oauth2.Token, error) {
		attempt++
		tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
		if err == nil {
			return tok, nil
		}
		classified := classify(identity, err)
		if autherr.IsKind(classified, autherr.KindTerminalAuthFailure) {
			return nil, backoff.Permanent(classified)
		}
		log.WithFields(log.Fields{"identity": identity, "attempt": attempt}).Warnf("refresh: transient failure: %v", classified)
		return nil, classified
	}

	tok, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(r.opts.MaxTries),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		if _, ok := autherr.As(err); !ok {
			// Context expiry while waiting between attempts.
			err = autherr.Wrap(autherr.KindBackendUnavailable, identity, err, "token refresh did not complete")
		}
		if autherr.IsKind(err, autherr.KindTerminalAuthFailure) {
			log.WithField("identity", identity).Warn("refresh: provider rejected refresh token, credential removed")
			r.terminal(ctx, identity)
		}
		return nil, err
	}

	updated := cred.ApplyToken(tok)
	if updated.Identity == "" {
		updated.Identity = identity
	}
	if r.store != nil {
		if errSave := r.store.Save(ctx, identity, updated); errSave != nil {
			// The refreshed token is still returned to the caller.
			log.WithField("identity", identity).Errorf("refresh: persist refreshed credential: %v", errSave)
		}
	}
	log.WithField("identity", identity).Info("refresh: access token refreshed")
	return updated, nil
}

func (r *Refresher) terminal(ctx context.Context, identity string) {
	if r.opts.OnTerminal != nil {
		r.opts.OnTerminal(ctx, identity)
	}
}

// classify maps a token endpoint failure to an autherr kind. Provider response
// bodies are reduced to their OAuth error code.
func classify(identity string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		code := strings.TrimSpace(re.ErrorCode)
		if _, dead := terminalErrorCodes[code]; dead {
			return autherr.New(autherr.KindTerminalAuthFailure, identity, "refresh token rejected by provider (%s)", code)
		}
		switch {
		case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
			return autherr.New(autherr.KindBackendUnavailable, identity, "token endpoint returned status %d", status)
		case status >= http.StatusBadRequest:
			if code == "" {
				code = "unknown"
			}
			return autherr.New(autherr.KindTerminalAuthFailure, identity, "refresh token rejected by provider (status %d, %s)", status, code)
		}
		return autherr.New(autherr.KindBackendUnavailable, identity, "token endpoint returned an unusable response")
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return autherr.Wrap(autherr.KindBackendUnavailable, identity, err, "token endpoint unreachable")
	}
	return autherr.Wrap(autherr.KindBackendUnavailable, identity, err, "token refresh failed")
}
