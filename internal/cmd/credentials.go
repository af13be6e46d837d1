package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/auth/google"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/config"
	"github.com/workspace-mcp/credbroker/internal/store"
)

// DoList prints every stored identity with the state of its credential.
func DoList(ctx context.Context, cfg *config.Config) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	return listCredentials(ctx, st, os.Stdout, time.Now())
}

func listCredentials(ctx context.Context, st store.Store, out io.Writer, now time.Time) error {
	identities, err := st.List(ctx)
	if err != nil {
		return err
	}
	if len(identities) == 0 {
		_, _ = fmt.Fprintf(out, "No credentials stored in %s\n", st.Location())
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "IDENTITY\tSTATE\tEXPIRES\tSCOPES")
	for _, identity := range identities {
		cred, ok, errLoad := st.Load(ctx, identity)
		switch {
		case errLoad != nil:
			_, _ = fmt.Fprintf(tw, "%s\t%s\t-\t-\n", identity, autherr.KindOf(errLoad))
			continue
		case !ok:
			continue
		}
		state := "valid"
		switch {
		case cred.Terminal(now):
			state = "needs-login"
		case cred.Expired(now):
			state = "expired"
		}
		expires := "-"
		if cred.Expiry != nil {
			expires = cred.Expiry.Local().Format(time.DateTime)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", identity, state, expires, len(cred.Scopes))
	}
	return tw.Flush()
}

// DoRevoke revokes identity's grant with the provider and deletes the stored
// credential. A provider failure is reported but does not keep the record.
func DoRevoke(ctx context.Context, cfg *config.Config, identity string) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	revoked, err := revokeCredential(ctx, st, newHTTPClient(cfg), google.DefaultEndpoints(), identity)
	if err != nil {
		return err
	}
	if revoked {
		fmt.Printf("Revoked the grant for %s with Google\n", identity)
	}
	fmt.Printf("Removed stored credentials for %s\n", identity)
	return nil
}

func revokeCredential(ctx context.Context, st store.Store, httpClient *http.Client, endpoints google.Endpoints, identity string) (bool, error) {
	identity = strings.TrimSpace(identity)
	if err := store.ValidateIdentity(identity); err != nil {
		return false, err
	}
	cred, ok, err := st.Load(ctx, identity)
	if err != nil && !autherr.IsKind(err, autherr.KindCorrupt) {
		return false, err
	}
	if !ok && err == nil {
		return false, autherr.New(autherr.KindNotFound, identity, "no credential stored")
	}

	revoked := false
	if cred != nil {
		token := cred.RefreshToken
		if token == "" {
			token = cred.AccessToken
		}
		if token != "" {
			if errRevoke := google.Revoke(ctx, httpClient, endpoints, token); errRevoke != nil {
				log.WithField("identity", identity).WithError(errRevoke).Warn("provider revoke failed; removing the local credential anyway")
			} else {
				revoked = true
			}
		}
	}
	if err = st.Delete(ctx, identity); err != nil {
		return revoked, err
	}
	return revoked, nil
}
