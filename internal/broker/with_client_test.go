package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workspace-mcp/credbroker/internal/autherr"
)

func TestWithClient(t *testing.T) {
	f := newFixture(t, false, false)
	f.seed(t, "u1@example.com", time.Hour)

	listMessages := WithClient(f.broker, Spec{Service: "gmail", Version: "v1", Scopes: []string{gmailScope}},
		func(ctx context.Context, h *Handle) (string, error) {
			return h.Identity + ":" + h.Service, nil
		})

	got, err := listMessages(context.Background(), "u1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com:gmail", got)

	_, err = listMessages(context.Background(), "nobody@example.com")
	assert.True(t, autherr.IsKind(err, autherr.KindNotFound))
}

func TestWithClientHonoursVerifiedIdentity(t *testing.T) {
	f := newFixture(t, false, false)
	f.seed(t, "u1@example.com", time.Hour)
	called := false
	fn := WithClient(f.broker, Spec{Service: "gmail", Version: "v1"}, func(context.Context, *Handle) (int, error) {
		called = true
		return 1, nil
	})

	ctx := WithVerifiedIdentity(context.Background(), "u2@example.com")
	assert.Equal(t, "u2@example.com", VerifiedIdentity(ctx))

	n, err := fn(ctx, "u1@example.com")
	assert.True(t, autherr.IsKind(err, autherr.KindAccessDenied))
	assert.Zero(t, n)
	assert.False(t, called)
}
