package broker

import (
	"context"
	"strings"
)

type verifiedIdentityKey struct{}

// WithVerifiedIdentity records the identity proven by the caller's bearer token.
func WithVerifiedIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, verifiedIdentityKey{}, strings.TrimSpace(identity))
}

// VerifiedIdentity returns the identity stored by WithVerifiedIdentity.
func VerifiedIdentity(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(verifiedIdentityKey{}).(string)
	return v
}

// Spec names the API a consumer function needs.
type Spec struct {
	Service string
	Version string
	Scopes  []string
}

// WithClient adapts fn into a plain function of (ctx, identity). The returned
// function resolves an authenticated handle for spec, honouring any verified
// identity on ctx, and passes it to fn.
func WithClient[T any](b *Broker, spec Spec, fn func(ctx context.Context, h *Handle) (T, error)) func(ctx context.Context, identity string) (T, error) {
	return func(ctx context.Context, identity string) (T, error) {
		h, err := b.Client(ctx, Request{
			Identity:         identity,
			VerifiedIdentity: VerifiedIdentity(ctx),
			Service:          spec.Service,
			Version:          spec.Version,
			Scopes:           spec.Scopes,
		})
		if err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx, h)
	}
}
