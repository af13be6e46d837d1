// Package misc holds small helpers that do not belong to a domain package:
// OAuth callback parsing, credential save logging, config templates and
// header defaults for relayed requests.
package misc

import (
	"net/http"
	"strings"
)

// EnsureHeader sets key on target from source when source carries it, and
// otherwise falls back to defaultValue unless target already has a value.
func EnsureHeader(target http.Header, source http.Header, key, defaultValue string) {
	if target == nil {
		return
	}
	if source != nil {
		if val := strings.TrimSpace(source.Get(key)); val != "" {
			target.Set(key, val)
			return
		}
	}
	if strings.TrimSpace(target.Get(key)) != "" {
		return
	}
	if val := strings.TrimSpace(defaultValue); val != "" {
		target.Set(key, val)
	}
}
