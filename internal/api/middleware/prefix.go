package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// StripPrefix removes prefix from request paths before next routes them.
// Paths outside the prefix pass through unchanged so the gateway answers on
// both forms. An empty prefix returns next.
func StripPrefix(prefix string, next http.Handler) http.Handler {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, ok := trimPathPrefix(r.URL.Path, prefix)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		r2 := new(http.Request)
		*r2 = *r
		r2.URL = new(url.URL)
		*r2.URL = *r.URL
		r2.URL.Path = path
		if r.URL.RawPath != "" {
			if raw, okRaw := trimPathPrefix(r.URL.RawPath, prefix); okRaw {
				r2.URL.RawPath = raw
			} else {
				r2.URL.RawPath = ""
			}
		}
		next.ServeHTTP(w, r2)
	})
}

func trimPathPrefix(path, prefix string) (string, bool) {
	if path == prefix {
		return "/", true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):], true
	}
	return "", false
}
