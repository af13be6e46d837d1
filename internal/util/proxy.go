package util

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// DefaultDialTimeout bounds TCP connection setup for outbound provider calls.
const DefaultDialTimeout = 5 * time.Second

// NewHTTPClient builds the client used for every outbound call to the identity
// provider. A zero timeout leaves the client unbounded; callers should pass the
// configured request timeout.
func NewHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: DefaultDialTimeout, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = DefaultDialTimeout
	client := &http.Client{Transport: transport, Timeout: timeout}
	return SetProxy(proxyURL, client)
}

// SetProxy configures the provided HTTP client to route through proxyURL.
// It supports SOCKS5, HTTP, and HTTPS proxies. An empty or unparsable URL
// leaves the client untouched.
func SetProxy(proxyURL string, httpClient *http.Client) *http.Client {
	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL == "" {
		return httpClient
	}
	var transport *http.Transport
	parsed, errParse := url.Parse(proxyURL)
	if errParse != nil {
		log.Errorf("parse proxy url failed: %v", errParse)
		return httpClient
	}
	switch parsed.Scheme {
	case "socks5":
		var proxyAuth *proxy.Auth
		if parsed.User != nil {
			username := parsed.User.Username()
			password, _ := parsed.User.Password()
			proxyAuth = &proxy.Auth{User: username, Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, proxyAuth, &net.Dialer{Timeout: DefaultDialTimeout})
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return httpClient
		}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
			TLSHandshakeTimeout: DefaultDialTimeout,
		}
	case "http", "https":
		transport = &http.Transport{Proxy: http.ProxyURL(parsed), TLSHandshakeTimeout: DefaultDialTimeout}
	default:
		log.Warnf("unsupported proxy scheme %q, ignoring proxy", parsed.Scheme)
	}
	if transport != nil {
		httpClient.Transport = transport
	}
	return httpClient
}
