package util

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ipLookupTimeout bounds each public address lookup.
const ipLookupTimeout = 2 * time.Second

// ipServices answer a GET with the caller's public address as plain text.
var ipServices = []string{
	"https://api.ipify.org",
	"https://icanhazip.com",
}

// PublicIP asks the address services through client, which should be the
// configured outbound client so proxies apply.
func PublicIP(ctx context.Context, client *http.Client) (string, error) {
	if client == nil {
		return "", errors.New("no http client for public address lookup")
	}
	var lastErr error
	for _, service := range ipServices {
		ip, err := lookupIP(ctx, client, service)
		if err == nil {
			return ip, nil
		}
		log.WithField("service", service).Debugf("public address lookup failed: %v", err)
		lastErr = err
	}
	return "", fmt.Errorf("public address lookup: %w", lastErr)
}

func lookupIP(ctx context.Context, client *http.Client, service string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ipLookupTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		return "", errors.New("response is not an IP address")
	}
	return ip.String(), nil
}

// outboundIP is the local address the kernel picks for outbound traffic. The
// UDP dial sends nothing.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", errors.New("unexpected local address type")
	}
	return addr.IP.String(), nil
}

// TunnelHost picks the address a remote user should tunnel to: the public
// address, else the outbound one, else a placeholder.
func TunnelHost(ctx context.Context, client *http.Client) string {
	if ip, err := PublicIP(ctx, client); err == nil {
		return ip
	}
	if ip, err := outboundIP(); err == nil {
		return ip
	}
	return "<server-address>"
}

// PrintSSHTunnelInstructions writes the ssh command that forwards the local
// OAuth callback port from the user's machine to this one.
func PrintSSHTunnelInstructions(ctx context.Context, client *http.Client, out io.Writer, port int) {
	host := TunnelHost(ctx, client)
	_, _ = fmt.Fprintf(out, "If the browser runs on another machine, forward the callback port first:\n\n")
	_, _ = fmt.Fprintf(out, "  ssh -L %d:127.0.0.1:%d <user>@%s\n\n", port, port, host)
	_, _ = fmt.Fprintf(out, "Add -p <port> or -i <key> as your SSH setup requires.\n\n")
}
