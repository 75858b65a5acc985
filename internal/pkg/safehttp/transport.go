// Package safehttp builds HTTP clients for calls to third-party services.
// They refuse to connect to loopback, private or link-local addresses.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

func dialPublic(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	ip := net.ParseIP(host)
	if ip == nil {
		conn.Close()
		return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		conn.Close()
		return nil, fmt.Errorf("access to private IP %s is denied", ip)
	}
	return conn, nil
}

// NewTransport returns a transport that only reaches public addresses.
func NewTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = dialPublic
	t.Proxy = nil
	return t
}

// NewClient returns a client on NewTransport with the given timeout.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Transport: NewTransport(), Timeout: timeout}
}
