package webread

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrBlockedURL     = errors.New("url is not allowed")
	errInvalidScheme  = fmt.Errorf("%w: unsupported scheme", ErrBlockedURL)
	errBlockedHost    = fmt.Errorf("%w: private or local host", ErrBlockedURL)
	errBlockedPort    = fmt.Errorf("%w: port", ErrBlockedURL)
	errMissingURLHost = fmt.Errorf("%w: host is required", ErrBlockedURL)
)

// CheckURL accepts only public http(s) URLs on the default ports.
func CheckURL(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errInvalidScheme
	}
	hostname := strings.ToLower(strings.TrimSpace(parsed.Hostname()))
	if hostname == "" {
		return nil, errMissingURLHost
	}
	if blockedHostname(hostname) {
		return nil, errBlockedHost
	}
	if port := strings.TrimSpace(parsed.Port()); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || (n != 80 && n != 443) {
			return nil, errBlockedPort
		}
	}
	return parsed, nil
}

func blockedHostname(hostname string) bool {
	switch {
	case hostname == "localhost",
		strings.HasSuffix(hostname, ".localhost"),
		strings.HasSuffix(hostname, ".local"),
		strings.HasSuffix(hostname, ".internal"):
		return true
	}
	if ip, err := netip.ParseAddr(hostname); err == nil {
		return privateAddr(ip)
	}
	return false
}

func privateAddr(ip netip.Addr) bool {
	if !ip.IsValid() {
		return true
	}
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsInterfaceLocalMulticast() {
		return true
	}
	return false
}

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type lookupFunc func(ctx context.Context, network, host string) ([]net.IP, error)

// guardedDial resolves the host itself, refuses to connect when any address
// is private, and then dials the vetted addresses directly so a second
// lookup cannot swap in a private one.
func guardedDial(dial dialFunc, lookup lookupFunc) dialFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBlockedURL, err)
		}
		host = strings.TrimSpace(host)
		if host == "" {
			return nil, errMissingURLHost
		}
		if blockedHostname(host) {
			return nil, errBlockedHost
		}

		ips, err := lookup(ctx, "ip", host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no addresses for host %q", host)
		}
		vetted := make([]netip.Addr, 0, len(ips))
		for _, ip := range ips {
			addr, ok := netip.AddrFromSlice(ip)
			if !ok || privateAddr(addr) {
				return nil, errBlockedHost
			}
			vetted = append(vetted, addr.Unmap())
		}

		var lastErr error
		for _, addr := range vetted {
			conn, err := dial(ctx, network, net.JoinHostPort(addr.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}
