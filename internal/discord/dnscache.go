package discord

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const defaultDNSRefresh = 5 * time.Minute

// Resolver caches platform host lookups. The platform API is a handful of
// hostnames hit on every reconciliation, so repeated lookups are pure overhead.
type Resolver struct {
	cache   *dnscache.Resolver
	refresh time.Duration
}

// NewResolver creates a cached resolver refreshed every refresh interval.
func NewResolver(refresh time.Duration) *Resolver {
	if refresh <= 0 {
		refresh = defaultDNSRefresh
	}
	return &Resolver{
		cache:   &dnscache.Resolver{},
		refresh: refresh,
	}
}

// Run refreshes the cache until ctx is cancelled, dropping entries that were
// not used since the previous refresh.
func (r *Resolver) Run(ctx context.Context) {
	ticker := time.NewTicker(r.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cache.Refresh(true)
			log.Debug().Dur("ttl", r.refresh).Msg("DNS cache refreshed")
		}
	}
}

// DialContext dials address after resolving its host through the cache.
func (r *Resolver) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := r.cache.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// NewHTTPClient returns an HTTP client dialing through r.
func NewHTTPClient(r *Resolver, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = r.DialContext
	transport.MaxIdleConnsPerHost = 16
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
