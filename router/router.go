package router

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/wweir/fwdproxy/pkg/mem"
)

// Router dials origin servers. Host names are resolved through the system
// resolver, or through a dedicated DNS server with a local cache if one is set.
type Router struct {
	DialTimeout time.Duration

	dialer net.Dialer
	dns    struct {
		server string
		cache  *mem.Cache
	}
}

// NewRouter creates a router. dnsServer is "ip[:port]" and may be empty.
func NewRouter(dnsServer string, cacheTTL, dialTimeout time.Duration) (*Router, error) {
	r := &Router{DialTimeout: dialTimeout}
	if dnsServer == "" {
		return r, nil
	}

	host, port, err := ParseHostPort(dnsServer, 53)
	if err != nil {
		return nil, errors.Wrapf(err, "dns server %s", dnsServer)
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}

	r.dns.server = net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))
	r.dns.cache = mem.New(cacheTTL)
	log.Debug().
		Str("dns", r.dns.server).
		Dur("ttl", cacheTTL).
		Msg("upstream dns resolver enabled")
	return r, nil
}

// Dial connects to host:port, trying every resolved address in turn.
func (r *Router) Dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	if host == "" || port == 0 {
		return nil, errors.Errorf("invalid addr(%s:%d)", host, port)
	}

	if r.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.DialTimeout)
		defer cancel()
	}

	addrs, err := r.LookupHost(host)
	if err != nil {
		return nil, err
	} else if len(addrs) == 0 {
		return nil, errors.Errorf("no address for %s", host)
	}

	p := strconv.FormatUint(uint64(port), 10)
	for _, addr := range addrs {
		var conn net.Conn
		if conn, err = r.dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, p)); err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	// the origin may have moved, ask the dns server again next time
	r.forget(host)
	return nil, errors.Wrapf(err, "dial %s:%d", host, port)
}

// LookupHost returns the addresses to dial for host. Without a dedicated DNS
// server, or for IP literals, host is returned as is for the dialer to resolve.
func (r *Router) LookupHost(host string) ([]string, error) {
	if r.dns.server == "" || net.ParseIP(host) != nil {
		return []string{host}, nil
	}

	addrs := &hostAddrs{}
	if err := r.dns.cache.Remember(addrs, r.dns.server+"|"+host); err != nil {
		return nil, err
	}
	return addrs.IPs, nil
}

func (r *Router) forget(host string) {
	if r.dns.cache != nil {
		r.dns.cache.Delete(&hostAddrs{}, r.dns.server+"|"+host)
	}
}

func (r *Router) Close() {
	if r.dns.cache != nil {
		r.dns.cache.Stop()
	}
}
