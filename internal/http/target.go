package http

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrUnknownScheme = errors.New("unknown scheme")
	ErrInvalidTarget = errors.New("invalid target")
)

const defaultPort = 80

// Target is the origin server address a request is forwarded to.
type Target struct {
	Host string
	Port uint16
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.FormatUint(uint64(t.Port), 10))
}

// PortLookup maps a URI scheme to its well-known port.
type PortLookup func(scheme string) (uint16, error)

var wellKnownPorts = map[string]uint16{
	"http":  80,
	"https": 443,
	"ws":    80,
	"wss":   443,
}

// LookupPort resolves a scheme through a small builtin table first, then the
// system services database.
func LookupPort(scheme string) (uint16, error) {
	scheme = strings.ToLower(scheme)
	if port, ok := wellKnownPorts[scheme]; ok {
		return port, nil
	}

	port, err := net.LookupPort("tcp", scheme)
	if err != nil || port <= 0 || port > 65535 {
		return 0, errors.Wrapf(ErrUnknownScheme, "scheme %q", scheme)
	}
	return uint16(port), nil
}

// ResolveTarget extracts the origin address from a request-target.
//
// An absolute URI ("http://host[:port]/path") yields its host, and its port or
// the scheme's well-known port. Anything else is taken as an authority,
// "host[:port]", defaulting to port 80.
func ResolveTarget(target string, lookup PortLookup) (Target, error) {
	if lookup == nil {
		lookup = LookupPort
	}

	if u, err := url.Parse(target); err == nil && u.Scheme != "" && u.Host != "" {
		host := u.Hostname()
		if host == "" {
			return Target{}, errors.Wrapf(ErrInvalidTarget, "no host in %q", target)
		}

		if p := u.Port(); p != "" {
			port, err := parsePort(p)
			if err != nil {
				return Target{}, errors.Wrapf(err, "target %q", target)
			}
			return Target{Host: host, Port: port}, nil
		}

		port, err := lookup(u.Scheme)
		if err != nil {
			return Target{}, err
		}
		return Target{Host: host, Port: port}, nil
	}

	return resolveAuthority(target)
}

// ResolveRequest resolves the target of a request. Origin-form targets
// ("/path") carry no authority, so the host header is used for them.
func ResolveRequest(msg *Message, lookup PortLookup) (Target, error) {
	target := msg.Target()
	if strings.HasPrefix(target, "/") {
		host, ok := msg.Header.Get("host")
		if !ok {
			return Target{}, errors.Wrapf(ErrInvalidTarget, "origin-form %q without host", target)
		}
		return resolveAuthority(host)
	}

	return ResolveTarget(target, lookup)
}

func resolveAuthority(authority string) (Target, error) {
	var host, port string
	if strings.HasPrefix(authority, "[") { // IPv6 literal
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return Target{}, errors.Wrapf(ErrInvalidTarget, "authority %q", authority)
		}
		host, port = authority[1:end], strings.TrimPrefix(authority[end+1:], ":")
		if port == "" && end+1 < len(authority) && authority[end+1] != ':' {
			return Target{}, errors.Wrapf(ErrInvalidTarget, "authority %q", authority)
		}
	} else {
		host, port, _ = strings.Cut(authority, ":")
	}

	if host == "" || strings.ContainsAny(host, "/ ") {
		return Target{}, errors.Wrapf(ErrInvalidTarget, "host in %q", authority)
	}
	if port == "" {
		return Target{Host: host, Port: defaultPort}, nil
	}

	p, err := parsePort(port)
	if err != nil {
		return Target{}, errors.Wrapf(err, "authority %q", authority)
	}
	return Target{Host: host, Port: p}, nil
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil || port == 0 {
		return 0, errors.Wrapf(ErrInvalidTarget, "port %q", s)
	}
	return uint16(port), nil
}
