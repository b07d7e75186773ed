package proxy

import (
	"net"

	"github.com/pkg/errors"
	"github.com/wweir/fwdproxy/internal/http"
	"github.com/wweir/fwdproxy/pkg/teeconn"
)

// Session failures. Each aborts its own session only.
var (
	ErrPeerClosed       = errors.New("peer closed before a complete message")
	ErrUnresolvedTarget = errors.New("unresolved target")
	ErrUpstreamConnect  = errors.New("upstream connect failure")
	ErrMessageTooLarge  = errors.New("message too large")
	ErrUnexpectedKind   = errors.WithMessage(http.ErrMalformed, "unexpected message kind")
)

// resultLabel names the outcome of a session for metrics.
func resultLabel(err error) string {
	var ne net.Error
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, http.ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrPeerClosed):
		return "peer_closed"
	case errors.Is(err, ErrUnresolvedTarget):
		return "unresolved"
	case errors.Is(err, ErrUpstreamConnect):
		return "upstream_connect"
	case errors.Is(err, ErrMessageTooLarge), errors.Is(err, teeconn.ErrBufferFull):
		return "too_large"
	case errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	default:
		return "io"
	}
}
