package router

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseHostPort splits "host[:port]", falling back to defaultPort when the
// port is missing.
func ParseHostPort(hostport string, defaultPort uint16) (string, uint16, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		if !strings.Contains(err.Error(), "missing port") {
			return "", 0, err
		}
		host, port = strings.Trim(hostport, "[]"), ""
	}
	if host == "" {
		return "", 0, errors.Errorf("empty host in %q", hostport)
	}
	if port == "" {
		return host, defaultPort, nil
	}

	portInt, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(portInt), nil
}
