package http

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// NoLengthPolicy decides what a request without content-length means.
type NoLengthPolicy uint8

const (
	// NoLengthEmpty completes the request at the header boundary without a
	// body, whatever the method.
	NoLengthEmpty NoLengthPolicy = iota
	// NoLengthReject fails POST, PUT and PATCH requests that carry no
	// content-length with ErrLengthRequired instead of dropping their body.
	NoLengthReject
)

func ParseNoLengthPolicy(s string) (NoLengthPolicy, error) {
	switch strings.ToLower(s) {
	case "", "empty":
		return NoLengthEmpty, nil
	case "reject":
		return NoLengthReject, nil
	default:
		return 0, errors.Errorf("unknown request no-length policy: %s", s)
	}
}

// Parser frames one message out of the bytes received so far. It keeps no
// state between calls: every Parse starts over from the beginning of buf, so
// the outcome only depends on the accumulated bytes, not on how they arrived.
type Parser struct {
	RequestNoLength NoLengthPolicy
}

// Parse parses buf with the default policies.
func Parse(buf []byte, closed bool) (*Message, error) {
	return (&Parser{}).Parse(buf, closed)
}

// Parse tries to frame a message out of buf. closed tells the parser that the
// peer will not send any more bytes, which completes a response framed by
// connection close.
//
// It returns ErrIncomplete when more bytes are needed and an error wrapping
// ErrMalformed on structural violations. The returned message owns its body.
func (p *Parser) Parse(buf []byte, closed bool) (*Message, error) {
	line, rest, ok := ReadLine(buf)
	if !ok {
		return nil, ErrIncomplete
	}

	msg, err := parseStartLine(line)
	if err != nil {
		return nil, err
	}

	for {
		if line, rest, ok = ReadLine(rest); !ok {
			return nil, ErrIncomplete
		}
		if line == "" {
			break
		}

		name, value, found := strings.Cut(line, ":")
		value = strings.TrimSpace(value)
		if !found || !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, errors.Wrapf(ErrMalformed, "header line %q", line)
		}
		msg.Header.Set(name, value)
	}

	length, hasLength, err := msg.ContentLength()
	if err != nil {
		return nil, err
	}

	switch {
	case hasLength:
		if int64(len(rest)) < length {
			return nil, ErrIncomplete
		}
		msg.Body = append([]byte{}, rest[:length]...)

	case msg.Kind == KindRequest:
		if p.RequestNoLength == NoLengthReject && carriesBody(msg.Method()) {
			return nil, errors.Wrapf(ErrLengthRequired, "%s %s", msg.Method(), msg.Target())
		}

	default: // response delimited by connection close
		if !closed {
			return nil, ErrIncomplete
		}
		msg.Body = append([]byte{}, rest...)
	}

	return msg, nil
}

func parseStartLine(line string) (*Message, error) {
	tokens := strings.SplitN(line, " ", 3)
	if len(tokens) < 3 || tokens[0] == "" || tokens[1] == "" {
		return nil, errors.Wrapf(ErrMalformed, "start line %q", line)
	}

	msg := &Message{Kind: KindRequest}
	if isDigits(tokens[1]) {
		msg.Kind = KindResponse
	}
	copy(msg.StartLine[:], tokens)
	return msg, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

func carriesBody(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH":
		return true
	default:
		return false
	}
}
