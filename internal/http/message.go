// Package http frames HTTP/1.x messages out of a cumulative byte buffer and
// serializes them back for forwarding.
package http

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Version10 is the protocol version every forwarded message is rewritten to.
const Version10 = "HTTP/1.0"

var (
	// ErrIncomplete means the buffer does not hold a whole message yet.
	// It is a control signal, not a failure.
	ErrIncomplete = errors.New("incomplete message")
	// ErrMalformed marks a structural violation in the start line or headers.
	ErrMalformed = errors.New("malformed message")
	// ErrLengthRequired is returned for body carrying requests without a
	// content-length when the parser is configured to reject them.
	ErrLengthRequired = errors.WithMessage(ErrMalformed, "length required")
)

type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// versionSlot is the start line token holding the protocol version:
// "METHOD TARGET VERSION" for requests, "VERSION CODE REASON" for responses.
func (k Kind) versionSlot() int {
	if k == KindResponse {
		return 0
	}
	return 2
}

// Header keeps lower-cased field names in first-seen order. Setting an
// existing name replaces its value in place.
type Header struct {
	names  []string
	values map[string]string
}

func (h *Header) Set(name, value string) {
	name = strings.ToLower(name)
	if h.values == nil {
		h.values = map[string]string{}
	}
	if _, ok := h.values[name]; !ok {
		h.names = append(h.names, name)
	}
	h.values[name] = value
}

func (h *Header) Get(name string) (string, bool) {
	v, ok := h.values[strings.ToLower(name)]
	return v, ok
}

// Value returns the field value, or def when the field is absent.
func (h *Header) Value(name, def string) string {
	if v, ok := h.Get(name); ok {
		return v
	}
	return def
}

func (h *Header) Len() int { return len(h.names) }

// Names returns a copy of the field names in order.
func (h *Header) Names() []string {
	return append([]string(nil), h.names...)
}

// Message is a fully framed HTTP message.
type Message struct {
	Kind Kind
	// StartLine is "method target version" for requests and
	// "version code reason" for responses.
	StartLine [3]string
	Header    Header
	// Body is nil when the message carries no body; an empty non-nil slice
	// is an empty body.
	Body []byte
}

func (m *Message) Method() string {
	if m.Kind != KindRequest {
		return ""
	}
	return m.StartLine[0]
}

// Target is the request-target of a request.
func (m *Message) Target() string {
	if m.Kind != KindRequest {
		return ""
	}
	return m.StartLine[1]
}

func (m *Message) StatusCode() string {
	if m.Kind != KindResponse {
		return ""
	}
	return m.StartLine[1]
}

func (m *Message) Reason() string {
	if m.Kind != KindResponse {
		return ""
	}
	return m.StartLine[2]
}

func (m *Message) Version() string {
	return m.StartLine[m.Kind.versionSlot()]
}

func (m *Message) HasBody() bool { return m.Body != nil }

// RequestLine joins the start line tokens as they were received.
func (m *Message) RequestLine() string {
	return strings.Join(m.StartLine[:], " ")
}

// ContentLength reports the content-length header. ok is false if the header
// is absent; a value that is not a non-negative integer is malformed.
func (m *Message) ContentLength() (n int64, ok bool, err error) {
	v, ok := m.Header.Get("content-length")
	if !ok {
		return 0, false, nil
	}

	n, err = strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, true, errors.Wrapf(ErrMalformed, "content-length %q", v)
	}
	return n, true, nil
}
