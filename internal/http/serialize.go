package http

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

const crlf = "\r\n"

// Serializer turns a parsed message back into wire bytes, downgrading its
// protocol version to HTTP/1.0.
type Serializer struct {
	// LegacyHTMLQuirk drops the blank line ending the header block of a
	// bodiless message whose content-type is exactly text/html. Only useful to
	// reproduce the byte output of older deployments.
	LegacyHTMLQuirk bool
}

// Marshal serializes msg with the default Serializer.
func Marshal(msg *Message) ([]byte, error) {
	return (&Serializer{}).Marshal(msg)
}

// Marshal does not modify msg.
func (s *Serializer) Marshal(msg *Message) ([]byte, error) {
	if msg.Kind != KindRequest && msg.Kind != KindResponse {
		return nil, errors.Wrapf(ErrMalformed, "serialize %s", msg.Kind)
	}

	start := msg.StartLine
	start[msg.Kind.versionSlot()] = Version10

	var buf bytes.Buffer
	buf.Grow(256 + len(msg.Body))
	if err := writeLatin1(&buf, strings.Join(start[:], " ")); err != nil {
		return nil, errors.Wrap(err, "start line")
	}

	for _, name := range msg.Header.names {
		value := msg.Header.values[name]
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, errors.Wrapf(ErrMalformed, "header %q", name)
		}
		if err := writeLatin1(&buf, name+": "+value); err != nil {
			return nil, errors.Wrapf(err, "header %q", name)
		}
	}

	switch {
	case msg.Body != nil:
		buf.WriteString(crlf)
		buf.Write(msg.Body)
	case s.LegacyHTMLQuirk && msg.Header.Value("content-type", "") == "text/html":
		// header block left open
	default:
		buf.WriteString(crlf)
	}

	return buf.Bytes(), nil
}

func writeLatin1(buf *bytes.Buffer, line string) error {
	b, err := encodeLatin1(line)
	if err != nil {
		return err
	}
	buf.Write(b)
	buf.WriteString(crlf)
	return nil
}
