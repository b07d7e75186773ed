package http

import (
	"bytes"

	"golang.org/x/text/encoding/charmap"
)

// ReadLine cuts the first line feed terminated line out of buf.
//
// The line is returned without its trailing CR/LF, decoded one byte per
// character (ISO-8859-1), so arbitrary bytes never fail to decode. rest holds
// the bytes following the line feed and is nil when nothing follows.
// ok is false when buf does not contain a line feed yet, in which case rest is
// buf unchanged and the caller must wait for more data.
func ReadLine(buf []byte) (line string, rest []byte, ok bool) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return "", buf, false
	}

	line = decodeLatin1(bytes.TrimRight(buf[:idx+1], "\r\n"))
	if idx+1 < len(buf) {
		rest = buf[idx+1:]
	}
	return line, rest, true
}

func decodeLatin1(b []byte) string {
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil { // every byte has a mapping, kept for completeness
		return string(b)
	}
	return string(s)
}

func encodeLatin1(s string) ([]byte, error) {
	return charmap.ISO8859_1.NewEncoder().Bytes([]byte(s))
}
