package proxy

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/wweir/fwdproxy/internal/http"
)

const accessLogTime = "02/Jan/2006:15:04:05"

// AccessLogRecord describes one completed exchange.
type AccessLogRecord struct {
	ClientAddr  string
	Time        time.Time
	RequestLine string
	// ResponseTarget is the second start line token of the response,
	// its status code.
	ResponseTarget string
	ContentLength  string
	Referer        string
	UserAgent      string
}

// newAccessLogRecord takes the request line as the client sent it, so the
// logged version is the client's (HTTP/1.1), not the HTTP/1.0 forwarded
// upstream.
func newAccessLogRecord(client net.Addr, at time.Time, req, resp *http.Message) AccessLogRecord {
	addr := "-"
	if client != nil {
		addr = client.String()
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
	}

	return AccessLogRecord{
		ClientAddr:     addr,
		Time:           at,
		RequestLine:    req.RequestLine(),
		ResponseTarget: resp.StartLine[1],
		ContentLength:  resp.Header.Value("content-length", "0"),
		Referer:        resp.Header.Value("referer", "-"),
		UserAgent:      req.Header.Value("user-agent", "-"),
	}
}

// String renders the record as
// addr [dd/Mon/yyyy:HH:MM:SS] "request line" status length "referer" "agent"
func (r AccessLogRecord) String() string {
	return fmt.Sprintf(`%s [%s] "%s" %s %s "%s" "%s"`,
		r.ClientAddr, r.Time.Format(accessLogTime), r.RequestLine,
		r.ResponseTarget, r.ContentLength, r.Referer, r.UserAgent)
}

// AccessLogger receives one record per completed exchange.
type AccessLogger interface {
	Log(AccessLogRecord)
}

// LineLogger writes records one per line. Safe for concurrent sessions.
type LineLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLineLogger(w io.Writer) *LineLogger {
	return &LineLogger{w: w}
}

func (l *LineLogger) Log(r AccessLogRecord) {
	line := r.String() + "\n"

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.w, line)
}
