package proxy

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/wweir/fwdproxy/internal/http"
	"github.com/wweir/fwdproxy/router"
)

// startOrigin answers every request with response. With keepOpen the
// connection stays open after the response, so only content-length can
// complete it.
func startOrigin(t *testing.T, response string, keepOpen bool) (string, <-chan string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	got := make(chan string, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go func(conn net.Conn) {
				defer conn.Close()

				var buf []byte
				b := make([]byte, 512)
				for {
					n, err := conn.Read(b)
					buf = append(buf, b[:n]...)
					if _, perr := http.Parse(buf, false); perr != http.ErrIncomplete || err != nil {
						break
					}
				}
				got <- string(buf)

				conn.Write([]byte(response))
				if keepOpen {
					io.Copy(io.Discard, conn)
				}
			}(conn)
		}
	}()

	return ln.Addr().String(), got
}

type records struct {
	sync.Mutex
	list []AccessLogRecord
}

func (r *records) Log(rec AccessLogRecord) {
	r.Lock()
	defer r.Unlock()
	r.list = append(r.list, rec)
}

func (r *records) get() []AccessLogRecord {
	r.Lock()
	defer r.Unlock()
	return append([]AccessLogRecord(nil), r.list...)
}

func newServer(t *testing.T, logs AccessLogger) *Server {
	t.Helper()
	r, err := router.NewRouter("", 0, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	return &Server{
		Dialer:      r,
		AccessLog:   logs,
		ReadTimeout: 5 * time.Second,
		ReadSize:    64,
	}
}

func startProxy(t *testing.T, s *Server) (string, context.CancelFunc, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(cancel)

	return ln.Addr().String(), cancel, done
}

// roundTrip sends request in small chunks and reads until the proxy closes.
// It may run outside the test goroutine, so failures are reported with Error.
func roundTrip(t *testing.T, proxyAddr, request string) string {
	t.Helper()

	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Error(err)
		return ""
	}
	defer conn.Close()

	for i := 0; i < len(request); i += 7 {
		end := min(i+7, len(request))
		if _, err := conn.Write([]byte(request[i:end])); err != nil {
			t.Error(err)
			return ""
		}
		time.Sleep(time.Millisecond)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Error(err)
	}
	return string(resp)
}

func TestForwardContentLength(t *testing.T) {
	origin, got := startOrigin(t,
		"HTTP/1.1 200 OK\r\nContent-Length: 5\r\nReferer: http://ref.test/\r\n\r\nhello", true)

	logs := &records{}
	proxyAddr, _, _ := startProxy(t, newServer(t, logs))

	resp := roundTrip(t, proxyAddr,
		"GET http://"+origin+"/path HTTP/1.1\r\nHost: "+origin+"\r\nUser-Agent: test/1\r\n\r\n")

	if want := "HTTP/1.0 200 OK\r\ncontent-length: 5\r\nreferer: http://ref.test/\r\n\r\nhello"; resp != want {
		t.Errorf("client got %q, want %q", resp, want)
	}

	req := <-got
	if want := "GET http://" + origin + "/path HTTP/1.0\r\nhost: " + origin + "\r\nuser-agent: test/1\r\n\r\n"; req != want {
		t.Errorf("origin got %q, want %q", req, want)
	}

	recs := logs.get()
	if len(recs) != 1 {
		t.Fatalf("want one access log record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.ClientAddr != "127.0.0.1" || rec.RequestLine != "GET http://"+origin+"/path HTTP/1.1" ||
		rec.ResponseTarget != "200" || rec.ContentLength != "5" ||
		rec.Referer != "http://ref.test/" || rec.UserAgent != "test/1" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestForwardUntilClose(t *testing.T) {
	origin, got := startOrigin(t, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nall of it", false)

	logs := &records{}
	proxyAddr, _, _ := startProxy(t, newServer(t, logs))

	body := `{"k":"v"}`
	resp := roundTrip(t, proxyAddr,
		"POST /submit HTTP/1.1\r\nHost: "+origin+"\r\nContent-Length: 9\r\n\r\n"+body)

	if want := "HTTP/1.0 200 OK\r\ncontent-type: text/plain\r\n\r\nall of it"; resp != want {
		t.Errorf("client got %q, want %q", resp, want)
	}
	if req := <-got; !strings.HasPrefix(req, "POST /submit HTTP/1.0\r\n") || !strings.HasSuffix(req, "\r\n\r\n"+body) {
		t.Errorf("origin got %q", req)
	}

	recs := logs.get()
	if len(recs) != 1 || recs[0].ContentLength != "0" || recs[0].Referer != "-" || recs[0].UserAgent != "-" {
		t.Errorf("unexpected records: %+v", recs)
	}
}

func TestConcurrentSessions(t *testing.T) {
	origin, _ := startOrigin(t, "HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n", true)
	proxyAddr, cancel, done := startProxy(t, newServer(t, nil))

	// a client that never finishes its request must not hold up others
	stalled, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer stalled.Close()
	stalled.Write([]byte("GET http://" + origin + "/ HTTP/1.1\r\n"))

	wg := sync.WaitGroup{}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := roundTrip(t, proxyAddr, "GET http://"+origin+"/ HTTP/1.1\r\n\r\n")
			if resp != "HTTP/1.0 204 No Content\r\ncontent-length: 0\r\n\r\n" {
				t.Errorf("got %q", resp)
			}
		}()
	}
	wg.Wait()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server *net.TCPConn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		accepted <- conn
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	peer := <-accepted
	if peer == nil {
		t.Fatal("accept failed")
	}
	return conn.(*net.TCPConn), peer.(*net.TCPConn)
}

// handle runs one session over loopback TCP, writing input from the client
// side. With closeClient the client half-closes after input, like a peer
// that gives up mid message.
func handle(t *testing.T, s *Server, input string, closeClient bool) (string, error) {
	t.Helper()
	client, server := tcpPair(t)
	defer client.Close()

	go func() {
		client.Write([]byte(input))
		if closeClient {
			client.CloseWrite()
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Handle(context.Background(), server) }()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	out, _ := io.ReadAll(client)
	return string(out), <-errCh
}

type dialFunc func(ctx context.Context, host string, port uint16) (net.Conn, error)

func (f dialFunc) Dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	return f(ctx, host, port)
}

func failingDialer(t *testing.T, called *bool) Dialer {
	return dialFunc(func(ctx context.Context, host string, port uint16) (net.Conn, error) {
		*called = true
		return nil, errors.New("connection refused")
	})
}

func TestSessionAborts(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		close   bool
		want    error
		dialled bool
	}{
		{"malformed start line", "GET /\r\n\r\n", false, http.ErrMalformed, false},
		{"malformed header", "GET http://a/ HTTP/1.1\r\nbroken\r\n\r\n", false, http.ErrMalformed, false},
		{"control character in header", "GET http://a/ HTTP/1.1\r\nX-Ctl: a\x01b\r\n\r\n", false, http.ErrMalformed, false},
		{"response from client", "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", false, ErrUnexpectedKind, false},
		{"peer closed", "GET http://a/ HTTP/1.1\r\nHost: a", true, ErrPeerClosed, false},
		{"unresolved target", "GET http://a:99999/ HTTP/1.1\r\n\r\n", false, ErrUnresolvedTarget, false},
		{"unknown scheme", "GET nosuchscheme://a/ HTTP/1.1\r\n\r\n", false, ErrUnresolvedTarget, false},
		{"upstream connect", "GET http://a/ HTTP/1.1\r\n\r\n", false, ErrUpstreamConnect, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dialled bool
			logs := &records{}
			s := &Server{Dialer: failingDialer(t, &dialled), AccessLog: logs, ReadTimeout: time.Second}

			out, err := handle(t, s, tt.input, tt.close)
			if !errors.Is(err, tt.want) {
				t.Errorf("want %v, got %v", tt.want, err)
			}
			if out != "" {
				t.Errorf("no response expected, got %q", out)
			}
			if dialled != tt.dialled {
				t.Errorf("dialled: %v", dialled)
			}
			if len(logs.get()) != 0 {
				t.Errorf("unexpected access log: %+v", logs.get())
			}
		})
	}
}

func TestSessionBadGateway(t *testing.T) {
	var dialled bool
	logs := &records{}
	s := &Server{Dialer: failingDialer(t, &dialled), AccessLog: logs, BadGateway: true}

	out, err := handle(t, s, "GET http://origin.test/ HTTP/1.1\r\nUser-Agent: ua\r\n\r\n", false)
	if !errors.Is(err, ErrUpstreamConnect) {
		t.Errorf("want upstream connect failure, got %v", err)
	}
	if !strings.HasPrefix(out, "HTTP/1.0 502 Bad Gateway\r\n") || !strings.HasSuffix(out, "origin.test:80\n") {
		t.Errorf("got %q", out)
	}
	if recs := logs.get(); len(recs) != 1 || recs[0].ResponseTarget != "502" || recs[0].UserAgent != "ua" {
		t.Errorf("unexpected records: %+v", recs)
	}
}

func TestSessionLengthRequired(t *testing.T) {
	var dialled bool
	s := &Server{Dialer: failingDialer(t, &dialled), Parser: http.Parser{RequestNoLength: http.NoLengthReject}}

	_, err := handle(t, s, "POST http://a/ HTTP/1.1\r\n\r\nbody", false)
	if !errors.Is(err, http.ErrLengthRequired) || dialled {
		t.Errorf("got %v, dialled %v", err, dialled)
	}
}

func TestSessionTooLarge(t *testing.T) {
	var dialled bool
	s := &Server{Dialer: failingDialer(t, &dialled), MaxMessageBytes: 32, ReadSize: 8}

	_, err := handle(t, s, "GET http://a/ HTTP/1.1\r\nX-Padding: "+strings.Repeat("x", 64)+"\r\n\r\n", false)
	if !errors.Is(err, ErrMessageTooLarge) || resultLabel(err) != "too_large" {
		t.Errorf("got %v", err)
	}
}

func TestSessionReadTimeout(t *testing.T) {
	var dialled bool
	s := &Server{Dialer: failingDialer(t, &dialled), ReadTimeout: 50 * time.Millisecond}

	_, err := handle(t, s, "GET http://a/", false)
	if resultLabel(err) != "timeout" {
		t.Errorf("want timeout, got %v", err)
	}
}

func TestSessionUpstreamClosedEarly(t *testing.T) {
	origin, _ := startOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nshort", false)
	s := newServer(t, nil)

	_, err := handle(t, s, "GET http://"+origin+"/ HTTP/1.1\r\n\r\n", false)
	if !errors.Is(err, ErrPeerClosed) {
		t.Errorf("want peer closed, got %v", err)
	}
}

func TestSessionCancel(t *testing.T) {
	var dialled bool
	s := &Server{Dialer: failingDialer(t, &dialled)}

	client, server := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Handle(ctx, server) }()

	client.Write([]byte("GET http://a/ HTTP/1.1\r\n"))
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("want error after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session ignored cancel")
	}
}

func TestResultLabel(t *testing.T) {
	tests := map[string]error{
		"ok":               nil,
		"malformed":        errors.Wrap(http.ErrMalformed, "x"),
		"peer_closed":      errors.WithMessage(ErrPeerClosed, "x"),
		"unresolved":       ErrUnresolvedTarget,
		"upstream_connect": ErrUpstreamConnect,
		"too_large":        ErrMessageTooLarge,
		"io":               io.ErrUnexpectedEOF,
	}
	for want, err := range tests {
		if got := resultLabel(err); got != want {
			t.Errorf("%v: got %s, want %s", err, got, want)
		}
	}
}
