package proxy

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/wweir/fwdproxy/internal/http"
	"github.com/wweir/fwdproxy/pkg/deferlog"
	"github.com/wweir/fwdproxy/pkg/metrics"
	"github.com/wweir/fwdproxy/pkg/teeconn"
)

// Dialer opens connections to origin servers.
type Dialer interface {
	Dial(ctx context.Context, host string, port uint16) (net.Conn, error)
}

// Server forwards one request/response exchange per accepted connection.
// Sessions share nothing but the configuration below, which must not change
// once Serve is running.
type Server struct {
	Dialer     Dialer
	Parser     http.Parser
	Serializer http.Serializer
	AccessLog  AccessLogger
	LookupPort http.PortLookup

	// ReadTimeout is the idle deadline of every read and write.
	ReadTimeout time.Duration
	// ReadSize bounds a single socket read.
	ReadSize int
	// MaxMessageBytes caps each buffered message, unlimited if not positive.
	MaxMessageBytes int
	// BadGateway answers 502 to the client when the origin is unreachable.
	BadGateway bool
}

// Serve accepts connections until ctx is done or ln fails, running every
// session in its own goroutine. It returns once all sessions have finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) (err error) {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer func() {
		deferlog.InfoWarn(err).
			Str("addr", ln.Addr().String()).
			Msg("forward proxy stopped")
	}()

	log.Info().
		Str("addr", ln.Addr().String()).
		Msg("forward proxy listening")

	wg := sync.WaitGroup{}
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Warn().Err(err).Msg("accept")
				continue
			}
			return errors.Wrap(err, "accept")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Handle(ctx, conn)
		}()
	}
}

// Handle serves a single exchange on conn and closes it.
func (s *Server) Handle(ctx context.Context, conn net.Conn) (err error) {
	start := time.Now()
	sess := &session{
		Server: s,
		id:     uuid.NewString(),
		client: s.cursor(conn),
	}

	metrics.ActiveSessions.Inc()
	defer func() {
		metrics.ActiveSessions.Dec()
		metrics.SessionsTotal.WithLabelValues(resultLabel(err)).Inc()
		metrics.SessionDurationSeconds.Observe(time.Since(start).Seconds())

		deferlog.DebugWarn(err).
			Str("session", sess.id).
			Stringer("client", conn.RemoteAddr()).
			Str("target", sess.target.String()).
			Dur("spend", time.Since(start)).
			Msg("serve http")
	}()

	return sess.run(ctx)
}

func (s *Server) cursor(conn net.Conn) *teeconn.Conn {
	return teeconn.New(conn, s.ReadSize, s.MaxMessageBytes, s.ReadTimeout)
}

type session struct {
	*Server
	id     string
	client *teeconn.Conn
	target http.Target
}

func (s *session) run(ctx context.Context) error {
	defer s.client.Close()
	stop := context.AfterFunc(ctx, func() { s.client.Close() })
	defer stop()

	req, err := s.readMessage(s.client, http.KindRequest)
	if err != nil {
		return errors.WithMessage(err, "read request")
	}

	if s.target, err = http.ResolveRequest(req, s.LookupPort); err != nil {
		return errors.Wrapf(ErrUnresolvedTarget, "%s: %v", req.Target(), err)
	}

	out, err := s.Serializer.Marshal(req)
	if err != nil {
		return errors.WithMessage(err, "serialize request")
	}

	dialStart := time.Now()
	rc, err := s.Dialer.Dial(ctx, s.target.Host, s.target.Port)
	if err != nil {
		metrics.UpstreamDialSeconds.WithLabelValues("failure").Observe(time.Since(dialStart).Seconds())
		if s.BadGateway {
			s.badGateway(req)
		}
		return errors.Wrapf(ErrUpstreamConnect, "%s: %v", s.target, err)
	}
	metrics.UpstreamDialSeconds.WithLabelValues("success").Observe(time.Since(dialStart).Seconds())

	upstream := s.cursor(rc)
	defer upstream.Close()
	stopUpstream := context.AfterFunc(ctx, func() { upstream.Close() })
	defer stopUpstream()

	if err := s.write(upstream, out, "upstream"); err != nil {
		return errors.WithMessage(err, "forward request")
	}

	resp, err := s.readMessage(upstream, http.KindResponse)
	if err != nil {
		return errors.WithMessage(err, "read response")
	}

	if out, err = s.Serializer.Marshal(resp); err != nil {
		return errors.WithMessage(err, "serialize response")
	}

	s.logAccess(req, resp)
	if err := s.write(s.client, out, "downstream"); err != nil {
		return errors.WithMessage(err, "forward response")
	}
	return nil
}

// readMessage fills c until the parser frames a message of the wanted kind.
func (s *session) readMessage(c *teeconn.Conn, kind http.Kind) (*http.Message, error) {
	for {
		n, rerr := c.Fill()
		if rerr != nil && rerr != io.EOF {
			if errors.Is(rerr, teeconn.ErrBufferFull) {
				return nil, errors.Wrapf(ErrMessageTooLarge, "%s over %d bytes", kind, c.Len())
			}
			return nil, errors.Wrapf(rerr, "read %s", kind)
		}
		if n == 0 && rerr == nil {
			continue
		}

		msg, err := s.Parser.Parse(c.Bytes(), c.EOF())
		switch {
		case err == nil:
			if msg.Kind != kind {
				return nil, errors.Wrapf(ErrUnexpectedKind, "want %s, got %s", kind, msg.Kind)
			}
			return msg, nil

		case err != http.ErrIncomplete:
			return nil, err

		case c.EOF():
			return nil, errors.Wrapf(ErrPeerClosed, "%s after %d bytes", kind, c.Len())
		}
	}
}

func (s *session) write(c net.Conn, b []byte, direction string) error {
	if s.ReadTimeout > 0 {
		if err := c.SetWriteDeadline(time.Now().Add(s.ReadTimeout)); err != nil {
			return err
		}
	}

	n, err := c.Write(b)
	metrics.ForwardedBytesTotal.WithLabelValues(direction).Add(float64(n))
	return err
}

func (s *session) logAccess(req, resp *http.Message) {
	if s.AccessLog == nil {
		return
	}
	s.AccessLog.Log(newAccessLogRecord(s.client.RemoteAddr(), time.Now(), req, resp))
}

// badGateway tells the client the origin could not be reached.
func (s *session) badGateway(req *http.Message) {
	body := []byte("502 Bad Gateway: " + s.target.String() + "\n")
	resp := &http.Message{
		Kind:      http.KindResponse,
		StartLine: [3]string{http.Version10, "502", "Bad Gateway"},
		Body:      body,
	}
	resp.Header.Set("content-type", "text/plain")
	resp.Header.Set("content-length", strconv.Itoa(len(body)))
	resp.Header.Set("connection", "close")

	out, err := s.Serializer.Marshal(resp)
	if err != nil {
		return
	}
	s.logAccess(req, resp)
	if err := s.write(s.client, out, "downstream"); err != nil {
		log.Debug().Err(err).
			Str("session", s.id).
			Msg("write bad gateway")
	}
}
