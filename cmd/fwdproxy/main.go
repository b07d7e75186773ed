package main

import (
	"context"
	"net"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/wweir/fwdproxy/config"
	"github.com/wweir/fwdproxy/internal/http"
	"github.com/wweir/fwdproxy/pkg/deferlog"
	"github.com/wweir/fwdproxy/pkg/metrics"
	"github.com/wweir/fwdproxy/proxy"
	"github.com/wweir/fwdproxy/router"
	"golang.org/x/sync/errgroup"
)

var version, date string

func main() {
	conf, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("Load config")
	}
	if err := deferlog.SetLevel(conf.LogLevel); err != nil {
		log.Fatal().Err(err).Msg("Set log level")
	}

	log.Info().
		Str("version", version).
		Str("date", date).
		Interface("config", conf).
		Msg("Starting")

	r, err := router.NewRouter(conf.DNS.Upstream, conf.DNS.CacheTTL, conf.DialTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Init router")
	}
	defer r.Close()

	metrics.MustRegister(nil)

	srv := &proxy.Server{
		Dialer:          r,
		Parser:          http.Parser{RequestNoLength: conf.NoLengthPolicy()},
		Serializer:      http.Serializer{LegacyHTMLQuirk: conf.LegacyHTMLQuirk},
		AccessLog:       proxy.NewLineLogger(os.Stdout),
		LookupPort:      http.LookupPort,
		ReadTimeout:     conf.ReadTimeout,
		ReadSize:        conf.ReadSize,
		MaxMessageBytes: conf.MaxMessageBytes,
		BadGateway:      conf.BadGateway,
	}

	ln, err := net.Listen("tcp", conf.ListenAddr())
	if err != nil {
		log.Fatal().Err(err).Msg("listen port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Serve(ctx, ln)
	})
	if conf.Metrics.Addr != "" {
		eg.Go(func() error {
			return serveMetrics(ctx, conf.Metrics.Addr)
		})
	}

	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("proxy stopped")
		return
	}
	log.Info().Msg("proxy stopped")
}

func serveMetrics(ctx context.Context, addr string) (err error) {
	defer func() {
		deferlog.DebugError(err).
			Str("addr", addr).
			Msg("metrics stopped")
	}()

	mux := stdhttp.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &stdhttp.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics listening")
	if err = srv.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
		return errors.Wrap(err, "serve metrics")
	}
	return nil
}
