package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/saldl-go/saldl/internal/params"
	"github.com/saldl-go/saldl/internal/session"
	"github.com/saldl-go/saldl/internal/status"
	"github.com/saldl-go/saldl/internal/transport"
)

// newLogger builds the root logrus.Logger, mapping --verbosity onto
// logrus levels and colorizing output only when stderr is a tty, per
// SPEC_FULL.md §10.1/§12.
func newLogger(opts *params.Options) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		ForceColors:   isatty.IsTerminal(os.Stderr.Fd()),
		FullTimestamp: true,
	})

	switch {
	case opts.Verbosity <= 0:
		log.SetLevel(logrus.ErrorLevel)
	case opts.Verbosity == 1:
		log.SetLevel(logrus.WarnLevel)
	case opts.Verbosity <= 3:
		log.SetLevel(logrus.InfoLevel)
	default:
		log.SetLevel(logrus.DebugLevel)
	}

	return log
}

// installSignalHandling installs the SIGINT/SIGTERM -> context
// cancellation path. Only the main goroutine services signals, matching
// spec.md §5's "only the main thread services signals" rule; worker,
// merge, ctrl, and status goroutines never touch signal state directly,
// they only observe ctx cancellation.
func installSignalHandling(log *logrus.Entry) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Warn("interrupted, requesting graceful shutdown")
		cancel()
	}()
	return ctx, cancel
}

func runDownload(cmd *cobra.Command, opts *params.Options) error {
	log := newLogger(opts)
	ctx, cancel := installSignalHandling(log.WithField("component", "main"))
	defer cancel()

	client := transport.NewHTTPClient(opts)
	s := session.New(opts, log, client)

	if opts.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		s.SetMetrics(status.NewMetrics(reg))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	if err := s.Run(ctx); err != nil {
		log.WithError(err).Error("download failed")
		return err
	}
	return nil
}

func runInfo(cmd *cobra.Command, opts *params.Options) error {
	log := newLogger(opts)
	ctx, cancel := installSignalHandling(log.WithField("component", "main"))
	defer cancel()

	client := transport.NewHTTPClient(opts)
	s := session.New(opts, log, client)

	info, err := s.ProbeOnly(ctx)
	if err != nil {
		return err
	}

	switch opts.GetInfo {
	case "file-size":
		fmt.Println(info.FileSize)
	case "effective-url":
		fmt.Println(info.EffectiveURL)
	default:
		fmt.Println(info.Filename)
	}
	return nil
}
