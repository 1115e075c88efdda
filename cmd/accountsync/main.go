package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/quizdeck/accountsync/internal/app"
	"github.com/quizdeck/accountsync/internal/config"
	"github.com/quizdeck/accountsync/internal/csvinbox"
	"github.com/quizdeck/accountsync/internal/httpapi"
	"github.com/quizdeck/accountsync/internal/logging"
	"github.com/quizdeck/accountsync/internal/metrics"
)

const upstreamTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "accountsync: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string) error {
	fs := flag.NewFlagSet("accountsync", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file (default $ACCOUNTSYNC_CONFIG)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bootLogger, err := logging.New(logging.Config{Level: "info"})
	if err != nil {
		return err
	}
	cfg, err := config.Load(*configPath, getenv, bootLogger)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	return serve(ctx, cfg, logger, ln)
}

// serve runs the API on ln, plus the metrics listener and the CSV inbox when
// configured, until ctx is done or one of them fails.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger, ln net.Listener) error {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	hub := httpapi.NewHub()
	runtime, err := app.Build(cfg, app.Deps{
		Logger:     logger,
		Metrics:    m,
		Progress:   hub.Publish,
		HTTPClient: &http.Client{Timeout: upstreamTimeout},
	})
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil {
			logger.Warn("closing state store", zap.Error(closeErr))
		}
	}()

	api, err := httpapi.NewServerWithConfig(runtime.Engine, httpapi.ServerConfig{
		JWTSecret:       cfg.Server.JWTSecret,
		WebhookSecret:   cfg.Server.WebhookSecret,
		WebhookMaxSkew:  cfg.Server.WebhookMaxSkew,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		Logger:          logger.Named("http"),
		Metrics:         m,
		Hub:             hub,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}

	servers := []*http.Server{{Handler: api, ReadHeaderTimeout: 10 * time.Second}}
	listeners := []net.Listener{ln}
	if m != nil && cfg.Metrics.Address != "" && cfg.Metrics.Address != cfg.Server.Addr {
		metricsLn, err := net.Listen("tcp", cfg.Metrics.Address)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen metrics %s: %w", cfg.Metrics.Address, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		servers = append(servers, &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second})
		listeners = append(listeners, metricsLn)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range servers {
		srv, l := servers[i], listeners[i]
		g.Go(func() error {
			logger.Info("listening", zap.String("addr", l.Addr().String()))
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if cfg.Inbox.Dir != "" {
		watcher, err := csvinbox.New(runtime.Engine, csvinbox.Options{
			Dir:          cfg.Inbox.Dir,
			Debounce:     cfg.Inbox.Debounce,
			PollInterval: cfg.Inbox.PollInterval,
			Logger:       logger.Named("inbox"),
		})
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
