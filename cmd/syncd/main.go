package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/danmuck/syncctl/internal/auth"
	"github.com/danmuck/syncctl/internal/config"
	"github.com/danmuck/syncctl/internal/discovery"
	"github.com/danmuck/syncctl/internal/live"
	"github.com/danmuck/syncctl/internal/observability"
	"github.com/danmuck/syncctl/internal/server"
	"github.com/danmuck/syncctl/internal/stream"
	"github.com/danmuck/syncctl/internal/transport"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

type daemon struct {
	cfg    config.DaemonConfig
	svc    *stream.Service
	hub    *live.Hub
	api    *server.Server
	logger zerolog.Logger
}

func newDaemon(cfg config.DaemonConfig, logger zerolog.Logger) (*daemon, error) {
	sc, err := cfg.Session()
	if err != nil {
		return nil, err
	}
	svcCfg := stream.Config{Session: sc, Addresses: cfg.Stream.Addresses}
	if cfg.Stream.Discover {
		svcCfg.Finder = &discovery.MDNSFinder{}
	}
	svc := stream.NewService(svcCfg)
	hub := live.NewHub(cfg.LiveHub())
	svc.AddListener(hub)
	var opts []server.Option
	if cfg.AuthToken != "" {
		opts = append(opts, server.WithAuth(auth.StaticToken{Token: cfg.AuthToken}))
	}
	api := server.New(cfg.Name, cfg.HTTPAddr, cfg.CorsOrigins, svc, hub, opts...)
	return &daemon{cfg: cfg, svc: svc, hub: hub, api: api, logger: logger}, nil
}

func (d *daemon) run(ctx context.Context) error {
	defer func() {
		d.svc.Close()
		<-d.svc.Done()
		d.hub.Close()
	}()
	if err := d.svc.Start(ctx); err != nil {
		return fmt.Errorf("start stream service: %w", err)
	}
	if d.cfg.Stream.Announce {
		if port, ok := announcePort(d.cfg.Stream.Listen); ok {
			go func() {
				err := discovery.Announce(ctx, d.cfg.Name, discovery.ServiceStreaming, port, map[string]string{
					"kind":   discovery.SyncKind,
					"scheme": schemeOf(d.cfg.Stream.Listen),
				})
				if err != nil {
					d.logger.Warn().Err(err).Msg("mdns announce stopped")
				}
			}()
		} else {
			d.logger.Warn().Str("listen", d.cfg.Stream.Listen).Msg("announce needs a tcp:// or tls:// listener")
		}
	}
	return d.api.Serve(ctx)
}

// announcePort returns the port of a network bridge listener.
func announcePort(listen string) (int, bool) {
	addr, err := transport.ParseAddress(listen)
	if err != nil || (addr.Scheme != transport.SchemeTCP && addr.Scheme != transport.SchemeTLS) {
		return 0, false
	}
	_, portStr, err := net.SplitHostPort(addr.Host)
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 0, false
	}
	return port, true
}

func schemeOf(listen string) string {
	addr, err := transport.ParseAddress(listen)
	if err != nil {
		return ""
	}
	return addr.Scheme
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("syncd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "cmd/syncd/config.toml", "daemon config (.toml, .yaml or .yml)")
	httpAddr := fs.String("http", "", "override the HTTP listen address")
	debug := fs.Bool("debug", false, "log protocol payloads")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *debug {
		cfg.Debug = true
	}

	logger := observability.InitLogger(cfg.Name)
	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info().Str("http", cfg.HTTPAddr).Str("listen", cfg.Stream.Listen).Msg("syncd starting")
	return d.run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "syncd: %v\n", err)
		os.Exit(1)
	}
}
