package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/syncctl/internal/discovery"
	"github.com/danmuck/syncctl/internal/ftp"
	"github.com/danmuck/syncctl/internal/observability"
	flag "github.com/spf13/pflag"
)

const usage = `usage: syncctl [flags] [COMMAND [ARG]]

Without a command syncctl reads commands from stdin.

`

type options struct {
	configPath string
	addresses  []string
	storeDir   string
	timeout    time.Duration
	discover   bool
	debug      bool
}

func parseArgs(args []string, stderr io.Writer) (options, []string, error) {
	var opts options
	fs := flag.NewFlagSet("syncctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "path to a syncctl TOML config")
	fs.StringSliceVarP(&opts.addresses, "address", "a", nil, "device address, e.g. btgoep://0017EC558162:5 (repeatable)")
	fs.StringVar(&opts.storeDir, "store", "", "directory downloaded files are written to")
	fs.DurationVar(&opts.timeout, "timeout", 0, "per-command timeout")
	fs.BoolVar(&opts.discover, "discover", false, "browse mDNS for bridged devices when no address is set")
	fs.BoolVar(&opts.debug, "debug", false, "log protocol payloads")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
		fmt.Fprint(stderr, "\n"+helpText)
	}
	if err := fs.Parse(args); err != nil {
		return options{}, nil, err
	}
	return opts, fs.Args(), nil
}

// resolveConfig layers flags over the config file over defaults.
func resolveConfig(opts options) (cliConfig, error) {
	cfg := defaultCLIConfig()
	if opts.configPath != "" {
		loaded, err := loadCLIConfig(opts.configPath)
		if err != nil {
			return cliConfig{}, err
		}
		cfg = loaded
	}
	if len(opts.addresses) > 0 {
		cfg.Addresses = normalizeAddresses(opts.addresses)
	}
	if opts.storeDir != "" {
		cfg.Session.StoreDir = opts.storeDir
	}
	if opts.timeout > 0 {
		cfg.Timeout = opts.timeout
	}
	if opts.discover {
		cfg.Discover = true
	}
	if opts.debug {
		cfg.Session.Debug = true
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, rest, err := parseArgs(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}

	svcCfg := ftp.Config{Session: cfg.Session, Addresses: cfg.Addresses}
	if cfg.Discover {
		svcCfg.Finder = &discovery.MDNSFinder{}
	}
	svc := ftp.NewService(svcCfg)
	w := ftp.NewWaiter(128)
	svc.AddListener(w)
	defer func() {
		svc.Close()
		<-svc.Done()
	}()

	sh := &shell{svc: svc, w: w, out: stdout, timeout: cfg.Timeout}
	first := ""
	if len(cfg.Addresses) > 0 {
		first = cfg.Addresses[0]
	}
	if err := sh.connect(ctx, first); err != nil {
		return err
	}
	if len(rest) == 0 {
		return sh.repl(ctx, stdin)
	}
	return sh.exec(ctx, rest)
}

func main() {
	observability.InitLogger("syncctl")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "syncctl: %v\n", err)
		os.Exit(1)
	}
}
