// Command tunnel runs either the SOCKS5-facing local role or the
// origin-facing server role of the tunnel, selected by the first
// positional argument.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"sstunnel/internal/config"
	"sstunnel/internal/logging"
	"sstunnel/internal/relay"
)

const usage = `Usage: tunnel <local|server> [-config path]

  local   run the SOCKS5-facing local role
  server  run the origin-facing server role
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	mode := os.Args[1]

	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	defaultPath := config.DefaultLocalConfigPath
	if mode == "server" {
		defaultPath = config.DefaultServerConfigPath
	}
	configPath := fs.String("config", defaultPath, "path to the role's JSON config file")
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	logger := logging.NewStdLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, mode, *configPath, logger); err != nil {
		logger.Printf("%s: %v", mode, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, mode, configPath string, logger logging.Logger) error {
	var engine *relay.Engine

	switch mode {
	case "local":
		cfg, err := config.ReadLocal(configPath)
		if err != nil {
			return err
		}
		engine, err = relay.NewLocalEngine(cfg, logger)
		if err != nil {
			return err
		}
		logger.Printf("local role listening on %s, forwarding to %s", cfg.ListenAddress, cfg.ServerAddress)
	case "server":
		cfg, err := config.ReadServer(configPath)
		if err != nil {
			return err
		}
		engine, err = relay.NewServerEngine(cfg, logger)
		if err != nil {
			return err
		}
		logger.Printf("server role listening on %s", cfg.ListenAddress)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := engine.Run(groupCtx)
		if groupCtx.Err() != nil {
			return nil
		}
		return err
	})
	return group.Wait()
}
