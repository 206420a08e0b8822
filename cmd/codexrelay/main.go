package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/sjoeboo/codexrelay/internal/binding"
	"github.com/sjoeboo/codexrelay/internal/catalog"
	"github.com/sjoeboo/codexrelay/internal/config"
	"github.com/sjoeboo/codexrelay/internal/dispatch"
	"github.com/sjoeboo/codexrelay/internal/invoker"
	"github.com/sjoeboo/codexrelay/internal/logging"
	"github.com/sjoeboo/codexrelay/internal/transport/feishu"
	"github.com/sjoeboo/codexrelay/internal/transport/telegram"
)

const Version = "0.3.0"

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "version", "--version", "-v":
			fmt.Printf("codexrelay v%s\n", Version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	fs := flag.NewFlagSet("codexrelay", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (default ~/.codexrelay/config.toml)")
	debug := fs.Bool("debug", false, "verbose logging")
	fs.Parse(args)

	if err := run(*configPath, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "codexrelay: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`codexrelay - drive local codex sessions from Telegram or Feishu

Usage:
  codexrelay [flags]         run the relay service
  codexrelay version         print version
  codexrelay help            show this help

Flags:
  -config <path>   config file (default ~/.codexrelay/config.toml)
  -debug           verbose logging

At least one transport ([telegram] or [feishu]) must be enabled in the
config file. Each transport keeps its own binding state file.`)
}

func run(configPath string, debug bool) error {
	if configPath == "" {
		var err error
		configPath, err = config.DefaultPath()
		if err != nil {
			return err
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(logging.Config{
		LogDir: cfg.Logging.Dir,
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Debug:  debug || cfg.Logging.Debug,
	})
	defer logging.Shutdown()
	log := logging.Logger()
	log.Info("codexrelay starting", "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat := catalog.NewStore(cfg.Codex.SessionRoot)
	if err := cat.Watch(ctx); err != nil {
		log.Warn("session store watcher unavailable, falling back to rescans", "error", err)
	}
	defer cat.Close()

	bin := invoker.ResolveBin(cfg.Codex.Bin)
	runner := invoker.New(bin, invoker.Policy{
		SandboxMode:    cfg.Codex.SandboxMode,
		ApprovalPolicy: cfg.Codex.ApprovalPolicy,
		BypassLevel:    cfg.Codex.BypassLevel,
	}, cfg.Codex.InvocationTimeout())
	log.Info("codex binary resolved", "bin", bin, "bypass_level", cfg.Codex.BypassLevel)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Telegram.Enabled {
		coord := dispatch.New(cat, binding.NewStore(cfg.Telegram.StatePath), runner, cfg.DefaultCWD)
		bot, err := telegram.New(cfg.Telegram, coord)
		if err != nil {
			return err
		}
		g.Go(func() error { return bot.Run(ctx) })
	}

	if cfg.Feishu.Enabled {
		coord := dispatch.New(cat, binding.NewStore(cfg.Feishu.StatePath), runner, cfg.DefaultCWD)
		svc := feishu.New(cfg.Feishu, coord)
		g.Go(func() error { return svc.Run(ctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("codexrelay stopped")
		return nil
	}
	return err
}
