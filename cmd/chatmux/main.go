package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/sjoeboo/chatmux/internal/config"
	"github.com/sjoeboo/chatmux/internal/hookserver"
	"github.com/sjoeboo/chatmux/internal/logging"
	"github.com/sjoeboo/chatmux/internal/machine"
	"github.com/sjoeboo/chatmux/internal/session"
	"github.com/sjoeboo/chatmux/internal/tmux"
)

const Version = "0.1.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("chatmux v%s\n", Version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	fs := flag.NewFlagSet("chatmux", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default ~/.chatmux/config.toml)")
	machinesPath := fs.String("machines", "", "Path to machines file (default ~/.chatmux/machines.json)")
	debug := fs.Bool("debug", false, "Mirror debug logs to stderr")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if err := run(*configPath, *machinesPath, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, machinesPath string, debug bool) error {
	if configPath == "" {
		configPath = filepath.Join(config.Dir(), "config.toml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		LogDir:     filepath.Join(cfg.StateDir(), "logs"),
		Level:      cfg.Logs.Level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   true,
		Debug:      debug,
	})
	defer logging.Shutdown()
	log := logging.ForComponent(logging.CompMain)
	log.Info("starting", slog.String("version", Version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tm := tmux.NewClient(cfg.TmuxSession)
	if err := tm.EnsureSession(ctx, ""); err != nil {
		return fmt.Errorf("ensure tmux session: %w", err)
	}

	if machinesPath == "" {
		machinesPath = cfg.MachinesFile()
	}
	machines := machine.LoadRegistry(machinesPath, machine.Options{
		Tmux:          tm,
		ClaudeCommand: cfg.ClaudeCommand,
		ProjectsDir:   cfg.ProjectsDir,
	})
	defer machines.Close()

	registry, err := session.NewRegistry(cfg.RegistryFile())
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	monitor := session.NewMonitor(session.MonitorConfig{
		Machines:       machines,
		Registry:       registry,
		SessionMapFile: cfg.SessionMapFile(),
		StateFile:      cfg.MonitorStateFile(),
		LocalNamespace: cfg.TmuxSession,
		Interval:       cfg.PollInterval(),
		Consumer: func(windowID string, entry session.Entry) {
			log.Debug("transcript_entry",
				slog.String("window", windowID),
				slog.String("type", entry.Type),
				slog.String("session", entry.SessionID))
		},
	})

	hooks := hookserver.New(machines.HookPort(), registry, cfg.SessionMapFile(), cfg.TmuxSession)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error { return hooks.Start(ctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}

func printHelp() {
	fmt.Printf("chatmux v%s\n", Version)
	fmt.Println("Chat-driven controller for agent sessions across tmux and remote machines")
	fmt.Println()
	fmt.Println("Usage: chatmux [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config <path>     Config file (default ~/.chatmux/config.toml)")
	fmt.Println("  -machines <path>   Machines file (default ~/.chatmux/machines.json)")
	fmt.Println("  -debug             Mirror debug logs to stderr")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  version            Show version")
	fmt.Println("  help               Show this help")
}
