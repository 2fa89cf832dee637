package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/alucardeht/mcp-spawner/internal/catalog"
	"github.com/alucardeht/mcp-spawner/internal/config"
	"github.com/alucardeht/mcp-spawner/internal/daemon"
	"github.com/alucardeht/mcp-spawner/internal/logger"
	"github.com/alucardeht/mcp-spawner/internal/orchestrator"
	"github.com/alucardeht/mcp-spawner/internal/pathguard"
)

var log = logger.ForComponent("main")

type options struct {
	Config    string `short:"f" long:"config" description:"Config file (.yaml, .yml or .toml)"`
	Socket    string `short:"s" long:"socket" description:"Control socket path"`
	Root      string `short:"r" long:"root" description:"Scripts root directory"`
	LogLevel  string `long:"log-level" description:"Log level (debug, info, warn, error)"`
	LogFormat string `long:"log-format" choice:"text" choice:"json" description:"Log format"`
	Version   bool   `long:"version" description:"Print the version and exit"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if opts.Version {
		fmt.Println(daemon.Version)
		return
	}

	if err := run(opts); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "spawner-daemon: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	applyFlags(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg := logger.DefaultConfig()
	logCfg.Format = cfg.Log.Format
	if lvl, ok := logger.ParseLevel(cfg.Log.Level); ok {
		logCfg.Level = lvl
	}
	logger.Init(logCfg)

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	orchOpts, err := orchestrator.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(orchOpts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	store, watcher, err := openCatalog(ctx, cfg, orchOpts.Validator)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		defer watcher.Stop()
	}

	scanner := catalog.NewScanner(orchOpts.Validator, cfg.Scripts.IgnorePatterns)
	server := daemon.NewServer(orch, scanner, store)
	d := daemon.New(daemon.Config{SocketPath: cfg.Daemon.SocketPath, DataDir: cfg.Daemon.DataDir}, server)

	log.Info("starting",
		"root", orch.Root(),
		"permits", cfg.Gate.Permits,
		"handshake_timeout", cfg.Timeouts.Handshake,
		"call_timeout", cfg.Timeouts.Call,
		"catalog", store != nil,
	)
	return d.Run(ctx)
}

func applyFlags(cfg *config.Config, opts options) {
	if opts.Socket != "" {
		cfg.Daemon.SocketPath = opts.Socket
	}
	if opts.Root != "" {
		cfg.Scripts.Root = opts.Root
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
}

// openCatalog returns nil values when the catalog is disabled. A catalog that
// cannot be opened is logged and skipped rather than keeping the daemon down.
func openCatalog(ctx context.Context, cfg *config.Config, validator *pathguard.Validator) (*catalog.Store, *catalog.Watcher, error) {
	if !cfg.Catalog.Enabled {
		return nil, nil, nil
	}

	root := validator.Root()
	if dbDir, err := filepath.Abs(filepath.Dir(cfg.Catalog.DBPath)); err == nil {
		if rel, err := filepath.Rel(root, dbDir); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, nil, fmt.Errorf("catalog.db_path must live outside the scripts root")
		}
	}

	store, err := catalog.OpenStore(cfg.Catalog.DBPath)
	if err != nil {
		log.Warn("catalog disabled", "error", err)
		return nil, nil, nil
	}

	scanner := catalog.NewScanner(validator, cfg.Scripts.IgnorePatterns)
	watcher, err := catalog.NewWatcher(catalog.WatcherConfig{
		DebounceWindow: cfg.Catalog.DebounceWindow,
		MaxBatchSize:   cfg.Catalog.MaxBatchSize,
	}, scanner, store)
	if err != nil {
		store.Close()
		log.Warn("catalog disabled", "error", err)
		return nil, nil, nil
	}
	if err := watcher.Start(ctx); err != nil {
		watcher.Stop()
		store.Close()
		return nil, nil, err
	}
	return store, watcher, nil
}
