// Package main is the entry point for the hotmodd module daemon: it
// loads a tree of Lua modules, keeps them synchronized with their
// source files, and serves the registry API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/hotmod/internal/admin"
	"github.com/dshills/hotmod/internal/registry"
	"github.com/dshills/hotmod/internal/watcher"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	log := newLogger(cfg)

	promReg := prometheus.NewRegistry()
	metrics := registry.NewMetrics(promReg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.Initialize(ctx, cfg.Root,
		registry.WithExtension(cfg.Extension),
		registry.WithLogger(log),
		registry.WithMetrics(metrics),
		registry.WithChunkCacheSize(cfg.ChunkCacheSize),
		registry.WithHostFuncs(hostFuncs(log)),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize registry: %v\n", err)
		return 1
	}
	defer reg.ShutdownAll()

	for _, f := range reg.LastScan().Failures {
		log.WithField("path", f.Path).WithError(f.Err).Warn("module failed during startup scan")
	}

	g, ctx := errgroup.WithContext(ctx)

	srv := admin.NewServer(cfg.AdminAddr, reg, promReg, log)
	g.Go(func() error { return srv.Run(ctx) })

	if cfg.Watch {
		w, err := watcher.New(reg,
			watcher.WithDebounce(cfg.debounce()),
			watcher.WithLogger(log),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start watcher: %v\n", err)
			return 1
		}
		defer w.Close()
		g.Go(func() error { return w.Run(ctx) })
	}

	if cfg.RefreshSchedule != "" {
		scheduler := cron.New()
		_, err := scheduler.AddFunc(cfg.RefreshSchedule, func() {
			if _, err := reg.Refresh(context.Background()); err != nil {
				log.WithError(err).Warn("scheduled refresh failed")
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid refresh schedule %q: %v\n", cfg.RefreshSchedule, err)
			return 1
		}
		scheduler.Start()
		// Stop returns a context that completes when running jobs
		// finish; wait on it so a refresh in flight cannot race the
		// final ShutdownAll.
		defer func() { <-scheduler.Stop().Done() }()
	}

	log.WithFields(logrus.Fields{
		"root":    reg.Root(),
		"modules": reg.Len(),
		"addr":    cfg.AdminAddr,
	}).Info("hotmodd running")

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newLogger(cfg config) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

// hostFuncs exposes the daemon's logger to modules as a global
// log(level, msg).
func hostFuncs(log logrus.FieldLogger) map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"log": func(L *lua.LState) int {
			level := L.CheckString(1)
			msg := L.CheckString(2)
			entry := log.WithField("source", "module")
			switch level {
			case "debug":
				entry.Debug(msg)
			case "warn":
				entry.Warn(msg)
			case "error":
				entry.Error(msg)
			default:
				entry.Info(msg)
			}
			return 0
		},
	}
}

func parseFlags() (config, error) {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "Path to TOML configuration file")
	flag.StringVar(&configPath, "c", "", "Path to TOML configuration file (shorthand)")

	root := flag.String("root", "", "Module root directory")
	ext := flag.String("ext", "", "Module source extension, including the dot")
	addr := flag.String("addr", "", "Registry API listen address")
	watch := flag.Bool("watch", true, "Watch the module tree for changes")
	refresh := flag.String("refresh", "", `Cron schedule for periodic refresh (e.g. "@every 30s")`)
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "Log in JSON format")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "hotmodd - hot-reloading Lua module daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage: hotmodd [options] [module-root]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  hotmodd ./modules                 Serve the modules directory\n")
		fmt.Fprintf(os.Stderr, "  hotmodd -c hotmod.toml            Run from a config file\n")
		fmt.Fprintf(os.Stderr, "  hotmodd -refresh \"@every 30s\"     Poll for changes as well as watching\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("hotmodd %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	// Explicit flags override the environment and the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "root":
			cfg.Root = *root
		case "ext":
			cfg.Extension = *ext
		case "addr":
			cfg.AdminAddr = *addr
		case "watch":
			cfg.Watch = *watch
		case "refresh":
			cfg.RefreshSchedule = *refresh
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-json":
			cfg.LogJSON = *logJSON
		}
	})

	// A positional argument names the module root.
	if flag.NArg() > 0 {
		cfg.Root = flag.Arg(0)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
