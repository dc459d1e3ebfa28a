package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/hotmod/internal/registry"
)

// config holds the daemon configuration. Values come from defaults,
// then the optional TOML file, then explicit flags.
type config struct {
	Root            string `toml:"root"`
	Extension       string `toml:"extension"`
	AdminAddr       string `toml:"admin_addr"`
	Watch           bool   `toml:"watch"`
	DebounceMS      int    `toml:"debounce_ms"`
	RefreshSchedule string `toml:"refresh_schedule"`
	ChunkCacheSize  int    `toml:"chunk_cache_size"`
	LogLevel        string `toml:"log_level"`
	LogJSON         bool   `toml:"log_json"`
}

func defaultConfig() config {
	return config{
		Root:           "modules",
		Extension:      registry.DefaultExtension,
		AdminAddr:      "127.0.0.1:8750",
		Watch:          true,
		DebounceMS:     250,
		ChunkCacheSize: registry.DefaultChunkCacheSize,
		LogLevel:       "info",
	}
}

// loadConfig reads the TOML file at path over the defaults. An empty
// path returns the defaults untouched.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv overlays HOTMOD_-prefixed environment variables. Unset
// variables leave the current value alone; empty ones count as set.
func (c *config) applyEnv() error {
	if v, ok := os.LookupEnv("HOTMOD_ROOT"); ok {
		c.Root = v
	}
	if v, ok := os.LookupEnv("HOTMOD_EXTENSION"); ok {
		c.Extension = v
	}
	if v, ok := os.LookupEnv("HOTMOD_ADMIN_ADDR"); ok {
		c.AdminAddr = v
	}
	if v, ok := os.LookupEnv("HOTMOD_WATCH"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing HOTMOD_WATCH %q: %w", v, err)
		}
		c.Watch = b
	}
	if v, ok := os.LookupEnv("HOTMOD_DEBOUNCE_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing HOTMOD_DEBOUNCE_MS %q: %w", v, err)
		}
		c.DebounceMS = n
	}
	if v, ok := os.LookupEnv("HOTMOD_REFRESH_SCHEDULE"); ok {
		c.RefreshSchedule = v
	}
	if v, ok := os.LookupEnv("HOTMOD_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("HOTMOD_LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing HOTMOD_LOG_JSON %q: %w", v, err)
		}
		c.LogJSON = b
	}
	return nil
}

// debounce returns the watcher quiet period.
func (c config) debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

func (c config) validate() error {
	if c.Root == "" {
		return errors.New("module root must not be empty")
	}
	if !strings.HasPrefix(c.Extension, ".") {
		return fmt.Errorf("extension %q must start with a dot", c.Extension)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q (must be debug, info, warn, or error)", c.LogLevel)
	}
	return nil
}
