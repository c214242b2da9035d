package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	ledgerserver "github.com/Konstantsiy/byzantine-ledger/ledger-server"
)

// overrides are applied on top of the config file, values come from LEDGER_* environment variables
var overrides = []struct {
	key   string
	apply func(v *viper.Viper, key string, c *ledgerserver.Config)
}{
	{"cluster.clients", func(v *viper.Viper, k string, c *ledgerserver.Config) { c.Cluster.Clients = v.GetInt(k) }},
	{"cluster.faulty_clients", func(v *viper.Viper, k string, c *ledgerserver.Config) { c.Cluster.FaultyClients = v.GetInt(k) }},
	{"cluster.replicas", func(v *viper.Viper, k string, c *ledgerserver.Config) { c.Cluster.Replicas = v.GetInt(k) }},
	{"cluster.faulty_replicas", func(v *viper.Viper, k string, c *ledgerserver.Config) { c.Cluster.FaultyReplicas = v.GetInt(k) }},
	{"cluster.n_ack", func(v *viper.Viper, k string, c *ledgerserver.Config) { c.Cluster.NAck = v.GetInt(k) }},
	{"network.transmission_delay_ms", func(v *viper.Viper, k string, c *ledgerserver.Config) {
		c.Network.TransmissionDelayMs = v.GetFloat64(k)
	}},
	{"network.seed", func(v *viper.Viper, k string, c *ledgerserver.Config) { c.Network.Seed = v.GetUint64(k) }},
	{"network.inbox_size", func(v *viper.Viper, k string, c *ledgerserver.Config) { c.Network.InboxSize = v.GetInt(k) }},
	{"coordinator.consensus_delay_ms", func(v *viper.Viper, k string, c *ledgerserver.Config) {
		c.Coordinator.ConsensusDelayMs = v.GetInt(k)
	}},
	{"coordinator.buffer_size", func(v *viper.Viper, k string, c *ledgerserver.Config) { c.Coordinator.BufferSize = v.GetInt(k) }},
	{"timeouts.round", func(v *viper.Viper, k string, c *ledgerserver.Config) { c.Timeouts.Round = v.GetDuration(k) }},
	{"timeouts.shutdown", func(v *viper.Viper, k string, c *ledgerserver.Config) { c.Timeouts.Shutdown = v.GetDuration(k) }},
	{"storage.data_dir", func(v *viper.Viper, k string, c *ledgerserver.Config) { c.Storage.DataDir = v.GetString(k) }},
	{"storage.archive", func(v *viper.Viper, k string, c *ledgerserver.Config) { c.Storage.Archive = v.GetBool(k) }},
	{"http.address", func(v *viper.Viper, k string, c *ledgerserver.Config) { c.HTTP.Address = v.GetString(k) }},
	{"log.level", func(v *viper.Viper, k string, c *ledgerserver.Config) { c.Log.Level = v.GetString(k) }},
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to the YAML configuration file")
		address    = flag.String("address", "", "HTTP listen address, overrides http.address")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides log.level")
	)

	flag.Parse()

	var (
		level  = new(slog.LevelVar)
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	)
	slog.SetDefault(logger)

	var cfg = ledgerserver.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = ledgerserver.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	var v = viper.New()
	v.SetEnvPrefix("ledger")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			log.Fatalf("Failed to read config: %v", err)
		}
	}

	for _, o := range overrides {
		if v.IsSet(o.key) {
			o.apply(v, o.key, cfg)
		}
	}

	if *address != "" {
		cfg.HTTP.Address = *address
	}

	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level.Set(parseLevel(cfg.Log.Level))

	// only the log level is reloaded, cluster sizes are fixed for the lifetime of the process
	if *configPath != "" && *logLevel == "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			var newLevel = parseLevel(v.GetString("log.level"))
			level.Set(newLevel)
			logger.Info("log level reloaded", "file", e.Name, "level", newLevel)
		})
		v.WatchConfig()
	}

	system, err := ledgerserver.NewSystem(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create system: %v", err)
	}

	system.Start(context.Background())

	handler := ledgerserver.NewHTTPHandler(system)
	mux := http.NewServeMux()
	handler.RegisterHandlers(mux)

	httpServer := &http.Server{Addr: cfg.HTTP.Address, Handler: mux}

	go func() {
		logger.Info("listening", "address", cfg.HTTP.Address, "n_ack", cfg.NAck())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown+time.Second)
	defer cancel()

	if err = httpServer.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}

	if err = system.Shutdown(ctx); err != nil {
		logger.Error("system shutdown", "error", err)
	}

	if err = system.Err(); err != nil {
		logger.Error("liveness faults during the run", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
