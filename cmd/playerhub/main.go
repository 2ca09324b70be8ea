package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"playerhub/internal/fleet"
	"playerhub/internal/mqtt"
	"playerhub/internal/presence"
	"playerhub/internal/store"
	"playerhub/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Presence struct {
		Backend string `yaml:"backend"` // "memory" or "redis"
		Redis   struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"presence"`
	Pairing struct {
		CodeLength           int `yaml:"code_length"`
		TTLSeconds           int `yaml:"ttl_seconds"`
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	} `yaml:"pairing"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	switch c.Presence.Backend {
	case "memory":
	case "redis":
		if c.Presence.Redis.Addr == "" {
			return fmt.Errorf("presence.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("presence.backend must be \"memory\" or \"redis\", got %q", c.Presence.Backend)
	}
	if c.Pairing.CodeLength < 0 || c.Pairing.CodeLength > 12 {
		return fmt.Errorf("pairing.code_length must be 0-12, got %d", c.Pairing.CodeLength)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("playerhub starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	ps, err := createPresence(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("create presence store", "err", err)
		os.Exit(1)
	}
	defer ps.Close()

	events := fleet.NewEventBus(logger)
	metrics := fleet.NewMetrics(prometheus.DefaultRegisterer)

	f := fleet.New(db, ps, events, metrics, fleet.Config{
		Pairing: fleet.PairingConfig{
			CodeLength:    cfg.Pairing.CodeLength,
			TTL:           time.Duration(cfg.Pairing.TTLSeconds) * time.Second,
			SweepInterval: time.Duration(cfg.Pairing.SweepIntervalSeconds) * time.Second,
		},
	}, logger)
	f.Start()

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(f, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge, err = mqtt.NewBridge(f, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Error("connect mqtt bridge", "err", err)
			os.Exit(1)
		}
		bridge.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if bridge != nil {
		bridge.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	f.Stop()

	logger.Info("goodbye")
}

func createPresence(ctx context.Context, cfg *Config, logger *slog.Logger) (presence.Store, error) {
	switch cfg.Presence.Backend {
	case "redis":
		logger.Info("using redis presence store", "addr", cfg.Presence.Redis.Addr)
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return presence.NewRedisStore(connectCtx, presence.RedisConfig{
			Addr:      cfg.Presence.Redis.Addr,
			Password:  cfg.Presence.Redis.Password,
			DB:        cfg.Presence.Redis.DB,
			KeyPrefix: cfg.Presence.KeyPrefix,
		})
	default:
		logger.Info("using in-memory presence store")
		return presence.NewMemoryStore(), nil
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "playerhub.db"
	}
	if cfg.Presence.Backend == "" {
		cfg.Presence.Backend = "memory"
	}
	if cfg.Presence.KeyPrefix == "" {
		cfg.Presence.KeyPrefix = "playerhub"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "playerhub"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
