// mqttlink - MQTT device-control service
//
// mqttlink holds MQTT 3.1.1 sessions with one or more brokers and exposes
// connect, publish, subscribe and device state to a UI over HTTP and
// WebSocket. The reference device is an ESP8266 driving an LED on
// esp8266/led/control.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nerrad567/mqttlink/internal/api"
	"github.com/nerrad567/mqttlink/internal/infrastructure/config"
	"github.com/nerrad567/mqttlink/internal/infrastructure/influxdb"
	"github.com/nerrad567/mqttlink/internal/infrastructure/logging"
	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttlink/internal/session"
	"github.com/nerrad567/mqttlink/internal/statecache"
	"github.com/nerrad567/mqttlink/internal/topic"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds closing every session on exit.
const shutdownTimeout = 10 * time.Second

func main() {
	// Cancel on Ctrl+C or SIGTERM so every command shuts down cleanly.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	serve := &cli.Command{
		Name:   "serve",
		Usage:  "run the HTTP/WebSocket API (default)",
		Flags:  []cli.Flag{FlagConnect, FlagStateFilter},
		Action: serveAction,
	}

	return &cli.App{
		Name:    "mqttlink",
		Usage:   "MQTT device-control service",
		Version: fmt.Sprintf("%s (%s, %s)", version, commit, date),
		Flags:   []cli.Flag{FlagConfig, FlagConnect, FlagStateFilter},
		Action:  serveAction,
		Commands: []*cli.Command{
			serve,
			publishCommand(),
			watchCommand(),
			tokenCommand(),
		},
	}
}

// loadConfig reads the file named by --config. A missing file at the
// default path falls back to built-in defaults; an explicit path must exist.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String(FlagConfig.Name)
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !c.IsSet(FlagConfig.Name) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("loading config: %w", err)
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	return run(c.Context, cfg, serveOptions{
		connect:     c.StringSlice(FlagConnect.Name),
		stateFilter: c.String(FlagStateFilter.Name),
	})
}

type serveOptions struct {
	connect     []string
	stateFilter string
}

// run is the serve logic, separated from the CLI for testability.
// It blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, opts serveOptions) error {
	log := logging.New(cfg.Logging, version)
	log.Info("starting mqttlink",
		"version", version,
		"commit", commit,
		"build_date", date,
		"targets", cfg.MQTT.TargetNames(),
	)

	cache := statecache.New()

	// WebSocket hub doubles as the session observer.
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	go hub.Run(hubCtx)

	observers := session.Observers{hub}

	// Connect to InfluxDB (optional)
	var telemetry api.Telemetry
	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		observers = append(observers, session.RecorderObserver{Recorder: influxClient})
		telemetry = influxClient
	}

	sessions := session.NewManager(cfg.MQTT,
		session.WithCache(cache),
		session.WithLogger(log.Component("session")),
		session.WithObserver(observers),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("closing MQTT sessions")
		if closeErr := sessions.CloseAll(closeCtx); closeErr != nil {
			log.Error("error closing sessions", "error", closeErr)
		}
	}()

	for _, id := range opts.connect {
		sessLog := log.Session(id)
		err := connectAtStartup(ctx, sessions, id, opts.stateFilter)
		if errors.Is(err, session.ErrNotConnected) {
			sessLog.Warn("session still connecting, state filter not applied")
			continue
		}
		if err != nil {
			return fmt.Errorf("connecting session %q: %w", id, err)
		}
		sessLog.Info("session connected at startup", "state_filter", opts.stateFilter)
	}

	srv, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Security:   cfg.Security,
		Logger:     log.Component("api"),
		Sessions:   sessions,
		Cache:      cache,
		Hub:        hub,
		DefaultQoS: byte(cfg.MQTT.QoS), // #nosec G115 -- validated to 0..2
		Telemetry:  telemetry,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. MQTT sessions
	// 3. InfluxDB (if enabled)
	return nil
}

// connectAtStartup opens one session and, when filter is set, subscribes it
// so the state cache fills before the first API call.
func connectAtStartup(ctx context.Context, sessions *session.Manager, id, filter string) error {
	sess, err := sessions.Session(ctx, id)
	if err != nil {
		return err
	}
	if filter == "" {
		return nil
	}
	return sess.Subscribe(ctx, filter, 1, topic.Consumer{
		ID:     "serve",
		Handle: func(mqtt.Message) {},
	})
}
