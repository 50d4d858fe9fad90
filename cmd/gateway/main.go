package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/lumberbarons/modbus-gateway/internal/api"
	"github.com/lumberbarons/modbus-gateway/internal/bus"
	"github.com/lumberbarons/modbus-gateway/internal/config"
	"github.com/lumberbarons/modbus-gateway/internal/engine"
	"github.com/lumberbarons/modbus-gateway/internal/metrics"
	"github.com/lumberbarons/modbus-gateway/internal/mqtt"
	"github.com/lumberbarons/modbus-gateway/internal/store"
)

// Exit codes per spec.md §6: 0 normal, 1 configuration error, 2 fatal
// runtime error.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitRuntimeError = 2
)

func main() {
	app := &cli.App{
		Name:  "modbus-gateway",
		Usage: "polls Modbus devices and fans out samples over REST/WS, MQTT, and metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the gateway YAML config file",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		if _, ok := err.(*configError); ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigError)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
	os.Exit(exitOK)
}

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func run(c *cli.Context) error {
	cfg, devices, err := config.Load(c.String("config"))
	if err != nil {
		return &configError{err: fmt.Errorf("loading configuration: %w", err)}
	}

	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(reg)

	b := bus.New(metricsRegistry.OnDrop)
	s := store.New(config.PollIntervals(devices))

	hooks := engine.Hooks{
		OnRestart:      metricsRegistry.OnRestart,
		OnError:        metricsRegistry.OnError,
		OnPollComplete: metricsRegistry.ObservePoll,
	}
	eng := engine.New(devices, b, s, hooks)

	hub := api.NewHub(b)
	httpServer := buildHTTPServer(cfg.HTTP.Addr, s, eng, hub, reg)

	group := runGroup{ctx: ctx}
	group.go_(func() error { return eng.Run(ctx) })
	group.go_(func() error { hub.Run(ctx); return nil })
	group.go_(func() error { metricsRegistry.Run(ctx, b); return nil })

	if cfg.HTTP.Enabled {
		group.go_(func() error { return serveHTTP(ctx, httpServer) })
	}
	if cfg.MQTT.Enabled {
		publisher := mqtt.NewPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
		})
		group.go_(func() error { return publisher.Run(ctx, b) })
	}

	return group.wait()
}

func buildHTTPServer(addr string, s *store.Store, eng *engine.Engine, hub *api.Hub, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", api.NewServer(s, eng, hub))
	return &http.Server{Addr: addr, Handler: mux}
}

func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		return srv.Close()
	}
}

func setupLogging(cfg config.LogConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// runGroup runs a fixed set of goroutines to completion, returning the
// first non-nil error (if any) once every goroutine has returned.
type runGroup struct {
	ctx   context.Context
	fns   []func() error
}

func (g *runGroup) go_(fn func() error) {
	g.fns = append(g.fns, fn)
}

func (g *runGroup) wait() error {
	errCh := make(chan error, len(g.fns))
	for _, fn := range g.fns {
		fn := fn
		go func() { errCh <- fn() }()
	}

	var first error
	for range g.fns {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
	}
	return first
}
