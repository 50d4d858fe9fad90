// Package engine is the supervisor of spec.md §4.8: it owns the broadcast
// bus and sample store, spawns one poller per enabled device, restarts a
// poller that exits unexpectedly, and drives shutdown within a grace
// period.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumberbarons/modbus-gateway/internal/bus"
	"github.com/lumberbarons/modbus-gateway/internal/model"
	"github.com/lumberbarons/modbus-gateway/internal/modbus"
	"github.com/lumberbarons/modbus-gateway/internal/poller"
	"github.com/lumberbarons/modbus-gateway/internal/store"
)

const (
	restartDelay  = time.Second
	shutdownGrace = 10 * time.Second
)

// Hooks lets an observer (the metrics subscriber) count restarts and
// per-device errors without the engine importing a metrics client
// directly.
type Hooks struct {
	OnRestart      func(deviceID string)
	OnError        func(deviceID string, kind model.ErrorKind)
	OnPollComplete func(deviceID string, d time.Duration)
}

// Engine supervises one Poller per enabled device.
type Engine struct {
	devices []model.DeviceConfig
	bus     *bus.Bus
	store   *store.Store
	hooks   Hooks
	log     *slog.Logger

	mu      sync.RWMutex
	pollers map[string]*poller.Poller
}

// New constructs an Engine. devices should already be validated (unique
// ids, consistent dtype/count) by the configuration loader.
func New(devices []model.DeviceConfig, b *bus.Bus, s *store.Store, hooks Hooks) *Engine {
	return &Engine{
		devices: devices,
		bus:     b,
		store:   s,
		hooks:   hooks,
		log:     slog.Default(),
		pollers: make(map[string]*poller.Poller, len(devices)),
	}
}

// Poller returns the running Poller for deviceID, for the API boundary's
// write_register query (spec.md §6). Returns nil if deviceID is unknown or
// not yet started.
func (e *Engine) Poller(deviceID string) *poller.Poller {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pollers[deviceID]
}

// Run spawns one supervised goroutine per enabled device and blocks until
// ctx is cancelled, then waits up to shutdownGrace for every poller to
// reach Stopped before returning. With no enabled device it returns at
// once.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, cfg := range e.devices {
		if !cfg.Enabled {
			continue
		}
		cfg := cfg
		g.Go(func() error {
			e.superviseDevice(gctx, cfg)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		case <-time.After(shutdownGrace):
			e.log.Warn("shutdown grace period elapsed, forcing termination")
			return fmt.Errorf("engine: shutdown grace period (%s) exceeded", shutdownGrace)
		}
	}
}

// superviseDevice runs cfg's poller, restarting it with a fixed delay if it
// ever returns (panic recovery or an unrecoverable construction error)
// while the context is still live.
func (e *Engine) superviseDevice(ctx context.Context, cfg model.DeviceConfig) {
	for {
		if ctx.Err() != nil {
			return
		}

		e.runOnce(ctx, cfg)

		if ctx.Err() != nil {
			return
		}

		e.log.Error("poller exited, restarting", "device", cfg.ID, "delay", restartDelay)
		if e.hooks.OnRestart != nil {
			e.hooks.OnRestart(cfg.ID)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// runOnce constructs a fresh protocol client and Poller for cfg and runs it
// to completion, recovering a panic as a logged error so the supervisor can
// restart rather than crash the whole engine.
func (e *Engine) runOnce(ctx context.Context, cfg model.DeviceConfig) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("poller panicked", "device", cfg.ID, "recover", r)
		}
	}()

	onError := func(kind model.ErrorKind, err error, attempt int) {
		e.log.Debug("protocol error", "device", cfg.ID, "kind", kind, "attempt", attempt, "err", err)
		if e.hooks.OnError != nil {
			e.hooks.OnError(cfg.ID, kind)
		}
	}

	client, handler, err := modbus.NewDeviceClient(cfg, onError)
	if err != nil {
		e.log.Error("failed to construct device client", "device", cfg.ID, "err", err)
		return
	}

	var onPollComplete func(time.Duration)
	if e.hooks.OnPollComplete != nil {
		onPollComplete = func(d time.Duration) { e.hooks.OnPollComplete(cfg.ID, d) }
	}
	p := poller.New(cfg, client, handler, e.bus, e.store, onPollComplete)
	e.mu.Lock()
	e.pollers[cfg.ID] = p
	e.mu.Unlock()

	if err := p.Run(ctx); err != nil {
		e.log.Error("poller returned error", "device", cfg.ID, "err", err)
	}
}
