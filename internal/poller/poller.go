// Package poller drives one independent poll loop per device (spec.md
// §4.5): schedule reads on a steady tick, decode and scale each register,
// publish samples and status changes to the bus, and serve the sample
// store and one-shot write requests.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumberbarons/modbus-gateway/internal/bus"
	"github.com/lumberbarons/modbus-gateway/internal/decode"
	"github.com/lumberbarons/modbus-gateway/internal/model"
	"github.com/lumberbarons/modbus-gateway/internal/modbus"
	"github.com/lumberbarons/modbus-gateway/internal/store"
)

// State is one state of the poller's state machine (spec.md §4.5).
type State int

const (
	StateConnecting State = iota
	StatePolling
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StatePolling:
		return "polling"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	backoffFailureThreshold = 3
	disconnectThreshold     = 5
	backoffCeiling          = 30 * time.Second
)

// WriteRequest is a one-shot write enqueued by the API boundary
// (spec.md §6 write_register), performed by the poller before its next
// scheduled read.
type WriteRequest struct {
	RegisterName string
	Value        any
	Reply        chan error
}

// Poller owns one device's transport client and drives its state machine.
// It is not shared: the engine supervisor spawns one per enabled device.
type Poller struct {
	cfg     model.DeviceConfig
	client  modbus.Client
	handler modbus.ClientHandler
	plans   []readPlan
	bus     *bus.Bus
	store   *store.Store
	writeCh chan WriteRequest
	log     *slog.Logger

	state             State
	consecutiveErrors int
	backoffAttempt    int
	pollCount         uint64
	connected         bool
	lastErrorKind     model.ErrorKind

	onPollComplete func(duration time.Duration)
}

// New constructs a Poller for cfg. client/handler come from
// modbus.NewDeviceClient, already wrapped with the retry/backoff policy.
// onPollComplete, if non-nil, is called with the wall time of every poll
// cycle (success or failure), so callers can feed a metrics histogram.
func New(cfg model.DeviceConfig, client modbus.Client, handler modbus.ClientHandler, b *bus.Bus, s *store.Store, onPollComplete func(time.Duration)) *Poller {
	return &Poller{
		cfg:            cfg,
		client:         client,
		handler:        handler,
		plans:          buildPlans(cfg.Registers),
		bus:            b,
		store:          s,
		writeCh:        make(chan WriteRequest),
		log:            slog.Default().With("device", cfg.ID),
		state:          StateConnecting,
		onPollComplete: onPollComplete,
	}
}

// WriteRegister enqueues a one-shot write for name, blocking until the
// poller performs it (or ctx is cancelled). Implements spec.md §6's
// write_register boundary: rejects read-only areas and unsupported dtypes
// immediately without touching the wire.
func (p *Poller) WriteRegister(ctx context.Context, name string, value any) error {
	spec, ok := p.registerSpec(name)
	if !ok {
		return fmt.Errorf("register %q: %w", name, errRegisterNotFound)
	}
	if spec.Area.ReadOnly() {
		return &WriteError{Kind: model.ErrorKindReadOnlyArea, Register: name}
	}
	if !writableDataType(spec.DType) {
		return &WriteError{Kind: model.ErrorKindOutOfRange, Register: name}
	}

	reply := make(chan error, 1)
	select {
	case p.writeCh <- WriteRequest{RegisterName: name, Value: value, Reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) registerSpec(name string) (model.RegisterSpec, bool) {
	for _, r := range p.cfg.Registers {
		if r.Name == name {
			return r, true
		}
	}
	return model.RegisterSpec{}, false
}

func writableDataType(dt model.DataType) bool {
	switch dt {
	case model.DataTypeBool, model.DataTypeU16, model.DataTypeI16:
		return true
	default:
		return false
	}
}

// Run drives the state machine until ctx is cancelled, returning nil on a
// clean stop. It never returns on protocol errors — only cancellation (the
// engine supervisor's shutdown signal) or an unrecoverable panic ends it.
func (p *Poller) Run(ctx context.Context) error {
	defer p.handler.Close()

	for {
		if err := ctx.Err(); err != nil {
			p.state = StateStopped
			return nil
		}

		switch p.state {
		case StateConnecting:
			p.connecting(ctx)
		case StatePolling:
			p.polling(ctx)
		case StateBackoff:
			p.backoff(ctx)
		case StateStopped:
			return nil
		}
	}
}

func (p *Poller) connecting(ctx context.Context) {
	if err := p.handler.Connect(); err != nil {
		kind := modbus.ClassifyError(err)
		p.log.Warn("connect failed", "kind", kind, "err", err)
		p.emitError(kind, err.Error())
		p.state = StateBackoff
		return
	}
	p.state = StatePolling
}

func (p *Poller) polling(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.state = StateStopped
			return
		case wr := <-p.writeCh:
			p.handleWrite(ctx, wr)
		case <-ticker.C:
			if p.pollOnce(ctx) {
				continue
			}
			if p.state != StatePolling {
				return
			}
		}
	}
}

// pollOnce runs one poll cycle and reports whether the state machine
// should remain in Polling (true) or has transitioned away (false).
func (p *Poller) pollOnce(ctx context.Context) bool {
	started := time.Now()
	now := started.UTC()
	allOK := true

	for _, plan := range p.plans {
		if err := p.runPlan(ctx, plan, now); err != nil {
			allOK = false
		}
	}

	if p.onPollComplete != nil {
		p.onPollComplete(time.Since(started))
	}

	p.pollCount++
	if allOK {
		p.consecutiveErrors = 0
		p.backoffAttempt = 0
		p.setConnected(true, now)
		return true
	}

	p.consecutiveErrors++
	if p.consecutiveErrors >= disconnectThreshold {
		p.setConnected(false, now)
	} else {
		p.setConnected(p.connected, now)
	}
	if p.consecutiveErrors >= backoffFailureThreshold {
		p.state = StateBackoff
		return false
	}
	return true
}

func (p *Poller) runPlan(ctx context.Context, plan readPlan, now time.Time) error {
	frame, err := p.read(ctx, plan)
	if err != nil {
		kind := modbus.ClassifyError(err)
		p.log.Warn("read failed", "area", plan.Area, "address", plan.Address, "count", plan.Count, "kind", kind, "err", err)
		p.emitError(kind, err.Error())
		return err
	}

	for _, spec := range plan.Registers {
		regFrame := sliceFrame(frame, plan, spec)
		value, raw, err := decode.Decode(regFrame, spec)
		if err != nil {
			p.log.Warn("decode failed", "register", spec.Name, "err", err)
			p.emitError(model.ErrorKindDecodeError, err.Error())
			continue
		}
		sample := model.Sample{
			DeviceID:     p.cfg.ID,
			RegisterName: spec.Name,
			Value:        value,
			Raw:          raw,
			Unit:         spec.Unit,
			Quality:      model.QualityGood,
			Timestamp:    now,
		}
		p.store.PutSample(sample)
		p.bus.Publish(model.Event{Sample: &model.SampleEvent{
			DeviceID:     sample.DeviceID,
			RegisterName: sample.RegisterName,
			Value:        sample.Value,
			Raw:          sample.Raw,
			Unit:         sample.Unit,
			Quality:      sample.Quality,
			Timestamp:    sample.Timestamp,
		}})
	}
	return nil
}

// read performs one Modbus read for plan, returning its payload unpacked
// into words or bits ready for per-register slicing.
func (p *Poller) read(ctx context.Context, plan readPlan) (decode.RawFrame, error) {
	switch plan.Area {
	case model.AreaCoil:
		data, err := p.client.ReadCoils(ctx, plan.Address, uint16(plan.Count))
		if err != nil {
			return decode.RawFrame{}, err
		}
		return decode.RawFrame{Bits: unpackBits(data, plan.Count)}, nil

	case model.AreaDiscreteInput:
		data, err := p.client.ReadDiscreteInputs(ctx, plan.Address, uint16(plan.Count))
		if err != nil {
			return decode.RawFrame{}, err
		}
		return decode.RawFrame{Bits: unpackBits(data, plan.Count)}, nil

	case model.AreaInputRegister:
		data, err := p.client.ReadInputRegisters(ctx, plan.Address, uint16(plan.Count))
		if err != nil {
			return decode.RawFrame{}, err
		}
		return decode.RawFrame{Words: unpackWords(data)}, nil

	case model.AreaHoldingRegister:
		data, err := p.client.ReadHoldingRegisters(ctx, plan.Address, uint16(plan.Count))
		if err != nil {
			return decode.RawFrame{}, err
		}
		return decode.RawFrame{Words: unpackWords(data)}, nil

	default:
		return decode.RawFrame{}, fmt.Errorf("poller: unknown area %v", plan.Area)
	}
}

// sliceFrame extracts one register's words/bits out of a plan-wide frame,
// using the register's address offset within the plan.
func sliceFrame(frame decode.RawFrame, plan readPlan, spec model.RegisterSpec) decode.RawFrame {
	offset := int(spec.Address) - int(plan.Address)
	if spec.Area.IsBit() {
		end := offset + spec.Count
		if end > len(frame.Bits) {
			end = len(frame.Bits)
		}
		if offset > end {
			offset = end
		}
		return decode.RawFrame{Bits: frame.Bits[offset:end]}
	}
	need := spec.DType.WordCount(spec.Count)
	end := offset + need
	if end > len(frame.Words) {
		end = len(frame.Words)
	}
	if offset > end {
		offset = end
	}
	return decode.RawFrame{Words: frame.Words[offset:end]}
}

func (p *Poller) handleWrite(ctx context.Context, wr WriteRequest) {
	spec, ok := p.registerSpec(wr.RegisterName)
	if !ok {
		wr.Reply <- fmt.Errorf("register %q: %w", wr.RegisterName, errRegisterNotFound)
		return
	}

	var err error
	switch spec.Area {
	case model.AreaCoil:
		err = p.writeCoil(ctx, spec, wr.Value)
	case model.AreaHoldingRegister:
		err = p.writeHoldingRegister(ctx, spec, wr.Value)
	default:
		err = &WriteError{Kind: model.ErrorKindReadOnlyArea, Register: wr.RegisterName}
	}

	if err != nil {
		var writeErr *WriteError
		kind := modbus.ClassifyError(err)
		if errors.As(err, &writeErr) {
			kind = writeErr.Kind
		}
		p.emitError(kind, err.Error())
	}
	wr.Reply <- err
}

func (p *Poller) writeCoil(ctx context.Context, spec model.RegisterSpec, value any) error {
	truthy, ok := asBool(value)
	if !ok {
		return &WriteError{Kind: model.ErrorKindOutOfRange, Register: spec.Name}
	}
	// Open question resolved (spec.md §9): any non-zero/true value maps
	// to wire value 0xFF00; false/zero maps to 0x0000.
	wire := uint16(0x0000)
	if truthy {
		wire = 0xFF00
	}
	_, err := p.client.WriteSingleCoil(ctx, spec.Address, wire)
	return err
}

func (p *Poller) writeHoldingRegister(ctx context.Context, spec model.RegisterSpec, value any) error {
	word, ok := asWord(value)
	if !ok {
		return &WriteError{Kind: model.ErrorKindOutOfRange, Register: spec.Name}
	}
	_, err := p.client.WriteSingleRegister(ctx, spec.Address, word)
	return err
}

func asBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case int:
		return v != 0, true
	default:
		return false, false
	}
}

func asWord(value any) (uint16, bool) {
	switch v := value.(type) {
	case float64:
		return uint16(v), true
	case int:
		return uint16(v), true
	case uint16:
		return v, true
	default:
		return 0, false
	}
}

func (p *Poller) backoff(ctx context.Context) {
	delay := p.cfg.PollInterval << p.backoffAttempt
	if delay > backoffCeiling || delay <= 0 {
		delay = backoffCeiling
	}
	p.backoffAttempt++
	p.log.Info("backing off", "delay", delay, "consecutive_errors", p.consecutiveErrors)

	select {
	case <-ctx.Done():
		p.state = StateStopped
	case <-time.After(delay):
		p.state = StateConnecting
	}
}

func (p *Poller) setConnected(connected bool, now time.Time) {
	changed := p.connected != connected
	p.connected = connected
	status := model.DeviceStatus{
		DeviceID:          p.cfg.ID,
		Connected:         connected,
		LastPollAt:        now,
		PollCount:         p.pollCount,
		ConsecutiveErrors: p.consecutiveErrors,
		LastErrorKind:     p.lastErrorKind,
	}
	p.store.PutStatus(status)
	if changed {
		p.bus.Publish(model.Event{Status: &model.StatusEvent{
			DeviceID:   status.DeviceID,
			Connected:  status.Connected,
			LastPoll:   status.LastPollAt,
			PollCount:  status.PollCount,
			ErrorCount: status.ConsecutiveErrors,
			Timestamp:  now,
		}})
	}
}

func (p *Poller) emitError(kind model.ErrorKind, message string) {
	p.lastErrorKind = kind
	p.bus.Publish(model.Event{Error: &model.ErrorEvent{
		DeviceID:  p.cfg.ID,
		ErrorKind: kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}})
}

// State reports the poller's current state, for diagnostics.
func (p *Poller) State() State { return p.state }
