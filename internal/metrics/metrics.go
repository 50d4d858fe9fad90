// Package metrics exposes the counters and histograms spec.md §7/§8
// require as a Prometheus subscriber of the broadcast bus: device error
// counts, restart counts, dropped-event counts, and poll duration.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lumberbarons/modbus-gateway/internal/bus"
	"github.com/lumberbarons/modbus-gateway/internal/model"
)

// Registry owns the process-wide Prometheus collectors (spec.md §9:
// "the sample store and metrics registry are process-wide ... singletons
// created by the supervisor at init").
type Registry struct {
	DeviceErrorsTotal   *prometheus.CounterVec
	DeviceRestartsTotal *prometheus.CounterVec
	EventsDroppedTotal  *prometheus.CounterVec
	PollDuration        *prometheus.HistogramVec
	SamplesTotal        *prometheus.CounterVec
	DeviceConnected     *prometheus.GaugeVec
}

// NewRegistry registers every collector against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		DeviceErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "device_errors_total",
			Help: "Count of protocol/decode errors per device and error kind.",
		}, []string{"device", "kind"}),
		DeviceRestartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "device_restarts_total",
			Help: "Count of poller restarts per device.",
		}, []string{"device"}),
		EventsDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Count of broadcast events dropped per subscriber due to a full buffer.",
		}, []string{"subscriber"}),
		PollDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "poll_duration_seconds",
			Help:    "Wall time of one complete device poll cycle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"device"}),
		SamplesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "samples_total",
			Help: "Count of samples produced per device and register.",
		}, []string{"device", "register"}),
		DeviceConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "device_connected",
			Help: "1 if the device's last poll was successful enough to be considered connected, else 0.",
		}, []string{"device"}),
	}
}

// OnDrop adapts the broadcast bus's drop callback to EventsDroppedTotal.
func (r *Registry) OnDrop(subscriber string) {
	r.EventsDroppedTotal.WithLabelValues(subscriber).Inc()
}

// OnRestart adapts the engine's restart hook to DeviceRestartsTotal.
func (r *Registry) OnRestart(deviceID string) {
	r.DeviceRestartsTotal.WithLabelValues(deviceID).Inc()
}

// OnError adapts the engine's per-attempt error hook to DeviceErrorsTotal.
func (r *Registry) OnError(deviceID string, kind model.ErrorKind) {
	r.DeviceErrorsTotal.WithLabelValues(deviceID, kind.String()).Inc()
}

// Run subscribes to the bus and folds SampleEvent/StatusEvent/ErrorEvent
// into the registry's collectors until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("metrics", bus.DefaultCapacity)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Events():
			r.handle(ev)
		}
	}
}

func (r *Registry) handle(ev model.Event) {
	switch {
	case ev.Sample != nil:
		r.SamplesTotal.WithLabelValues(ev.Sample.DeviceID, ev.Sample.RegisterName).Inc()
	case ev.Status != nil:
		connected := 0.0
		if ev.Status.Connected {
			connected = 1.0
		}
		r.DeviceConnected.WithLabelValues(ev.Status.DeviceID).Set(connected)
	case ev.Error != nil:
		r.DeviceErrorsTotal.WithLabelValues(ev.Error.DeviceID, ev.Error.ErrorKind.String()).Inc()
	}
}

// ObservePoll records the wall time of one poll cycle.
func (r *Registry) ObservePoll(deviceID string, d time.Duration) {
	r.PollDuration.WithLabelValues(deviceID).Observe(d.Seconds())
}
