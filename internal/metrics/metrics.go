package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics counts what the collector loop does. Each instance has its own
// registry so tests and multiple loops never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	LinesRead       prometheus.Counter
	ParseErrors     prometheus.Counter
	SamplesStored   prometheus.Counter
	StoreErrors     prometheus.Counter
	Reconnects      prometheus.Counter
	ReadTimeouts    prometheus.Counter
	DeviceConnected prometheus.Gauge
	LastSample      prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LinesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weather_lines_read_total",
			Help: "Lines read from the serial device.",
		}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weather_parse_errors_total",
			Help: "Lines or frames dropped because no field was recognized.",
		}),
		SamplesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weather_samples_stored_total",
			Help: "Samples written to the latest-sample file.",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weather_store_errors_total",
			Help: "Failed writes of the latest-sample file.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weather_reconnects_total",
			Help: "Successful device opens after the first one.",
		}),
		ReadTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weather_read_timeouts_total",
			Help: "Poll cycles without a complete line.",
		}),
		DeviceConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weather_device_connected",
			Help: "1 while the serial device is open.",
		}),
		LastSample: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weather_last_sample_timestamp_seconds",
			Help: "Unix time of the last stored sample.",
		}),
	}

	m.registry.MustRegister(
		m.LinesRead, m.ParseErrors, m.SamplesStored, m.StoreErrors,
		m.Reconnects, m.ReadTimeouts, m.DeviceConnected, m.LastSample,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is what /metrics serves.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.DeviceConnected.Set(1)
		return
	}
	m.DeviceConnected.Set(0)
}

func (m *Metrics) Stored(ts time.Time) {
	m.SamplesStored.Inc()
	m.LastSample.Set(float64(ts.UnixNano()) / 1e9)
}
