// Package metrics exposes a Prometheus Collector for the wire client and
// its connection pool.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for a mysqlwire client.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec
	acquireDuration    *prometheus.HistogramVec

	commandDuration *prometheus.HistogramVec
	commandErrors   *prometheus.CounterVec

	authAttempts *prometheus.CounterVec

	pingDuration *prometheus.HistogramVec
	reconnects   *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics on an independent
// registry. Safe to call multiple times (e.g. in tests, or once per pool
// in a process with several pools) since each call's registry is isolated
// from any other's.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlwire_connections_active",
				Help: "Number of connections currently checked out of the pool",
			},
			[]string{"pool"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlwire_connections_idle",
				Help: "Number of idle connections held by the pool",
			},
			[]string{"pool"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlwire_connections_total",
				Help: "Total connections (idle + active) held by the pool",
			},
			[]string{"pool"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlwire_connections_waiting",
				Help: "Number of goroutines blocked in Acquire",
			},
			[]string{"pool"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlwire_pool_exhausted_total",
				Help: "Total number of times Acquire had to wait because the pool was at MaxConns",
			},
			[]string{"pool"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlwire_acquire_duration_seconds",
				Help:    "Time spent waiting in ConnPool.Acquire",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"pool"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlwire_command_duration_seconds",
				Help:    "Duration of a command round-trip, by opcode",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"opcode"},
		),
		commandErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlwire_command_errors_total",
				Help: "Command errors by opcode and MySQL error class",
			},
			[]string{"opcode", "error_class"},
		),
		authAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlwire_auth_attempts_total",
				Help: "Authentication attempts by plugin and outcome",
			},
			[]string{"plugin", "status"},
		),
		pingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlwire_ping_duration_seconds",
				Help:    "Duration of COM_PING round-trips",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"status"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlwire_reconnects_total",
				Help: "Reconnect-on-ping attempts by outcome",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.acquireDuration,
		c.commandDuration,
		c.commandErrors,
		c.authAttempts,
		c.pingDuration,
		c.reconnects,
	)

	return c
}

// UpdatePoolStats refreshes the connection-count gauges for one named pool.
func (c *Collector) UpdatePoolStats(pool string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(pool).Set(float64(active))
	c.connectionsIdle.WithLabelValues(pool).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(pool).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(pool).Set(float64(waiting))
}

// PoolExhausted increments the pool-exhaustion counter. Intended as a
// ConnPool.OnPoolExhausted callback.
func (c *Collector) PoolExhausted(pool string) {
	c.poolExhausted.WithLabelValues(pool).Inc()
}

// AcquireDuration observes time spent waiting in Acquire.
func (c *Collector) AcquireDuration(pool string, d time.Duration) {
	c.acquireDuration.WithLabelValues(pool).Observe(d.Seconds())
}

// CommandCompleted records a command's round-trip duration by opcode name
// ("query", "ping", "kill", "quit").
func (c *Collector) CommandCompleted(opcode string, d time.Duration) {
	c.commandDuration.WithLabelValues(opcode).Observe(d.Seconds())
}

// CommandError records a command failure, classified by the MySQL error
// class it mapped to ("programming", "operational", "integrity", ...).
func (c *Collector) CommandError(opcode, errorClass string) {
	c.commandErrors.WithLabelValues(opcode, errorClass).Inc()
}

// AuthAttempt records an authentication attempt for one plugin.
func (c *Collector) AuthAttempt(plugin string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.authAttempts.WithLabelValues(plugin, status).Inc()
}

// PingCompleted records a COM_PING round-trip.
func (c *Collector) PingCompleted(d time.Duration, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.pingDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Reconnected records a reconnect-on-ping attempt and its outcome.
func (c *Collector) Reconnected(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.reconnects.WithLabelValues(status).Inc()
}
