package tlog

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// namespace is the leading part of all published metrics for the transaction log.
const namespace = "translog"

const (
	partSubsystem    = "parts"    // sub-system associated with metrics for part files.
	appendSubsystem  = "appends"  // sub-system associated with metrics for the write path.
	sessionSubsystem = "sessions" // sub-system associated with metrics for visit sessions.
)

// Metrics are the prometheus metrics shared by all domains of a process.
// Every metric carries a "domain" label in addition to the configured ones.
type Metrics struct {
	labels prometheus.Labels // Read Only

	Parts       *prometheus.GaugeVec
	DiskSize    *prometheus.GaugeVec
	Rotations   *prometheus.CounterVec
	Truncations *prometheus.CounterVec

	// Appends includes a "status" = {ok, error} label.
	Appends       *prometheus.CounterVec
	AppendedBytes *prometheus.CounterVec

	SessionsActive  *prometheus.GaugeVec
	SessionDuration *prometheus.HistogramVec
}

// NewMetrics initialises the prometheus metrics for the transaction log.
func NewMetrics(labels prometheus.Labels) *Metrics {
	names := []string{"domain"}
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	statusNames := append(append([]string(nil), names...), "status")
	sort.Strings(statusNames)

	return &Metrics{
		labels: labels,
		Parts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: partSubsystem,
			Name:      "total",
			Help:      "Number of part files in a domain.",
		}, names),
		DiskSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: partSubsystem,
			Name:      "disk_bytes",
			Help:      "Number of bytes part files are using on disk.",
		}, names),
		Rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: partSubsystem,
			Name:      "rotations_total",
			Help:      "Number of times the active part was rotated.",
		}, names),
		Truncations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: partSubsystem,
			Name:      "truncations_total",
			Help:      "Number of torn tails removed during recovery.",
		}, names),
		Appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: appendSubsystem,
			Name:      "total",
			Help:      "Number of packets appended.",
		}, statusNames),
		AppendedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: appendSubsystem,
			Name:      "bytes_total",
			Help:      "Number of packet bytes appended.",
		}, names),
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: sessionSubsystem,
			Name:      "active",
			Help:      "Number of visit sessions registered.",
		}, names),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: sessionSubsystem,
			Name:      "duration_seconds",
			Help:      "Time between starting and closing a visit session.",
			// 20 buckets spaced exponentially between 1ms and ~9 minutes.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 20),
		}, names),
	}
}

// Labels returns a copy of labels for use with metrics of domain.
func (m *Metrics) Labels(domain string) prometheus.Labels {
	l := make(map[string]string, len(m.labels)+1)
	for k, v := range m.labels {
		l[k] = v
	}
	l["domain"] = domain
	return l
}

// statusLabels returns the labels of domain extended with status.
func (m *Metrics) statusLabels(domain, status string) prometheus.Labels {
	l := m.Labels(domain)
	l["status"] = status
	return l
}

// forget removes every series of domain.
func (m *Metrics) forget(domain string) {
	labels := m.Labels(domain)
	m.Parts.Delete(labels)
	m.DiskSize.Delete(labels)
	m.Rotations.Delete(labels)
	m.Truncations.Delete(labels)
	m.AppendedBytes.Delete(labels)
	m.SessionsActive.Delete(labels)
	m.SessionDuration.Delete(labels)
	m.Appends.Delete(m.statusLabels(domain, "ok"))
	m.Appends.Delete(m.statusLabels(domain, "error"))
}

// PrometheusCollectors returns the collectors to register with a registry.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Parts,
		m.DiskSize,
		m.Rotations,
		m.Truncations,
		m.Appends,
		m.AppendedBytes,
		m.SessionsActive,
		m.SessionDuration,
	}
}
