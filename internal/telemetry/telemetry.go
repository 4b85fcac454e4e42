// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry exposes in-process prometheus metrics for the overlay
// mesh. It intentionally stops at the Registry: nothing in this package
// starts an HTTP listener, since scraping the registry is the caller's
// concern and the HTTP surface is out of scope for this module (spec §1).
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters and gauges the core emits into.
type Metrics struct {
	Registry *prometheus.Registry

	PacketsSent    *prometheus.CounterVec
	PacketsDropped *prometheus.CounterVec
	RoutesLearned  prometheus.Counter
	RoutesExpired  prometheus.Counter
	ActiveDevices  prometheus.Gauge
	ActiveHubs     prometheus.Gauge
}

// New constructs a fresh, isolated registry and metric set. Tests and
// multiple Manager instances in the same process should each use their own
// Metrics so counters don't bleed across unrelated meshes.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "packets_sent_total",
			Help:      "Packets handed to a connection for transfer, labeled by action type.",
		}, []string{"type"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "packets_dropped_total",
			Help:      "Packets dropped before delivery, labeled by reason.",
		}, []string{"reason"}),
		RoutesLearned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "routes_learned_total",
			Help:      "Route table entries learned via the discovery protocol.",
		}),
		RoutesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "routes_expired_total",
			Help:      "Route table entries reclaimed after expiry.",
		}),
		ActiveDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "overlay",
			Name:      "active_devices",
			Help:      "Devices currently registered with the manager.",
		}),
		ActiveHubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "overlay",
			Name:      "active_hubs",
			Help:      "Room hubs currently registered with the manager.",
		}),
	}

	reg.MustRegister(
		m.PacketsSent,
		m.PacketsDropped,
		m.RoutesLearned,
		m.RoutesExpired,
		m.ActiveDevices,
		m.ActiveHubs,
	)

	return m
}
