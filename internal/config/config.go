// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config holds the overlay mesh's runtime configuration, loaded
// through github.com/USA-RedDragon/configulator the same way the teacher's
// internal/cmd/root.go does: a Configulator is placed on the command
// context by main.go, and the cmd package's RunE pulls it back out with
// configulator.FromContext before calling Load.
package config

import "time"

// Config stores the overlay mesh's runtime configuration.
type Config struct {
	// LogLevel selects the slog/tint handler level the cmd package installs.
	LogLevel LogLevel `name:"log-level" default:"info"`

	Device  Device  `name:"device"`
	Routing Routing `name:"routing"`

	// MetricsEnabled toggles whether Manager wires a telemetry.Metrics
	// instance into its registries. No HTTP exposition is ever started
	// regardless of this flag; the overlay mesh's HTTP/WebSocket surface is
	// an out-of-scope external collaborator.
	MetricsEnabled bool `name:"metrics-enabled" default:"true"`

	// NetworkName labels the demonstration mesh the cmd package stands up.
	NetworkName string `name:"network-name" default:"overlay"`
}

// Device groups the defaults every overlay.DeviceConfig is seeded from.
type Device struct {
	// TickInterval is validated but not passed to devices: a Device polls
	// its own inbox at a fixed 100ms (overlay's pollInterval).
	TickInterval time.Duration `name:"tick-interval" default:"100ms"`
	// DefaultTimeOut bounds how long a Device waits for a new packet
	// before running a reasoning tick anyway.
	DefaultTimeOut time.Duration `name:"default-timeout" default:"10s"`
	// DefaultCoolTime is how long a streaming completion runs before a
	// newly arrived packet is allowed to interrupt it.
	DefaultCoolTime time.Duration `name:"default-cool-time" default:"200ms"`
}

// Routing groups the RoomHub forwarding-engine defaults.
type Routing struct {
	// RouteTTL is validated but not passed to hubs: a RoomHub's discovered
	// routes stay usable for a fixed 3s (overlay's routeExpiry).
	RouteTTL time.Duration `name:"route-ttl" default:"3s"`
	// PacketTTL is validated but not passed to the overlay package: a
	// freshly minted packet always starts with overlay.DefaultTTL (128).
	PacketTTL int `name:"packet-ttl" default:"128"`
}

// Default returns, as a single literal, the same values the struct tags'
// `default` entries give the loaded configuration. The cmd package loads
// through configulator and does not call Default.
func Default() Config {
	return Config{
		LogLevel: LogLevelInfo,
		Device: Device{
			TickInterval:    100 * time.Millisecond,
			DefaultTimeOut:  10 * time.Second,
			DefaultCoolTime: 200 * time.Millisecond,
		},
		Routing: Routing{
			RouteTTL:  3 * time.Second,
			PacketTTL: 128,
		},
		MetricsEnabled: true,
		NetworkName:    "overlay",
	}
}
