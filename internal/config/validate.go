// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import "errors"

var (
	// ErrInvalidLogLevel indicates that the provided log level is not valid.
	ErrInvalidLogLevel = errors.New("invalid log level provided")
	// ErrInvalidTickInterval indicates the device poll interval must be positive.
	ErrInvalidTickInterval = errors.New("device tick interval must be positive")
	// ErrInvalidDefaultTimeOut indicates the device idle timeout must be positive.
	ErrInvalidDefaultTimeOut = errors.New("device default timeout must be positive")
	// ErrInvalidDefaultCoolTime indicates the device cool time must not be negative.
	ErrInvalidDefaultCoolTime = errors.New("device default cool time must not be negative")
	// ErrInvalidRouteTTL indicates the route table expiry must be positive.
	ErrInvalidRouteTTL = errors.New("route TTL must be positive")
	// ErrInvalidPacketTTL indicates the default packet hop budget must be positive.
	ErrInvalidPacketTTL = errors.New("packet TTL must be positive")
	// ErrNetworkNameRequired indicates the mesh network name must not be empty.
	ErrNetworkNameRequired = errors.New("network name is required")
)

// Validate validates the Device configuration.
func (d Device) Validate() error {
	if d.TickInterval <= 0 {
		return ErrInvalidTickInterval
	}
	if d.DefaultTimeOut <= 0 {
		return ErrInvalidDefaultTimeOut
	}
	if d.DefaultCoolTime < 0 {
		return ErrInvalidDefaultCoolTime
	}
	return nil
}

// Validate validates the Routing configuration.
func (r Routing) Validate() error {
	if r.RouteTTL <= 0 {
		return ErrInvalidRouteTTL
	}
	if r.PacketTTL <= 0 {
		return ErrInvalidPacketTTL
	}
	return nil
}

// Validate validates the overall Config.
func (c Config) Validate() error {
	if c.LogLevel != LogLevelDebug &&
		c.LogLevel != LogLevelInfo &&
		c.LogLevel != LogLevelWarn &&
		c.LogLevel != LogLevelError {
		return ErrInvalidLogLevel
	}

	if c.NetworkName == "" {
		return ErrNetworkNameRequired
	}

	if err := c.Device.Validate(); err != nil {
		return err
	}

	if err := c.Routing.Validate(); err != nil {
		return err
	}

	return nil
}
