// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events implements the Manager's observability bus: a
// state-change listener registry and a packet-transfer listener
// registry. Dispatch is synchronous and in the order of the
// originating mutation (spec §5), and a panicking listener never
// aborts the mutation that triggered it (spec §7).
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roomhub/overlay/internal/ids"
)

// Reason is the closed set of state-change reasons a Manager can emit.
type Reason string

const (
	HubCreated             Reason = "hub.created"
	HubDeleted             Reason = "hub.deleted"
	HubConnectionCreated   Reason = "hub.connection.created"
	HubConnectionRemoved   Reason = "hub.connection.removed"
	DeviceCreated          Reason = "device.created"
	DeviceDeleted          Reason = "device.deleted"
	DeviceMoved            Reason = "device.moved"
	DeviceStreamingChanged Reason = "device.streaming"
)

// StateChange is the payload delivered to state-change listeners.
type StateChange struct {
	Reason  Reason
	Changes map[string]any
}

// StateChangeListener observes manager-level lifecycle mutations.
type StateChangeListener func(reason Reason, changes map[string]any)

// PacketTransferListener observes every edge traversal a Connection performs.
// packet is a deep copy; mutating it has no effect on the in-flight original.
type PacketTransferListener func(source, target ids.ID, packet any)

var subscriberCounter atomic.Int64

type stateSubscriber struct {
	id      int64
	handler StateChangeListener
}

type packetSubscriber struct {
	id      int64
	handler PacketTransferListener
}

// Token identifies a previously registered listener for later removal.
type Token struct {
	id int64
}

// Bus fans state-change and packet-transfer notifications out to
// registered listeners. The zero value is an empty, usable bus, the same
// one NewBus returns.
type Bus struct {
	mu              sync.Mutex
	stateListeners  []stateSubscriber
	packetListeners []packetSubscriber
}

// NewBus constructs an empty observability bus.
func NewBus() *Bus {
	return &Bus{}
}

// RegisterStateChangeListener appends a listener to the registration-order
// list and returns a token that can later be passed to
// UnregisterStateChangeListener.
func (b *Bus) RegisterStateChangeListener(l StateChangeListener) Token {
	id := subscriberCounter.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateListeners = append(b.stateListeners, stateSubscriber{id: id, handler: l})
	return Token{id: id}
}

// UnregisterStateChangeListener removes the listener identified by tok, if any.
func (b *Bus) UnregisterStateChangeListener(tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.stateListeners {
		if s.id == tok.id {
			b.stateListeners = append(b.stateListeners[:i:i], b.stateListeners[i+1:]...)
			return
		}
	}
}

// RegisterPacketTransferListener appends a packet-transfer listener.
func (b *Bus) RegisterPacketTransferListener(l PacketTransferListener) Token {
	id := subscriberCounter.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.packetListeners = append(b.packetListeners, packetSubscriber{id: id, handler: l})
	return Token{id: id}
}

// UnregisterPacketTransferListener removes the listener identified by tok, if any.
func (b *Bus) UnregisterPacketTransferListener(tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.packetListeners {
		if s.id == tok.id {
			b.packetListeners = append(b.packetListeners[:i:i], b.packetListeners[i+1:]...)
			return
		}
	}
}

// NotifyStateChange synchronously dispatches a state change to every
// registered listener, in registration order, swallowing panics. Dispatch
// iterates a snapshot so a listener may safely unregister mid-dispatch.
func (b *Bus) NotifyStateChange(reason Reason, changes map[string]any) {
	b.mu.Lock()
	snapshot := make([]stateSubscriber, len(b.stateListeners))
	copy(snapshot, b.stateListeners)
	b.mu.Unlock()

	if changes == nil {
		changes = map[string]any{}
	}

	for _, s := range snapshot {
		dispatchState(s.handler, reason, changes)
	}
}

// NotifyPacketTransfer synchronously dispatches a packet-transfer
// observation to every registered listener, in registration order,
// swallowing panics.
func (b *Bus) NotifyPacketTransfer(source, target ids.ID, packet any) {
	b.mu.Lock()
	snapshot := make([]packetSubscriber, len(b.packetListeners))
	copy(snapshot, b.packetListeners)
	b.mu.Unlock()

	for _, s := range snapshot {
		dispatchPacket(s.handler, source, target, packet)
	}
}

func dispatchState(l StateChangeListener, reason Reason, changes map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("state-change listener panicked", "reason", reason, "recovered", r)
		}
	}()
	l(reason, changes)
}

func dispatchPacket(l PacketTransferListener, source, target ids.ID, packet any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("packet-transfer listener panicked", "recovered", r)
		}
	}()
	l(source, target, packet)
}
