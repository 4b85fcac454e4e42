// SPDX-License-Identifier: AGPL-3.0-or-later

package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/roomhub/overlay/internal/events"
	"github.com/roomhub/overlay/internal/ids"
	"github.com/roomhub/overlay/internal/oracle"
	"github.com/roomhub/overlay/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// routeSweepInterval is how often the Manager asks every RoomHub to expire
// its stale route-table entries. It runs far more often than the 3s route
// expiry itself so a dead route never outlives it by more than a beat.
const routeSweepInterval = time.Second

// Manager owns every Node, Connection, RoomHub and Device in the mesh. It is
// the only component that mutates the registries, and the only component
// that implements Router: Node and RoomHub hold IDs, never pointers, and
// resolve them back to live objects exclusively through this type (see
// Router's doc comment in node.go).
type Manager struct {
	nodes       *xsync.Map[ids.ID, *Node]
	connections *xsync.Map[ids.ID, *Connection]
	hubs        *xsync.Map[ids.ID, *RoomHub]
	devices     *xsync.Map[ids.ID, *Device]

	bus     *events.Bus
	metrics *telemetry.Metrics

	schedulerMu sync.Mutex
	scheduler   gocron.Scheduler
	group       *errgroup.Group
	groupCtx    context.Context
	cancel      context.CancelFunc
}

// NewManager constructs an empty Manager. bus and metrics may be nil, in
// which case state changes and packet transfers are simply not observed.
func NewManager(bus *events.Bus, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		nodes:       xsync.NewMap[ids.ID, *Node](),
		connections: xsync.NewMap[ids.ID, *Connection](),
		hubs:        xsync.NewMap[ids.ID, *RoomHub](),
		devices:     xsync.NewMap[ids.ID, *Device](),
		bus:         bus,
		metrics:     metrics,
	}
}

func (m *Manager) notify(reason events.Reason, changes map[string]any) {
	if m.bus != nil {
		m.bus.NotifyStateChange(reason, changes)
	}
}

// HasNode implements Router: it reports whether the connection identified by
// connectionID has node among its two endpoints.
func (m *Manager) HasNode(connectionID ids.ID, node ids.ID) bool {
	conn, ok := m.connections.Load(connectionID)
	if !ok {
		return false
	}
	return conn.HasNode(node)
}

// Transfer implements Router: it resolves connectionID to a live Connection
// and delivers a deep copy of packet to whichever endpoint is not sender.
func (m *Manager) Transfer(connectionID ids.ID, sender ids.ID, packet Packet) error {
	conn, ok := m.connections.Load(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	return conn.Transfer(sender, packet, func(target ids.ID, delivered Packet) {
		if m.bus != nil {
			m.bus.NotifyPacketTransfer(sender, target, delivered)
		}
		if m.metrics != nil {
			m.metrics.PacketsSent.WithLabelValues(string(delivered.Type)).Inc()
		}
		node, ok := m.nodes.Load(target)
		if !ok {
			if m.metrics != nil {
				m.metrics.PacketsDropped.WithLabelValues("node_not_found").Inc()
			}
			return
		}
		node.Receive(delivered)
	})
}

// CreateRoomHub allocates a new Node+RoomHub pair and registers both.
func (m *Manager) CreateRoomHub(name string) *RoomHub {
	id := ids.New()
	var hub *RoomHub
	node := NewNode(id, func(p Packet) { hub.OnPacketReceived(p) })
	hub = NewRoomHub(node, name, m, nil)
	if m.metrics != nil {
		hub.SetRouteLearnedHook(func() { m.metrics.RoutesLearned.Inc() })
	}

	m.nodes.Store(id, node)
	m.hubs.Store(id, hub)

	if m.metrics != nil {
		m.metrics.ActiveHubs.Inc()
	}
	m.notify(events.HubCreated, map[string]any{"hubUuid": id.String(), "name": name})
	return hub
}

// DeleteRoomHub removes a hub, its node and every connection touching it.
func (m *Manager) DeleteRoomHub(hubID ids.ID) error {
	hub, ok := m.hubs.Load(hubID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHubNotFound, hubID)
	}

	for _, peer := range hub.ConnectedHubs() {
		_ = m.DisconnectRoomHubs(hubID, peer)
	}
	for _, deviceID := range hub.ConnectedDevices() {
		if device, ok := m.devices.Load(deviceID); ok {
			_ = device.LeaveHub()
			_ = m.DisconnectDeviceFromHub(deviceID, hubID)
		}
	}

	m.hubs.Delete(hubID)
	m.nodes.Delete(hubID)

	if m.metrics != nil {
		m.metrics.ActiveHubs.Dec()
	}
	m.notify(events.HubDeleted, map[string]any{"hubUuid": hubID.String()})
	return nil
}

// ConnectRoomHubs wires a bidirectional Connection between two hubs and
// records each as the other's adjacent hub.
func (m *Manager) ConnectRoomHubs(aID, bID ids.ID) error {
	a, ok := m.hubs.Load(aID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHubNotFound, aID)
	}
	b, ok := m.hubs.Load(bID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHubNotFound, bID)
	}
	if aID == bID {
		return ErrSelfLoop
	}
	if a.IsHubConnected(bID) {
		return ErrAlreadyConnected
	}

	connID := ids.New()
	conn := NewConnection(connID, aID, bID)
	m.connections.Store(connID, conn)

	a.node.addConnection(connID)
	b.node.addConnection(connID)
	a.addAdjacentHub(bID)
	b.addAdjacentHub(aID)

	m.notify(events.HubConnectionCreated, map[string]any{
		"connectionUuid": connID.String(),
		"aUuid":          aID.String(),
		"bUuid":          bID.String(),
	})
	return nil
}

// DisconnectRoomHubs removes the connection between two hubs, if any, and
// clears every route table entry that depended on it.
func (m *Manager) DisconnectRoomHubs(aID, bID ids.ID) error {
	a, ok := m.hubs.Load(aID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHubNotFound, aID)
	}
	b, ok := m.hubs.Load(bID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHubNotFound, bID)
	}

	var removed ids.ID
	m.connections.Range(func(connID ids.ID, conn *Connection) bool {
		if conn.HasNode(aID) && conn.HasNode(bID) {
			removed = connID
			return false
		}
		return true
	})
	if removed.IsZero() {
		return ErrConnectionNotFound
	}

	m.connections.Delete(removed)
	a.node.removeConnection(removed)
	b.node.removeConnection(removed)
	a.removeAdjacentHub(bID)
	b.removeAdjacentHub(aID)
	a.RemoveRoutesFor(bID)
	b.RemoveRoutesFor(aID)

	m.notify(events.HubConnectionRemoved, map[string]any{
		"connectionUuid": removed.String(),
		"aUuid":          aID.String(),
		"bUuid":          bID.String(),
	})
	return nil
}

// CreateDevice allocates a new Node+Device pair, registers both, and wires
// the device's move-room tool to the Manager's own connection logic so a
// device can hop between hubs without the Device knowing anything about how
// connections get wired.
func (m *Manager) CreateDevice(client oracle.Client, cfg DeviceConfig) *Device {
	id := ids.New()
	var device *Device
	node := NewNode(id, func(p Packet) { device.OnPacketReceived(p) })
	device = NewDevice(node, m, client, cfg)

	m.nodes.Store(id, node)
	m.devices.Store(id, device)

	device.SetMoveHubConnector(func(newHubID ids.ID) error {
		// MoveHub has already left the old hub when this runs, so the old
		// hub is found through the node's remaining connections.
		oldConns := node.ConnectionIDs()
		if err := m.ConnectDeviceToHub(id, newHubID); err != nil {
			return err
		}
		for _, connID := range oldConns {
			if conn, ok := m.connections.Load(connID); ok {
				if peer, err := conn.PeerOf(id); err == nil {
					_ = m.DisconnectDeviceFromHub(id, peer)
				}
			}
		}
		return nil
	})

	if m.metrics != nil {
		m.metrics.ActiveDevices.Inc()
	}
	m.notify(events.DeviceCreated, map[string]any{"deviceUuid": id.String(), "name": cfg.Name})
	return device
}

// ConnectDeviceToHub wires a Connection between a device's node and a hub's
// node, without changing the device's own JoinHub/LeaveHub bookkeeping —
// callers (JoinHub, MoveHub) are expected to drive membership separately via
// the connect callback they pass in.
func (m *Manager) ConnectDeviceToHub(deviceID, hubID ids.ID) error {
	device, ok := m.devices.Load(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	hub, ok := m.hubs.Load(hubID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHubNotFound, hubID)
	}

	connID := ids.New()
	conn := NewConnection(connID, deviceID, hubID)
	m.connections.Store(connID, conn)
	device.node.addConnection(connID)
	hub.node.addConnection(connID)
	return nil
}

// DisconnectDeviceFromHub removes the connection between a device and a hub.
func (m *Manager) DisconnectDeviceFromHub(deviceID, hubID ids.ID) error {
	device, ok := m.devices.Load(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	hub, ok := m.hubs.Load(hubID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHubNotFound, hubID)
	}

	var removed ids.ID
	m.connections.Range(func(connID ids.ID, conn *Connection) bool {
		if conn.HasNode(deviceID) && conn.HasNode(hubID) {
			removed = connID
			return false
		}
		return true
	})
	if removed.IsZero() {
		return ErrConnectionNotFound
	}

	m.connections.Delete(removed)
	device.node.removeConnection(removed)
	hub.node.removeConnection(removed)
	return nil
}

// DeleteDevice stops the device (if running), leaves its hub, removes every
// connection touching it and drops it from the registries.
func (m *Manager) DeleteDevice(deviceID ids.ID) error {
	device, ok := m.devices.Load(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	device.Stop()
	if hubID, ok := device.HubID(); ok {
		_ = device.LeaveHub()
		_ = m.DisconnectDeviceFromHub(deviceID, hubID)
	}

	m.devices.Delete(deviceID)
	m.nodes.Delete(deviceID)

	if m.metrics != nil {
		m.metrics.ActiveDevices.Dec()
	}
	m.notify(events.DeviceDeleted, map[string]any{"deviceUuid": deviceID.String()})
	return nil
}

// Hub looks up a registered RoomHub by ID.
func (m *Manager) Hub(id ids.ID) (*RoomHub, bool) { return m.hubs.Load(id) }

// Device looks up a registered Device by ID.
func (m *Manager) Device(id ids.ID) (*Device, bool) { return m.devices.Load(id) }

// Hubs returns a snapshot of every registered RoomHub.
func (m *Manager) Hubs() []*RoomHub {
	out := make([]*RoomHub, 0, m.hubs.Size())
	m.hubs.Range(func(_ ids.ID, h *RoomHub) bool {
		out = append(out, h)
		return true
	})
	return out
}

// Devices returns a snapshot of every registered Device.
func (m *Manager) Devices() []*Device {
	out := make([]*Device, 0, m.devices.Size())
	m.devices.Range(func(_ ids.ID, d *Device) bool {
		out = append(out, d)
		return true
	})
	return out
}

// Start launches every registered device's reasoning loop and a periodic
// route-table sweep job, returning once everything is running. Stop (or
// cancelling ctx) tears both down.
func (m *Manager) Start(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create route-sweep scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(routeSweepInterval),
		gocron.NewTask(func() {
			for _, hub := range m.Hubs() {
				if n := hub.ExpireRoutes(); n > 0 && m.metrics != nil {
					m.metrics.RoutesExpired.Add(float64(n))
				}
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule route sweep: %w", err)
	}

	groupCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(groupCtx)

	m.schedulerMu.Lock()
	m.scheduler = scheduler
	m.group = group
	m.groupCtx = groupCtx
	m.cancel = cancel
	m.schedulerMu.Unlock()

	for _, device := range m.Devices() {
		device := device
		device.Start(groupCtx)
		group.Go(func() error {
			<-groupCtx.Done()
			device.Stop()
			return nil
		})
	}

	scheduler.Start()
	slog.Debug("manager started", "hubs", m.hubs.Size(), "devices", m.devices.Size())
	return nil
}

// Stop cancels every registered device's reasoning loop, waits for each to
// finish shutting down, and stops the route-sweep scheduler. It is safe to
// call even if Start was never called.
func (m *Manager) Stop() error {
	m.schedulerMu.Lock()
	cancel := m.cancel
	group := m.group
	scheduler := m.scheduler
	m.schedulerMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}
	if scheduler != nil {
		if err := scheduler.StopJobs(); err != nil {
			slog.Warn("failed to stop route-sweep jobs", "error", err)
		}
		return scheduler.Shutdown()
	}
	return nil
}
