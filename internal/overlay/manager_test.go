// SPDX-License-Identifier: AGPL-3.0-or-later

package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/roomhub/overlay/internal/events"
	"github.com/roomhub/overlay/internal/ids"
	"github.com/roomhub/overlay/internal/oracle"
	"github.com/roomhub/overlay/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRoomHubRegistersNodeAndEmitsEvent(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	var seen []events.Reason
	bus.RegisterStateChangeListener(func(reason events.Reason, _ map[string]any) {
		seen = append(seen, reason)
	})
	metrics := telemetry.New()
	mgr := NewManager(bus, metrics)

	hub := mgr.CreateRoomHub("lobby")

	got, ok := mgr.Hub(hub.ID())
	require.True(t, ok)
	assert.Same(t, hub, got)
	assert.Contains(t, seen, events.HubCreated)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ActiveHubs))
}

func TestConnectAndDisconnectRoomHubsWireAdjacency(t *testing.T) {
	t.Parallel()

	mgr := NewManager(nil, nil)
	a := mgr.CreateRoomHub("a")
	b := mgr.CreateRoomHub("b")

	require.NoError(t, mgr.ConnectRoomHubs(a.ID(), b.ID()))
	assert.Contains(t, a.ConnectedHubs(), b.ID())
	assert.Contains(t, b.ConnectedHubs(), a.ID())

	require.NoError(t, mgr.DisconnectRoomHubs(a.ID(), b.ID()))
	assert.NotContains(t, a.ConnectedHubs(), b.ID())
	assert.NotContains(t, b.ConnectedHubs(), a.ID())

	assert.ErrorIs(t, mgr.DisconnectRoomHubs(a.ID(), b.ID()), ErrConnectionNotFound)
}

func TestConnectRoomHubsRejectsSelfLoop(t *testing.T) {
	t.Parallel()

	mgr := NewManager(nil, nil)
	a := mgr.CreateRoomHub("a")

	assert.ErrorIs(t, mgr.ConnectRoomHubs(a.ID(), a.ID()), ErrSelfLoop)
}

// connectionsBetween counts how many Connections in mgr join aID and bID,
// used to assert invariant I1 ("exactly one connection between their nodes").
func connectionsBetween(mgr *Manager, aID, bID ids.ID) int {
	count := 0
	mgr.connections.Range(func(_ ids.ID, conn *Connection) bool {
		if conn.HasNode(aID) && conn.HasNode(bID) {
			count++
		}
		return true
	})
	return count
}

// connectionsReferencing counts how many Connections in mgr touch id at all.
func connectionsReferencing(mgr *Manager, id ids.ID) int {
	count := 0
	mgr.connections.Range(func(_ ids.ID, conn *Connection) bool {
		if conn.HasNode(id) {
			count++
		}
		return true
	})
	return count
}

func TestConnectRoomHubsRejectsDuplicateConnection(t *testing.T) {
	t.Parallel()

	mgr := NewManager(nil, nil)
	a := mgr.CreateRoomHub("a")
	b := mgr.CreateRoomHub("b")

	require.NoError(t, mgr.ConnectRoomHubs(a.ID(), b.ID()))
	assert.ErrorIs(t, mgr.ConnectRoomHubs(a.ID(), b.ID()), ErrAlreadyConnected)
	assert.Equal(t, 1, connectionsBetween(mgr, a.ID(), b.ID()))
}

func TestConnectRoomHubsUnknownHubErrors(t *testing.T) {
	t.Parallel()

	mgr := NewManager(nil, nil)
	a := mgr.CreateRoomHub("a")

	assert.ErrorIs(t, mgr.ConnectRoomHubs(a.ID(), ids.New()), ErrHubNotFound)
}

func TestDeleteRoomHubDisconnectsPeersAndDevices(t *testing.T) {
	t.Parallel()

	mgr := NewManager(nil, nil)
	a := mgr.CreateRoomHub("a")
	b := mgr.CreateRoomHub("b")
	require.NoError(t, mgr.ConnectRoomHubs(a.ID(), b.ID()))

	device := mgr.CreateDevice(&oracle.ScriptedClient{}, DeviceConfig{Name: "nova"})
	require.NoError(t, device.JoinHub(a.ID(), func() error {
		return mgr.ConnectDeviceToHub(device.ID(), a.ID())
	}))

	require.NoError(t, mgr.DeleteRoomHub(a.ID()))

	_, ok := mgr.Hub(a.ID())
	assert.False(t, ok)
	assert.NotContains(t, b.ConnectedHubs(), a.ID())
	_, hasHub := device.HubID()
	assert.False(t, hasHub)
	assert.Equal(t, 0, connectionsReferencing(mgr, a.ID()))
}

func TestCreateDeviceWiresMoveHubConnector(t *testing.T) {
	t.Parallel()

	mgr := NewManager(nil, nil)
	hubA := mgr.CreateRoomHub("a")
	hubB := mgr.CreateRoomHub("b")
	require.NoError(t, mgr.ConnectRoomHubs(hubA.ID(), hubB.ID()))

	device := mgr.CreateDevice(&oracle.ScriptedClient{}, DeviceConfig{Name: "nova"})
	require.NoError(t, device.JoinHub(hubA.ID(), func() error {
		return mgr.ConnectDeviceToHub(device.ID(), hubA.ID())
	}))

	reply := device.dispatchTool(oracle.ToolCall{
		Name:      "moveToRoom",
		Arguments: `{"roomUuid":"` + hubB.ID().String() + `"}`,
	})
	require.Contains(t, reply, "ASYNC: Request sent")

	require.Eventually(t, func() bool {
		hubID, ok := device.HubID()
		return ok && hubID == hubB.ID()
	}, time.Second, time.Millisecond)

	assert.NotContains(t, hubA.ConnectedDevices(), device.ID())
	assert.Contains(t, hubB.ConnectedDevices(), device.ID())
	assert.Equal(t, 1, connectionsReferencing(mgr, device.ID()), "the connection to the old hub must be removed")
}

func TestDeleteDeviceStopsAndDeregisters(t *testing.T) {
	t.Parallel()

	mgr := NewManager(nil, nil)
	hub := mgr.CreateRoomHub("hub")
	device := mgr.CreateDevice(&oracle.ScriptedClient{}, DeviceConfig{Name: "nova"})
	require.NoError(t, device.JoinHub(hub.ID(), func() error {
		return mgr.ConnectDeviceToHub(device.ID(), hub.ID())
	}))

	require.NoError(t, mgr.DeleteDevice(device.ID()))

	_, ok := mgr.Device(device.ID())
	assert.False(t, ok)
	assert.NotContains(t, hub.ConnectedDevices(), device.ID())
}

func TestManagerRoutesPacketsBetweenConnectedHubs(t *testing.T) {
	t.Parallel()

	mgr := NewManager(nil, nil)
	a := mgr.CreateRoomHub("a")
	b := mgr.CreateRoomHub("b")
	require.NoError(t, mgr.ConnectRoomHubs(a.ID(), b.ID()))

	device := mgr.CreateDevice(&oracle.ScriptedClient{}, DeviceConfig{Name: "nova"})
	require.NoError(t, device.JoinHub(b.ID(), func() error {
		return mgr.ConnectDeviceToHub(device.ID(), b.ID())
	}))

	found := make(chan Route, 1)
	a.FindRoute(device.ID(), func(r Route) { found <- r })

	select {
	case route := <-found:
		assert.Equal(t, b.ID(), route.NextHop)
		assert.Equal(t, 2, route.Cost)
	case <-time.After(2 * time.Second):
		t.Fatal("route never discovered across the manager-wired mesh")
	}
}

func TestManagerIncrementsRoutesLearnedOnDiscovery(t *testing.T) {
	t.Parallel()

	metrics := telemetry.New()
	mgr := NewManager(nil, metrics)
	a := mgr.CreateRoomHub("a")
	b := mgr.CreateRoomHub("b")
	require.NoError(t, mgr.ConnectRoomHubs(a.ID(), b.ID()))

	device := mgr.CreateDevice(&oracle.ScriptedClient{}, DeviceConfig{Name: "nova"})
	require.NoError(t, device.JoinHub(b.ID(), func() error {
		return mgr.ConnectDeviceToHub(device.ID(), b.ID())
	}))

	found := make(chan Route, 1)
	a.FindRoute(device.ID(), func(r Route) { found <- r })

	select {
	case <-found:
	case <-time.After(2 * time.Second):
		t.Fatal("route never discovered across the manager-wired mesh")
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.RoutesLearned) >= 1
	}, time.Second, time.Millisecond)
}

func TestStartAndStopRunsDeviceLoopsAndRouteSweep(t *testing.T) {
	t.Parallel()

	mgr := NewManager(nil, nil)
	hub := mgr.CreateRoomHub("hub")
	hub.AddRoute(ids.New(), ids.New(), 2)

	client := &oracle.ScriptedClient{
		Scripts: [][]oracle.StreamEvent{
			{
				{ContentDelta: "I will ping the room to see who's here."},
				{ToolCallDelta: &oracle.ToolCall{ID: "call-1", Name: "ping", Arguments: "{}"}},
				{Done: true},
			},
		},
	}
	device := mgr.CreateDevice(client, DeviceConfig{Name: "nova", Timeout: 50 * time.Millisecond})
	require.NoError(t, device.JoinHub(hub.ID(), func() error {
		return mgr.ConnectDeviceToHub(device.ID(), hub.ID())
	}))

	var pinged bool
	hub.RegisterPacketListener(func(p Packet) {
		if p.Type == ActionPing {
			pinged = true
		}
	})

	require.NoError(t, mgr.Start(context.Background()))
	defer func() { require.NoError(t, mgr.Stop()) }()

	require.Eventually(t, func() bool { return pinged }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.routeTable) == 0
	}, 6*time.Second, 100*time.Millisecond, "the route sweep must reclaim the expired route")
}
