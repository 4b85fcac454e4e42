// SPDX-License-Identifier: AGPL-3.0-or-later

package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/roomhub/overlay/internal/ids"
	"github.com/roomhub/overlay/internal/oracle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice(mesh *testMesh, name string) *Device {
	id := ids.New()
	var device *Device
	node := NewNode(id, func(p Packet) { device.OnPacketReceived(p) })
	device = NewDevice(node, mesh, &oracle.ScriptedClient{}, DeviceConfig{Name: name})
	mesh.addNode(node)
	return device
}

func TestJoinHubSendsJoinAndRecordsMembership(t *testing.T) {
	t.Parallel()

	mesh := newTestMesh()
	hub := newTestHub(mesh, "hub")
	device := newTestDevice(mesh, "nova")

	err := device.JoinHub(hub.ID(), func() error {
		mesh.connect(hub.Node(), device.Node())
		return nil
	})
	require.NoError(t, err)

	hubID, ok := device.HubID()
	require.True(t, ok)
	assert.Equal(t, hub.ID(), hubID)
	assert.Contains(t, hub.ConnectedDevices(), device.ID())

	err = device.JoinHub(hub.ID(), func() error { return nil })
	assert.ErrorIs(t, err, ErrAlreadyInHub)
}

func TestLeaveHubClearsMembership(t *testing.T) {
	t.Parallel()

	mesh := newTestMesh()
	hub := newTestHub(mesh, "hub")
	device := newTestDevice(mesh, "nova")
	require.NoError(t, device.JoinHub(hub.ID(), func() error {
		mesh.connect(hub.Node(), device.Node())
		return nil
	}))

	require.NoError(t, device.LeaveHub())

	_, ok := device.HubID()
	assert.False(t, ok)
	assert.NotContains(t, hub.ConnectedDevices(), device.ID())

	assert.ErrorIs(t, device.LeaveHub(), ErrNotInAnyHub)
}

func TestMoveHubApprovedRelocates(t *testing.T) {
	t.Parallel()

	mesh := newTestMesh()
	hubA := newTestHub(mesh, "a")
	hubB := newTestHub(mesh, "b")
	connectHubs(mesh, hubA, hubB)

	device := newTestDevice(mesh, "nova")
	require.NoError(t, device.JoinHub(hubA.ID(), func() error {
		mesh.connect(hubA.Node(), device.Node())
		return nil
	}))

	err := device.MoveHub(hubB.ID(), func() error {
		mesh.connect(hubB.Node(), device.Node())
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		hubID, ok := device.HubID()
		return ok && hubID == hubB.ID()
	}, time.Second, time.Millisecond)

	assert.NotContains(t, hubA.ConnectedDevices(), device.ID())
	assert.Contains(t, hubB.ConnectedDevices(), device.ID())
}

func TestMoveHubRejectedReportsFailure(t *testing.T) {
	t.Parallel()

	mesh := newTestMesh()
	hubA := newTestHub(mesh, "a")
	// farHubID is deliberately not adjacent to hubA.
	farHubID := ids.New()

	device := newTestDevice(mesh, "nova")
	require.NoError(t, device.JoinHub(hubA.ID(), func() error {
		mesh.connect(hubA.Node(), device.Node())
		return nil
	}))

	err := device.MoveHub(farHubID, func() error { return nil })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		device.mu.Lock()
		defer device.mu.Unlock()
		return device.moveHubResult != nil
	}, time.Second, time.Millisecond)

	device.mu.Lock()
	result := *device.moveHubResult
	device.mu.Unlock()
	assert.False(t, result)

	hubID, ok := device.HubID()
	assert.True(t, ok)
	assert.Equal(t, hubA.ID(), hubID, "a rejected move must not change hub membership")
}

func TestContactDirectoryRegisterResolveName(t *testing.T) {
	t.Parallel()

	mesh := newTestMesh()
	device := newTestDevice(mesh, "nova")
	contact := ids.New()

	assert.True(t, device.RegisterName("Ferra", contact))
	assert.False(t, device.RegisterName("Ferra", ids.New()), "re-registering an existing name must fail")

	resolved, ok := device.ResolveName("Ferra")
	require.True(t, ok)
	assert.Equal(t, contact, resolved)

	assert.Equal(t, "Ferra", device.NameFor(contact))
	assert.Equal(t, "You", device.NameFor(device.ID()))

	resolvedByRawID, ok := device.ResolveName(contact.String())
	require.True(t, ok)
	assert.Equal(t, contact, resolvedByRawID)
}

func TestBuildUserMessageTalkAlwaysVisible(t *testing.T) {
	t.Parallel()

	mesh := newTestMesh()
	device := newTestDevice(mesh, "nova")
	device.cfg.PrivacyMode = true

	sender := ids.New()
	packet := NewPacket(ActionTalk, sender, ids.Nil, "hello everyone")
	msg := device.buildUserMessage([]Packet{packet}, false)

	assert.Contains(t, msg, "TALK:")
	assert.Contains(t, msg, "hello everyone")
}

func TestBuildUserMessageWhisperHiddenUnlessAddressedInPrivacyMode(t *testing.T) {
	t.Parallel()

	mesh := newTestMesh()
	device := newTestDevice(mesh, "nova")
	device.cfg.PrivacyMode = true

	sender, other := ids.New(), ids.New()

	hiddenWhisper := NewPacket(ActionWhisper, sender, other, "not for you")
	msg := device.buildUserMessage([]Packet{hiddenWhisper}, false)
	assert.NotContains(t, msg, "WHISPER")

	addressedWhisper := NewPacket(ActionWhisper, sender, device.ID(), "for you")
	msg = device.buildUserMessage([]Packet{addressedWhisper}, false)
	assert.Contains(t, msg, "WHISPER")
	assert.Contains(t, msg, "for you")
}

func TestBuildUserMessageEmptyInboxNotifiesNothingHappened(t *testing.T) {
	t.Parallel()

	mesh := newTestMesh()
	device := newTestDevice(mesh, "nova")

	msg := device.buildUserMessage(nil, false)
	assert.Contains(t, msg, "NOTIFY: Nothing happened")

	msg = device.buildUserMessage(nil, true)
	assert.Empty(t, msg, "skipCheck suppresses the idle notification")
}

func TestDispatchToolPingSendsPacketAndReplies(t *testing.T) {
	t.Parallel()

	mesh := newTestMesh()
	hub := newTestHub(mesh, "hub")
	device := newTestDevice(mesh, "nova")
	require.NoError(t, device.JoinHub(hub.ID(), func() error {
		mesh.connect(hub.Node(), device.Node())
		return nil
	}))

	var pinged bool
	hub.RegisterPacketListener(func(p Packet) {
		if p.Type == ActionPing && p.Sender == device.ID() {
			pinged = true
		}
	})

	reply := device.dispatchTool(oracle.ToolCall{Name: "ping", Arguments: "{}"})
	assert.Contains(t, reply, "PING: pinged everyone")
	assert.True(t, pinged, "the ping tool must hand a PING packet to the hub")
}

func TestDispatchToolTalkUnknownTargetErrors(t *testing.T) {
	t.Parallel()

	mesh := newTestMesh()
	hub := newTestHub(mesh, "hub")
	device := newTestDevice(mesh, "nova")
	require.NoError(t, device.JoinHub(hub.ID(), func() error {
		mesh.connect(hub.Node(), device.Node())
		return nil
	}))

	reply := device.dispatchTool(oracle.ToolCall{Name: "talk", Arguments: `{"target":"ghost","context":"hi"}`})
	assert.Contains(t, reply, "not found")
}

func TestDispatchToolRegisterContactInvalidUUID(t *testing.T) {
	t.Parallel()

	mesh := newTestMesh()
	device := newTestDevice(mesh, "nova")

	reply := device.dispatchTool(oracle.ToolCall{Name: "registerContact", Arguments: `{"name":"Ferra","uuid":"not-a-uuid"}`})
	assert.Contains(t, reply, "Invalid UUID")
}

func TestDispatchToolMoveToRoomUsesInstalledConnector(t *testing.T) {
	t.Parallel()

	mesh := newTestMesh()
	hubA := newTestHub(mesh, "a")
	hubB := newTestHub(mesh, "b")
	connectHubs(mesh, hubA, hubB)

	device := newTestDevice(mesh, "nova")
	require.NoError(t, device.JoinHub(hubA.ID(), func() error {
		mesh.connect(hubA.Node(), device.Node())
		return nil
	}))

	var connectedTo ids.ID
	device.SetMoveHubConnector(func(newHubID ids.ID) error {
		connectedTo = newHubID
		mesh.connect(hubB.Node(), device.Node())
		return nil
	})

	reply := device.dispatchTool(oracle.ToolCall{
		Name:      "moveToRoom",
		Arguments: `{"roomUuid":"` + hubB.ID().String() + `"}`,
	})
	assert.Contains(t, reply, "ASYNC: Request sent")

	require.Eventually(t, func() bool {
		hubID, ok := device.HubID()
		return ok && hubID == hubB.ID()
	}, time.Second, time.Millisecond)
	assert.Equal(t, hubB.ID(), connectedTo)
}

func TestReasoningLoopDispatchesScriptedToolCall(t *testing.T) {
	t.Parallel()

	mesh := newTestMesh()
	hub := newTestHub(mesh, "hub")

	id := ids.New()
	var device *Device
	node := NewNode(id, func(p Packet) { device.OnPacketReceived(p) })
	client := &oracle.ScriptedClient{
		Scripts: [][]oracle.StreamEvent{
			{
				{ContentDelta: "I will ping the room to see who's here."},
				{ToolCallDelta: &oracle.ToolCall{ID: "call-1", Name: "ping", Arguments: "{}"}},
				{Done: true},
			},
		},
	}
	device = NewDevice(node, mesh, client, DeviceConfig{Name: "nova", Timeout: 50 * time.Millisecond})
	mesh.addNode(node)

	require.NoError(t, device.JoinHub(hub.ID(), func() error {
		mesh.connect(hub.Node(), device.Node())
		return nil
	}))

	var pinged bool
	observer := NewNode(ids.New(), func(p Packet) {
		if p.Type == ActionPing {
			pinged = true
		}
	})
	mesh.addNode(observer)
	mesh.connect(hub.Node(), observer)
	hub.addDevice(observer.ID())

	ctx, cancel := context.WithCancel(context.Background())
	device.Start(ctx)

	require.Eventually(t, func() bool { return pinged }, 2*time.Second, 10*time.Millisecond)

	cancel()
	device.Stop()
}
