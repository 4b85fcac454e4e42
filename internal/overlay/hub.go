// SPDX-License-Identifier: AGPL-3.0-or-later

package overlay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/roomhub/overlay/internal/ids"
)

// routeExpiry is how long a learned (non-adjacent) route stays usable
// before a fresh discovery round is required (spec §4.3.3).
const routeExpiry = 3 * time.Second

// Route is one entry of a RoomHub's distance-vector route table.
type Route struct {
	Destination ids.ID
	NextHop     ids.ID
	Cost        int
	Expires     time.Time
}

func (r Route) expired(now time.Time) bool {
	return !r.Expires.After(now)
}

// adjacentHubsPayload is the JSON body of an ADJACENT_HUBS_RESPONSE packet.
type adjacentHubsPayload struct {
	Hubs []string `json:"hubs"`
}

// RoomHub is a forwarding node in the overlay mesh. It owns no devices or
// hubs by pointer — only their IDs — and forwards packets using the lazy
// distance-vector discovery protocol described by the dispatch table in
// onPacketReceived.
type RoomHub struct {
	id   ids.ID
	Name string

	node   *Node
	router Router

	mu               sync.Mutex
	connectedHubs    []ids.ID
	connectedDevices []ids.ID
	routeTable       []Route
	pendingRoutes    map[ids.ID]func(Route)

	packetListenersMu sync.Mutex
	packetListeners   []func(Packet)

	// routeLearned is the Manager-installed hook AddRoute calls whenever it
	// appends a brand-new route table entry. Only the Manager sets this.
	routeLearned func()

	now func() time.Time
}

// NewRoomHub constructs a RoomHub with the given name, backed by node. router
// is the Manager-provided resolver node.Send uses to reach its connections;
// now defaults to time.Now when nil, overridable in tests that need
// deterministic route expiry. The caller is responsible for wiring
// node's onPacketReceived to the returned hub's OnPacketReceived.
func NewRoomHub(node *Node, name string, router Router, now func() time.Time) *RoomHub {
	if now == nil {
		now = time.Now
	}
	return &RoomHub{
		id:            node.ID(),
		Name:          name,
		node:          node,
		router:        router,
		pendingRoutes: make(map[ids.ID]func(Route)),
		now:           now,
	}
}

// ID returns the hub's node identity.
func (h *RoomHub) ID() ids.ID {
	return h.id
}

// Node returns the underlying node backing this hub.
func (h *RoomHub) Node() *Node {
	return h.node
}

// SetRouteLearnedHook installs the callback AddRoute invokes whenever it
// learns a brand-new route. Only the Manager calls this.
func (h *RoomHub) SetRouteLearnedHook(hook func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routeLearned = hook
}

// ConnectedHubs returns a snapshot of adjacent hub IDs.
func (h *RoomHub) ConnectedHubs() []ids.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ids.ID, len(h.connectedHubs))
	copy(out, h.connectedHubs)
	return out
}

// ConnectedDevices returns a snapshot of member device IDs.
func (h *RoomHub) ConnectedDevices() []ids.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ids.ID, len(h.connectedDevices))
	copy(out, h.connectedDevices)
	return out
}

// LookupRoute returns the best known route to destination. Adjacent hubs
// and member devices are synthetic cost-1 routes that never expire; anything
// else comes from the learned route table and is nil once past its expiry.
func (h *RoomHub) LookupRoute(destination ids.ID) *Route {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lookupRouteLocked(destination)
}

func (h *RoomHub) lookupRouteLocked(destination ids.ID) *Route {
	for _, hubID := range h.connectedHubs {
		if hubID == destination {
			return &Route{Destination: destination, NextHop: destination, Cost: 1}
		}
	}
	for _, deviceID := range h.connectedDevices {
		if deviceID == destination {
			return &Route{Destination: destination, NextHop: destination, Cost: 1}
		}
	}
	now := h.now()
	for i := range h.routeTable {
		item := h.routeTable[i]
		if item.Destination == destination && !item.expired(now) {
			return &item
		}
	}
	return nil
}

// AddRoute records a learned route, replacing the current entry only if the
// new cost is strictly cheaper, and always refreshing the expiry on
// replacement. A brand-new destination is appended unconditionally.
func (h *RoomHub) AddRoute(destination, nextHop ids.ID, cost int) {
	h.mu.Lock()

	if existing := h.lookupRouteLocked(destination); existing != nil {
		if cost < existing.Cost {
			for i := range h.routeTable {
				if h.routeTable[i].Destination == destination {
					h.routeTable[i].NextHop = nextHop
					h.routeTable[i].Cost = cost
					h.routeTable[i].Expires = h.now().Add(routeExpiry)
					break
				}
			}
		}
		h.mu.Unlock()
		return
	}

	h.routeTable = append(h.routeTable, Route{
		Destination: destination,
		NextHop:     nextHop,
		Cost:        cost,
		Expires:     h.now().Add(routeExpiry),
	})
	hook := h.routeLearned
	h.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// RemoveRoutesFor drops every route entry that names targetID as either its
// destination or its next hop, and cancels any pending discovery callback
// waiting on it. Used when a device or hub leaves the mesh.
func (h *RoomHub) RemoveRoutesFor(targetID ids.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.routeTable[:0:0]
	for _, item := range h.routeTable {
		if item.Destination != targetID && item.NextHop != targetID {
			kept = append(kept, item)
		}
	}
	h.routeTable = kept
	delete(h.pendingRoutes, targetID)
}

// ExpireRoutes drops every route entry whose expiry has passed. It is the
// hook a periodic background sweep (rather than purely lazy, lookup-time
// expiry) calls into.
func (h *RoomHub) ExpireRoutes() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	kept := h.routeTable[:0:0]
	expired := 0
	for _, item := range h.routeTable {
		if item.expired(now) {
			expired++
			continue
		}
		kept = append(kept, item)
	}
	h.routeTable = kept
	return expired
}

// FindRoute resolves destination synchronously if a route is already known,
// otherwise registers onFound and emits an unaddressed DISCOVERY_REQUEST
// flood. onFound is never called for destination == the hub's own ID.
func (h *RoomHub) FindRoute(destination ids.ID, onFound func(Route)) {
	if destination == h.id {
		return
	}

	if route := h.LookupRoute(destination); route != nil {
		onFound(*route)
		return
	}

	h.mu.Lock()
	h.pendingRoutes[destination] = onFound
	h.mu.Unlock()

	request := NewPacket(ActionDiscoveryRequest, h.id, destination, h.id.String())
	if err := h.node.Send(ids.Nil, request, h.router); err != nil {
		slog.Warn("discovery request flood failed", "hub", h.id, "destination", destination, "err", err)
	}
}

// RegisterPacketListener subscribes to a deep copy of every packet this hub
// receives, regardless of type. Every call appends a new subscription;
// listeners are not de-duplicated, so registering the same func twice
// delivers each packet to it twice.
func (h *RoomHub) RegisterPacketListener(listener func(Packet)) {
	h.packetListenersMu.Lock()
	defer h.packetListenersMu.Unlock()
	h.packetListeners = append(h.packetListeners, listener)
}

func (h *RoomHub) notifyPacketListeners(packet Packet) {
	h.packetListenersMu.Lock()
	snapshot := make([]func(Packet), len(h.packetListeners))
	copy(snapshot, h.packetListeners)
	h.packetListenersMu.Unlock()

	for _, listener := range snapshot {
		safeCall(listener, packet.Clone())
	}
}

func safeCall(listener func(Packet), packet Packet) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("hub packet listener panicked", "recovered", r)
		}
	}()
	listener(packet)
}

// OnPacketReceived is the hub's Node.onPacketReceived callback: the full
// per-action-type forwarding policy (spec §4.3).
func (h *RoomHub) OnPacketReceived(packet Packet) {
	h.notifyPacketListeners(packet)

	switch packet.Type {
	case ActionDiscoveryRequest:
		h.handleDiscoveryRequest(packet)
	case ActionDiscoveryResponse:
		h.handleDiscoveryResponse(packet)
	case ActionConnectCheckRequest:
		h.handleConnectCheckRequest(packet)
	case ActionConnectCheckResponse:
		// Replies are consumed by the requesting Device directly; a hub
		// originates these in handleConnectCheckRequest and ignores any it
		// receives.
	case ActionAdjacentHubsRequest:
		h.handleAdjacentHubsRequest(packet)
	case ActionAdjacentHubsResponse:
	case ActionHubNameRequest:
		h.handleHubNameRequest(packet)
	case ActionHubNameResponse:
	case ActionPing:
		h.handlePing(packet)
	case ActionText:
		h.handleText(packet)
	default:
		h.handleDeviceTraffic(packet)
	}
}

func (h *RoomHub) handleDiscoveryRequest(packet Packet) {
	if !packet.HasRecipient() {
		return
	}
	lastHop, err := ids.Parse(packet.Context)
	if err != nil {
		return
	}

	route := h.LookupRoute(packet.Recipient)
	h.AddRoute(packet.Sender, lastHop, packet.Cost())

	if route != nil {
		reply := NewPacket(ActionDiscoveryResponse, packet.Recipient, packet.Sender, h.id.String())
		reply.TTL = packet.OriginalTTL - route.Cost
		h.sendFrom(lastHop, reply)
		return
	}

	forwarded := packet.WithContext(h.id.String())
	for _, hubID := range h.ConnectedHubs() {
		if hubID != lastHop {
			h.sendFrom(hubID, forwarded)
		}
	}
}

func (h *RoomHub) handleDiscoveryResponse(packet Packet) {
	if !packet.HasRecipient() {
		return
	}
	lastHop, err := ids.Parse(packet.Context)
	if err != nil {
		return
	}

	route := h.LookupRoute(packet.Recipient)
	h.AddRoute(packet.Sender, lastHop, packet.Cost())

	if route != nil {
		forwarded := packet.WithContext(h.id.String())
		h.sendFrom(route.NextHop, forwarded)
	}

	h.mu.Lock()
	onFound, ok := h.pendingRoutes[packet.Sender]
	if ok {
		delete(h.pendingRoutes, packet.Sender)
	}
	h.mu.Unlock()

	if ok {
		onFound(Route{Destination: packet.Sender, NextHop: lastHop, Cost: packet.Cost()})
	}
}

func (h *RoomHub) handleConnectCheckRequest(packet Packet) {
	if !packet.HasRecipient() {
		return
	}

	status := "NOT_OK"
	if h.hasMember(packet.Recipient) {
		status = "OK"
	}
	reply := NewPacket(ActionConnectCheckResponse, packet.Recipient, packet.Sender, status)
	h.sendFrom(packet.Sender, reply)
}

func (h *RoomHub) hasMember(id ids.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.connectedDevices {
		if d == id {
			return true
		}
	}
	for _, hb := range h.connectedHubs {
		if hb == id {
			return true
		}
	}
	return false
}

func (h *RoomHub) handleAdjacentHubsRequest(packet Packet) {
	hubs := h.ConnectedHubs()
	names := make([]string, len(hubs))
	for i, hubID := range hubs {
		names[i] = hubID.String()
	}
	body, err := json.Marshal(adjacentHubsPayload{Hubs: names})
	if err != nil {
		slog.Warn("failed to encode adjacent hubs payload", "hub", h.id, "err", err)
		return
	}
	reply := NewPacket(ActionAdjacentHubsResponse, h.id, packet.Sender, string(body))
	h.sendFrom(packet.Sender, reply)
}

func (h *RoomHub) handleHubNameRequest(packet Packet) {
	reply := NewPacket(ActionHubNameResponse, h.id, packet.Sender, h.Name)
	h.sendFrom(packet.Sender, reply)
}

func (h *RoomHub) handlePing(packet Packet) {
	if !packet.HasRecipient() {
		for _, deviceID := range h.ConnectedDevices() {
			h.sendFrom(deviceID, packet)
		}
		return
	}
	if h.isDevice(packet.Recipient) {
		h.sendFrom(packet.Recipient, packet)
	}
}

func (h *RoomHub) isDevice(id ids.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.connectedDevices {
		if d == id {
			return true
		}
	}
	return false
}

func (h *RoomHub) handleText(packet Packet) {
	if !packet.HasRecipient() {
		return
	}

	h.FindRoute(packet.Recipient, func(route Route) {
		h.sendFrom(route.NextHop, packet)
	})

	if h.isDevice(packet.Sender) {
		redacted := packet.WithRecipient(ids.Nil).WithContext("")
		for _, deviceID := range h.ConnectedDevices() {
			if deviceID != packet.Sender {
				h.sendFrom(deviceID, redacted)
			}
		}
	}
}

// handleDeviceTraffic implements the default branch of the dispatch table:
// TALK, WHISPER, POINT, RAISE_HAND, JOIN and LEAVE all share this policy.
func (h *RoomHub) handleDeviceTraffic(packet Packet) {
	if !h.isDevice(packet.Sender) {
		if packet.Type != ActionJoin {
			return
		}
		h.mu.Lock()
		h.connectedDevices = append(h.connectedDevices, packet.Sender)
		h.mu.Unlock()
	}

	if packet.HasRecipient() && h.isDevice(packet.Recipient) {
		h.sendFrom(packet.Recipient, packet)
	}

	broadcast := packet.Clone()
	switch packet.Type {
	case ActionWhisper:
		broadcast.Context = ""
	case ActionLeave:
		h.mu.Lock()
		for i, d := range h.connectedDevices {
			if d == packet.Sender {
				h.connectedDevices = append(h.connectedDevices[:i:i], h.connectedDevices[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
	}

	for _, deviceID := range h.ConnectedDevices() {
		if deviceID != packet.Sender && deviceID != packet.Recipient {
			h.sendFrom(deviceID, broadcast)
		}
	}
}

// sendFrom routes a hub-originated packet through this hub's own node,
// logging rather than propagating a delivery failure: a stale route or a
// peer that disconnected mid-flight should not crash the dispatch switch
// that's forwarding on behalf of some other node entirely.
func (h *RoomHub) sendFrom(recipient ids.ID, packet Packet) {
	if err := h.node.Send(recipient, packet, h.router); err != nil {
		slog.Debug("hub send failed", "hub", h.id, "recipient", recipient, "type", packet.Type, "err", err)
	}
}

// IsHubConnected reports whether hubID is an adjacent hub.
func (h *RoomHub) IsHubConnected(hubID ids.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.connectedHubs {
		if id == hubID {
			return true
		}
	}
	return false
}

// addAdjacentHub records hubID as adjacent. Unexported: only the Manager
// calls this, as part of wiring an actual Connection between the two hubs'
// nodes.
func (h *RoomHub) addAdjacentHub(hubID ids.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.connectedHubs {
		if id == hubID {
			return
		}
	}
	h.connectedHubs = append(h.connectedHubs, hubID)
}

// removeAdjacentHub drops hubID from the adjacency list.
func (h *RoomHub) removeAdjacentHub(hubID ids.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, id := range h.connectedHubs {
		if id == hubID {
			h.connectedHubs = append(h.connectedHubs[:i:i], h.connectedHubs[i+1:]...)
			return
		}
	}
}

// addDevice records deviceID as a member without going through the JOIN
// packet path, used when the Manager wires a device's initial hub.
func (h *RoomHub) addDevice(deviceID ids.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.connectedDevices {
		if id == deviceID {
			return
		}
	}
	h.connectedDevices = append(h.connectedDevices, deviceID)
}

// removeDevice drops deviceID from hub membership.
func (h *RoomHub) removeDevice(deviceID ids.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, id := range h.connectedDevices {
		if id == deviceID {
			h.connectedDevices = append(h.connectedDevices[:i:i], h.connectedDevices[i+1:]...)
			return
		}
	}
}
