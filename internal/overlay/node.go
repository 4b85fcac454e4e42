// SPDX-License-Identifier: AGPL-3.0-or-later

package overlay

import (
	"fmt"
	"sync"

	"github.com/roomhub/overlay/internal/ids"
)

// Router resolves a connection ID to the two operations Node.Send needs:
// checking whether a given node sits on the other end of a connection, and
// handing a packet off for that connection to transfer. Node never holds a
// pointer to a Connection or to its peer Node directly (spec §9: no
// back-pointers) — the Manager's arena is the only thing that can resolve
// an ID to a live object, so Node depends on this narrow interface instead.
type Router interface {
	HasNode(connectionID, node ids.ID) bool
	Transfer(connectionID, sender ids.ID, packet Packet) error
}

// Node is one endpoint of the mesh: a stable identity plus the set of
// connections it currently participates in. A RoomHub and a Device are each
// backed by exactly one Node.
type Node struct {
	id ids.ID

	mu            sync.RWMutex
	connectionIDs []ids.ID

	onPacketReceived func(Packet)
}

// NewNode constructs a Node with the given identity. onPacketReceived may be
// nil, in which case packets arriving at this node are silently discarded.
func NewNode(id ids.ID, onPacketReceived func(Packet)) *Node {
	return &Node{id: id, onPacketReceived: onPacketReceived}
}

// ID returns the node's stable identity.
func (n *Node) ID() ids.ID {
	return n.id
}

// addConnection records that the node now participates in connectionID. It
// is unexported: only the Manager mutates connection membership, mirroring
// the system-wide rule that the Manager is the sole mutator of the graph.
func (n *Node) addConnection(connectionID ids.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connectionIDs = append(n.connectionIDs, connectionID)
}

// removeConnection drops connectionID from this node's membership, if present.
func (n *Node) removeConnection(connectionID ids.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, id := range n.connectionIDs {
		if id == connectionID {
			n.connectionIDs = append(n.connectionIDs[:i:i], n.connectionIDs[i+1:]...)
			return
		}
	}
}

// ConnectionIDs returns a snapshot of the connections this node currently
// participates in.
func (n *Node) ConnectionIDs() []ids.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]ids.ID, len(n.connectionIDs))
	copy(out, n.connectionIDs)
	return out
}

// Send decrements the packet's TTL once, then either delivers it across the
// single connection that reaches recipient (if recipient is set) or floods
// a copy across every connection the node has. The node's own lock is never
// held while calling into router, so a RoomHub that forwards a packet from
// inside its own onPacketReceived callback cannot deadlock against this
// node re-entering Send.
func (n *Node) Send(recipient ids.ID, packet Packet, router Router) error {
	if packet.Expired() {
		return nil
	}
	packet.TTL--

	conns := n.ConnectionIDs()

	if !recipient.IsZero() {
		for _, connID := range conns {
			if router.HasNode(connID, recipient) {
				return router.Transfer(connID, n.id, packet)
			}
		}
		return fmt.Errorf("%w: %s", ErrNotConnected, recipient)
	}

	for _, connID := range conns {
		if err := router.Transfer(connID, n.id, packet); err != nil {
			return err
		}
	}
	return nil
}

// Receive delivers packet to this node's onPacketReceived callback, if one
// was installed. It is invoked by a Connection as part of Transfer.
func (n *Node) Receive(packet Packet) {
	if n.onPacketReceived != nil {
		n.onPacketReceived(packet)
	}
}
