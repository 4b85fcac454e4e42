// SPDX-License-Identifier: AGPL-3.0-or-later

package overlay

import "github.com/roomhub/overlay/internal/ids"

// Connection is an undirected edge between two nodes, identified only by
// their IDs (spec §9: no back-pointers). It knows nothing about the
// Manager's arena; Transfer's deliver callback is how the caller actually
// routes the cloned packet to the peer node.
type Connection struct {
	id           ids.ID
	node1, node2 ids.ID
}

// NewConnection constructs a connection joining node1 and node2.
func NewConnection(id, node1, node2 ids.ID) *Connection {
	return &Connection{id: id, node1: node1, node2: node2}
}

// ID returns the connection's stable identity.
func (c *Connection) ID() ids.ID {
	return c.id
}

// HasNode reports whether node is one of the two endpoints of this connection.
func (c *Connection) HasNode(node ids.ID) bool {
	return c.node1 == node || c.node2 == node
}

// PeerOf returns the node at the opposite end of the connection from node.
func (c *Connection) PeerOf(node ids.ID) (ids.ID, error) {
	switch node {
	case c.node1:
		return c.node2, nil
	case c.node2:
		return c.node1, nil
	default:
		return ids.Nil, ErrNotOnConnection
	}
}

// Transfer delivers a deep copy of packet to the node opposite sender. deliver
// is called with the peer's ID and the cloned packet; the caller supplies it
// so Connection never needs to resolve an ID to a live Node itself.
func (c *Connection) Transfer(sender ids.ID, packet Packet, deliver func(target ids.ID, packet Packet)) error {
	peer, err := c.PeerOf(sender)
	if err != nil {
		return err
	}
	deliver(peer, packet.Clone())
	return nil
}
