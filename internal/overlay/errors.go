// SPDX-License-Identifier: AGPL-3.0-or-later

package overlay

import "errors"

var (
	// ErrHubNotFound is returned when a hub UUID does not resolve to a
	// registered RoomHub.
	ErrHubNotFound = errors.New("room hub not found")

	// ErrDeviceNotFound is returned when a device UUID does not resolve to
	// a registered Device.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrNodeNotFound denotes a node UUID that does not resolve to a
	// registered Node. No function in this package returns it:
	// Manager.Transfer drops a packet for an unknown node instead.
	ErrNodeNotFound = errors.New("node not found")

	// ErrConnectionNotFound is returned when no Connection joins the two
	// requested nodes.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrSelfLoop is returned when a connection between a node and itself
	// is requested.
	ErrSelfLoop = errors.New("cannot connect a node to itself")

	// ErrAlreadyConnected is returned when two nodes already share a
	// connection.
	ErrAlreadyConnected = errors.New("nodes are already connected")

	// ErrNotConnected is returned when a packet recipient is not reachable
	// by any direct connection and Node.Send was not given a flood target.
	ErrNotConnected = errors.New("recipient is not directly connected")

	// ErrAlreadyInHub is returned when a device already has a hub
	// membership and joinHub is called again without leaving first.
	ErrAlreadyInHub = errors.New("device already belongs to a room hub")

	// ErrNotInAnyHub is returned when an operation needs an active hub
	// membership but the device has none.
	ErrNotInAnyHub = errors.New("device does not belong to any room hub")

	// ErrNoRoute denotes a destination a hub has no route to. No function
	// in this package returns it: RoomHub.FindRoute floods a discovery
	// request and simply never calls back if no response arrives.
	ErrNoRoute = errors.New("no route to destination")

	// ErrNotOnConnection is returned when Connection.Transfer is invoked by
	// a node that the connection does not actually join.
	ErrNotOnConnection = errors.New("sender is not one of the connection's nodes")

	// ErrInvalidIdentity denotes an identity string that fails to parse as
	// an ID. No function in this package returns it; ids.Parse reports
	// ids.ErrInvalidID.
	ErrInvalidIdentity = errors.New("invalid identity")
)
