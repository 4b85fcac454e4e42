// SPDX-License-Identifier: AGPL-3.0-or-later

package overlay

import "github.com/roomhub/overlay/internal/ids"

// ActionType is the closed set of packet kinds the mesh carries (spec §6).
type ActionType string

const (
	ActionTalk      ActionType = "talk"
	ActionWhisper   ActionType = "whisper"
	ActionText      ActionType = "text"
	ActionPoint     ActionType = "point"
	ActionRaiseHand ActionType = "raise_hand"
	ActionLeave     ActionType = "leave"
	ActionJoin      ActionType = "join"

	ActionDiscoveryRequest  ActionType = "discovery_request"
	ActionDiscoveryResponse ActionType = "discovery_response"

	ActionConnectCheckRequest  ActionType = "connect_check_request"
	ActionConnectCheckResponse ActionType = "connect_check_response"

	ActionAdjacentHubsRequest  ActionType = "adjacent_hubs_request"
	ActionAdjacentHubsResponse ActionType = "adjacent_hubs_response"

	ActionHubNameRequest  ActionType = "hub_name_request"
	ActionHubNameResponse ActionType = "hub_name_response"

	ActionPing ActionType = "ping"
)

// DefaultTTL is the hop budget a freshly originated packet starts with.
const DefaultTTL = 128

// Packet is a single typed message traveling the mesh. TTL is decremented
// once per Node.Send call, not once per hop the packet ultimately crosses,
// so a RoomHub that re-emits a packet it is forwarding pays for that
// re-emission out of the same budget the original sender drew from.
type Packet struct {
	Type        ActionType
	Sender      ids.ID
	Recipient   ids.ID // ids.Nil means "broadcast / unaddressed"
	Context     string
	TTL         int
	OriginalTTL int
}

// NewPacket constructs a packet with the default TTL budget.
func NewPacket(typ ActionType, sender, recipient ids.ID, context string) Packet {
	return Packet{
		Type:        typ,
		Sender:      sender,
		Recipient:   recipient,
		Context:     context,
		TTL:         DefaultTTL,
		OriginalTTL: DefaultTTL,
	}
}

// HasRecipient reports whether the packet is addressed rather than a flood.
func (p Packet) HasRecipient() bool {
	return !p.Recipient.IsZero()
}

// Cost is how many hops the packet has traveled so far: the difference
// between the TTL it started with and the TTL it currently carries.
func (p Packet) Cost() int {
	return p.OriginalTTL - p.TTL
}

// Expired reports whether the packet has exhausted its hop budget.
func (p Packet) Expired() bool {
	return p.TTL <= 0
}

// Clone returns a deep copy of the packet. Connection.Transfer clones every
// packet it moves so that a listener or a recipient mutating its copy can
// never affect the sender's in-flight original.
func (p Packet) Clone() Packet {
	return p
}

// WithRecipient returns a copy of p addressed to recipient, used when a hub
// rewrites a packet's destination before re-broadcasting it (e.g. nulling
// a TEXT recipient for the redacted broadcast copy).
func (p Packet) WithRecipient(recipient ids.ID) Packet {
	c := p.Clone()
	c.Recipient = recipient
	return c
}

// WithContext returns a copy of p with context replaced, used when a hub
// overwrites the lastHop marker carried in a discovery packet's context.
func (p Packet) WithContext(context string) Packet {
	c := p.Clone()
	c.Context = context
	return c
}
