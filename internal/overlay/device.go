// SPDX-License-Identifier: AGPL-3.0-or-later

package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roomhub/overlay/internal/ids"
	"github.com/roomhub/overlay/internal/oracle"
)

const (
	defaultCoolTime  = 200 * time.Millisecond
	defaultTimeout   = 10 * time.Second
	pollInterval     = 100 * time.Millisecond
	staleMessageAge  = 2 * time.Hour
	staleMessageKeep = 1 * time.Hour
)

// transcriptMessage pairs a chat message with the time it was appended, so
// the reasoning loop can age stale turns out of the transcript.
type transcriptMessage struct {
	message  oracle.Message
	at       time.Time
	isSystem bool
}

// SystemPromptFunc produces the system message a Device opens its
// transcript with. A nil func falls back to a generic default.
type SystemPromptFunc func(name, situation string) string

// DeviceConfig are the tunables passed to NewDevice. Zero values fall back
// to the same defaults the reasoning loop has always used.
type DeviceConfig struct {
	Name         string
	Situation    string
	Model        string
	Debug        bool
	CoolTime     time.Duration
	Timeout      time.Duration
	PrivacyMode  bool
	SystemPrompt SystemPromptFunc
	// TranscriptDir, if set, receives a per-tick JSON dump of the
	// device's transcript at <dir>/<id>.json, best-effort.
	TranscriptDir string
}

// Device is an AI-backed participant in the mesh: it owns a Node, a fixed
// tool catalogue, a contact directory, and (when started) a goroutine that
// drives an oracle.Client over its packet inbox.
type Device struct {
	id     ids.ID
	node   *Node
	router Router
	client oracle.Client
	cfg    DeviceConfig

	mu             sync.Mutex
	inbox          []Packet
	hubID          ids.ID
	hasHub         bool
	contacts       map[string]ids.ID
	connectCbs     map[ids.ID]func(Packet)
	moveHubResult  *bool
	moveHubPending bool

	// moveHubConnect is set by the Manager so the device's moveToRoom tool
	// can wire a fresh Connection without holding a pointer to the Manager.
	moveHubConnect func(newHubID ids.ID) error

	cancel context.CancelFunc
	done   chan struct{}
}

// SetMoveHubConnector installs the hook moveToRoom uses to wire a new
// Connection once a move has been approved. Only the Manager calls this.
func (d *Device) SetMoveHubConnector(connect func(newHubID ids.ID) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.moveHubConnect = connect
}

// NewDevice constructs a Device backed by node, driving client when Start
// is called. The caller wires node's onPacketReceived to OnPacketReceived.
func NewDevice(node *Node, router Router, client oracle.Client, cfg DeviceConfig) *Device {
	if cfg.CoolTime <= 0 {
		cfg.CoolTime = defaultCoolTime
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Device{
		id:         node.ID(),
		node:       node,
		router:     router,
		client:     client,
		cfg:        cfg,
		contacts:   make(map[string]ids.ID),
		connectCbs: make(map[ids.ID]func(Packet)),
	}
}

// ID returns the device's node identity.
func (d *Device) ID() ids.ID {
	return d.id
}

// Node returns the underlying node.
func (d *Device) Node() *Node {
	return d.node
}

// HubID returns the device's current hub membership, if any.
func (d *Device) HubID() (ids.ID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hubID, d.hasHub
}

// Start launches the reasoning loop goroutine and returns immediately. It is
// a no-op if the device was already started. Stop by cancelling ctx or
// calling Device.Stop.
func (d *Device) Start(ctx context.Context) {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(loopCtx)
}

// Stop cancels the reasoning loop and blocks until it has exited.
func (d *Device) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// enqueue appends a packet to the inbox for the reasoning loop to consume
// on its next tick.
func (d *Device) enqueue(packet Packet) {
	d.mu.Lock()
	d.inbox = append(d.inbox, packet)
	d.mu.Unlock()
}

func (d *Device) drainInbox() []Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.inbox
	d.inbox = nil
	return out
}

func (d *Device) inboxLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inbox)
}

// OnPacketReceived is the device's Node.onPacketReceived callback. It
// auto-replies to broadcast pings, correlates CONNECT_CHECK_RESPONSE to a
// pending callback, and otherwise queues the packet for the reasoning loop.
func (d *Device) OnPacketReceived(packet Packet) {
	if packet.Type == ActionPing && !packet.HasRecipient() && packet.Sender != d.id {
		pong := NewPacket(ActionPing, d.id, packet.Sender, "")
		if err := d.sendToHub(pong); err != nil {
			slog.Debug("pong failed", "device", d.id, "err", err)
		}
	}

	if packet.Type == ActionConnectCheckResponse {
		d.mu.Lock()
		cb, ok := d.connectCbs[packet.Sender]
		if ok {
			delete(d.connectCbs, packet.Sender)
		}
		d.mu.Unlock()
		if ok {
			cb(packet)
		}
		return
	}

	d.enqueue(packet)
}

// sendToHub is the device's only way to emit a packet: every outbound
// packet travels through the device's current hub.
func (d *Device) sendToHub(packet Packet) error {
	d.mu.Lock()
	hub, ok := d.hubID, d.hasHub
	d.mu.Unlock()
	if !ok {
		return ErrNotInAnyHub
	}
	return d.node.Send(hub, packet, d.router)
}

// JoinHub wires a connection to hubID via manager-supplied connect and
// announces the device's arrival.
func (d *Device) JoinHub(hubID ids.ID, connect func() error) error {
	d.mu.Lock()
	if d.hasHub {
		d.mu.Unlock()
		return ErrAlreadyInHub
	}
	d.mu.Unlock()

	if err := connect(); err != nil {
		return err
	}

	d.mu.Lock()
	d.hubID = hubID
	d.hasHub = true
	d.mu.Unlock()

	packet := NewPacket(ActionJoin, d.id, ids.Nil, hubID.String())
	if err := d.sendToHub(packet); err != nil {
		return err
	}
	d.enqueue(packet)
	return nil
}

// LeaveHub announces departure and clears hub membership.
func (d *Device) LeaveHub() error {
	d.mu.Lock()
	if !d.hasHub {
		d.mu.Unlock()
		return ErrNotInAnyHub
	}
	hubID := d.hubID
	d.mu.Unlock()

	packet := NewPacket(ActionLeave, d.id, ids.Nil, hubID.String())
	if err := d.sendToHub(packet); err != nil {
		return err
	}
	d.enqueue(packet)

	d.mu.Lock()
	d.hasHub = false
	d.hubID = ids.Nil
	d.mu.Unlock()
	return nil
}

// MoveHub requests permission from the current hub to relocate to newHubID
// (only adjacent hubs can be moved to) and, once approved, leaves the
// current hub and joins the new one. connect is the Manager-supplied hook
// used to actually wire the new Connection once the move is approved.
func (d *Device) MoveHub(newHubID ids.ID, connect func() error) error {
	d.mu.Lock()
	if !d.hasHub {
		d.mu.Unlock()
		return ErrNotInAnyHub
	}
	d.moveHubResult = nil
	d.moveHubPending = true
	d.connectCbs[newHubID] = func(reply Packet) {
		if reply.Context == "NOT_OK" {
			result := false
			d.mu.Lock()
			d.moveHubResult = &result
			d.moveHubPending = false
			d.mu.Unlock()
			return
		}
		result := true
		d.mu.Lock()
		d.moveHubResult = &result
		d.moveHubPending = false
		d.mu.Unlock()
		if err := d.LeaveHub(); err != nil {
			slog.Warn("leave during move failed", "device", d.id, "err", err)
			return
		}
		if err := d.JoinHub(newHubID, connect); err != nil {
			slog.Warn("join during move failed", "device", d.id, "err", err)
		}
	}
	d.mu.Unlock()

	check := NewPacket(ActionConnectCheckRequest, d.id, newHubID, "")
	return d.sendToHub(check)
}

// RegisterName binds a display name to uuid, refusing to overwrite an
// existing different binding for the same name. An identity previously
// bound under a different name is moved to the new name.
func (d *Device) RegisterName(name string, id ids.ID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, exists := d.contacts[name]; exists && existing != id {
		return false
	}
	for existingName, existingID := range d.contacts {
		if existingID == id {
			delete(d.contacts, existingName)
			break
		}
	}
	d.contacts[name] = id
	return true
}

// ResolveName looks up a contact's ID by name, or by parsing name as a raw ID.
func (d *Device) ResolveName(name string) (ids.ID, bool) {
	if parsed, err := ids.Parse(name); err == nil {
		return parsed, true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.contacts[name]
	return id, ok
}

// NameFor renders id as its registered contact name, "You" for the device's
// own identity, or the empty string if unknown.
func (d *Device) NameFor(id ids.ID) string {
	if id == d.id {
		return "You"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, candidate := range d.contacts {
		if candidate == id {
			return name
		}
	}
	return ""
}

func (d *Device) run(ctx context.Context) {
	defer close(d.done)

	transcript := []transcriptMessage{{
		message:  oracle.Message{Role: oracle.RoleSystem, Content: d.systemPrompt()},
		at:       time.Now(),
		isSystem: true,
	}}

	skipCheck := false
	needsThinking := false
	needsCallFunction := false
	lastTriedFunctions := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		transcript = ageOutStaleMessages(transcript)
		d.dumpTranscript(transcript)

		if !skipCheck {
			d.waitForPacketOrTimeout(ctx, d.cfg.Timeout)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		packets := d.drainInbox()
		userMessage := d.buildUserMessage(packets, skipCheck)
		skipCheck = false

		if userMessage != "" {
			needsThinking = true
			lastTriedFunctions = false
			needsCallFunction = false
			transcript = append(transcript, transcriptMessage{
				message: oracle.Message{Role: oracle.RoleUser, Content: userMessage},
				at:      time.Now(),
			})
		} else if needsCallFunction {
			transcript = append(transcript, transcriptMessage{
				message: oracle.Message{Role: oracle.RoleUser, Content: "SYSTEM: You can call functions now"},
				at:      time.Now(),
			})
		}

		content, calls, err := d.runCompletion(ctx, transcript)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("oracle completion failed", "device", d.id, "err", err)
			continue
		}

		assistant := oracle.Message{Role: oracle.RoleAssistant, Content: content}
		if content != "" {
			needsThinking = false
			if lastTriedFunctions {
				lastTriedFunctions = false
				needsCallFunction = true
			}
		}
		if len(calls) > 0 {
			skipCheck = true
			needsCallFunction = false
		}
		if needsCallFunction && len(calls) == 0 {
			skipCheck = true
		}
		transcript = append(transcript, transcriptMessage{message: assistant, at: time.Now()})

		for _, call := range calls {
			var reply string
			if needsThinking {
				reply = `{"message":"error: Write down the reasons for your actions before you act. Then, please try again."}`
				lastTriedFunctions = true
			} else {
				reply = d.dispatchTool(call)
			}
			transcript = append(transcript, transcriptMessage{
				message: oracle.Message{Role: oracle.RoleTool, Content: reply, ToolCallID: call.ID},
				at:      time.Now(),
			})
		}
	}
}

func ageOutStaleMessages(transcript []transcriptMessage) []transcriptMessage {
	now := time.Now()
	stale := false
	for _, m := range transcript {
		if !m.isSystem && now.Sub(m.at) >= staleMessageAge {
			stale = true
			break
		}
	}
	if !stale {
		return transcript
	}
	kept := transcript[:0:0]
	for _, m := range transcript {
		if m.isSystem || now.Sub(m.at) < staleMessageKeep {
			kept = append(kept, m)
		}
	}
	return kept
}

func (d *Device) waitForPacketOrTimeout(ctx context.Context, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for d.inboxLen() == 0 {
		if time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

// buildUserMessage renders the current inbox into the transcript line
// format the oracle has always been driven with, honoring privacy mode the
// same way the original implementation filtered notifications.
func (d *Device) buildUserMessage(packets []Packet, skipCheck bool) string {
	var sb strings.Builder

	for _, packet := range packets {
		senderName := d.displayName(packet.Sender)
		var recipientName string
		if packet.HasRecipient() {
			recipientName = d.displayName(packet.Recipient)
		}

		switch packet.Type {
		case ActionTalk:
			if recipientName != "" {
				fmt.Fprintf(&sb, "TALK: %s -> You: %s\n", senderName, packet.Context)
			} else {
				fmt.Fprintf(&sb, "TALK: %s -> Everyone: %s\n", senderName, packet.Context)
			}
		case ActionAdjacentHubsResponse:
			var payload adjacentHubsPayload
			if err := json.Unmarshal([]byte(packet.Context), &payload); err == nil {
				fmt.Fprintf(&sb, "ASYNC: Response arrived. Adjacent rooms: %v\n", payload.Hubs)
			}
		case ActionHubNameResponse:
			fmt.Fprintf(&sb, "ASYNC: Response arrived. Current room name: %s\n", packet.Context)
		}

		visibleToMe := !d.cfg.PrivacyMode || packet.Recipient == d.id
		if visibleToMe {
			switch packet.Type {
			case ActionWhisper:
				if recipientName != "" {
					fmt.Fprintf(&sb, "WHISPER: %s -> You: %s\n", senderName, packet.Context)
				} else {
					fmt.Fprintf(&sb, "WHISPER: %s is whispering to someone\n", senderName)
				}
			case ActionText:
				if recipientName != "" {
					fmt.Fprintf(&sb, "TEXT: %s -> You: %s\n", senderName, packet.Context)
				} else {
					fmt.Fprintf(&sb, "TEXT: %s is sending a message to someone\n", senderName)
				}
			}
		}

		if !d.cfg.PrivacyMode {
			switch packet.Type {
			case ActionPoint:
				fmt.Fprintf(&sb, "POINT: %s -> %s\n", senderName, recipientName)
			case ActionRaiseHand:
				fmt.Fprintf(&sb, "RAISE_HAND: %s raised their hand\n", senderName)
			case ActionPing:
				if packet.HasRecipient() {
					fmt.Fprintf(&sb, "PING: Ping response arrived from %s\n", senderName)
					slog.Debug("pong", "from", packet.Sender, "to", packet.Recipient)
				} else if packet.Sender != d.id {
					fmt.Fprintf(&sb, "PING: %s pinged everyone\n", senderName)
				}
			case ActionJoin:
				fmt.Fprintf(&sb, "JOIN: %s joined the room\n", senderName)
			case ActionLeave:
				fmt.Fprintf(&sb, "LEAVE: %s left the room\n", senderName)
			}
		}
	}

	d.mu.Lock()
	result := d.moveHubResult
	d.mu.Unlock()
	if result != nil && !*result {
		sb.WriteString("ASYNC: Request failed. The target room is not adjacent to the current room\n")
	}

	if len(packets) == 0 && !skipCheck {
		sb.WriteString("NOTIFY: Nothing happened for a while.\nIt's up to you whether you take action or not.\n")
	}

	return sb.String()
}

func (d *Device) displayName(id ids.ID) string {
	if id.IsZero() {
		return ""
	}
	if name := d.NameFor(id); name != "" {
		return name
	}
	return fmt.Sprintf("Unknown (%s)", id)
}

// runCompletion drives one oracle turn, accumulating streamed content and
// tool calls, and interrupting the stream early when new inbox traffic is
// waiting and the stream has been running longer than the device's
// cool-time window.
func (d *Device) runCompletion(ctx context.Context, transcript []transcriptMessage) (string, []oracle.ToolCall, error) {
	messages := make([]oracle.Message, len(transcript))
	for i, m := range transcript {
		messages[i] = m.message
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := d.client.Stream(streamCtx, messages, oracle.Catalogue())
	if err != nil {
		return "", nil, err
	}

	start := time.Now()
	var content string
	var calls []oracle.ToolCall

	for event := range events {
		if d.cfg.Debug {
			slog.Debug("oracle event", "device", d.id, "content", event.ContentDelta, "done", event.Done)
		}
		if event.ContentDelta != "" {
			content += event.ContentDelta
		}
		if event.ToolCallDelta != nil {
			calls = append(calls, *event.ToolCallDelta)
		}
		if event.Done {
			break
		}
		if d.inboxLen() > 0 && time.Since(start) > d.cfg.CoolTime {
			cancel()
			break
		}
	}

	return content, calls, nil
}

func (d *Device) systemPrompt() string {
	if d.cfg.SystemPrompt != nil {
		return d.cfg.SystemPrompt(d.cfg.Name, d.cfg.Situation)
	}
	return fmt.Sprintf("You are the mind of %s. Reason carefully before acting.", d.cfg.Name)
}

func (d *Device) dumpTranscript(transcript []transcriptMessage) {
	if d.cfg.TranscriptDir == "" {
		return
	}
	go func(snapshot []transcriptMessage) {
		messages := make([]oracle.Message, len(snapshot))
		for i, m := range snapshot {
			messages[i] = m.message
		}
		body, err := json.MarshalIndent(messages, "", "  ")
		if err != nil {
			return
		}
		path := fmt.Sprintf("%s/%s.json", d.cfg.TranscriptDir, d.id.String())
		if err := writeFileBestEffort(path, body); err != nil {
			slog.Debug("transcript dump failed", "device", d.id, "err", err)
		}
	}(append([]transcriptMessage(nil), transcript...))
}
