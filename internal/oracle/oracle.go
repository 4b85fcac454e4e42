// SPDX-License-Identifier: AGPL-3.0-or-later

// Package oracle defines the boundary between a Device's reasoning loop and
// the external chat-completion service that actually decides what the
// device does next. The concrete client (whichever hosted or local model
// backs it) is out of scope for this module; only the interface, the fixed
// tool catalogue, and a deterministic test double live here.
package oracle

import "context"

// Role mirrors the small set of chat-completion roles a transcript needs.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the transcript handed to the oracle.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string // set on RoleTool messages, correlating to a ToolCall.ID
	ToolCalls  []ToolCall
}

// ToolCall is a single function invocation the oracle asked for.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON object, decoded by the caller per tool name
}

// ToolDefinition describes one entry in the fixed tool catalogue, encoded
// the way a JSON-schema-based function-calling API expects it.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema, nil for parameterless tools
}

// StreamEvent is one increment of a streaming completion.
type StreamEvent struct {
	ContentDelta  string
	ToolCallDelta *ToolCall // non-nil once a tool call has fully accumulated
	Done          bool
}

// Client is the boundary a Device's reasoning loop drives. Implementations
// stream a completion over events and must respect ctx cancellation so the
// reasoning loop's cool-time interrupt (spec §4.4) can cut a stream short.
type Client interface {
	Stream(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamEvent, error)
}

// Catalogue is the closed set of tools every device's reasoning loop is
// offered, ported verbatim from the original implementation's tool schema.
func Catalogue() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "talk",
			Description: "Talk to someone. Everyone can hear you",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target": map[string]any{
						"type":        "string",
						"description": "Target to talk to. If not specified, the target will be everyone. UUID or name can be used",
					},
					"context": map[string]any{
						"type":        "string",
						"description": "Context of the conversation",
					},
				},
				"required": []string{"context"},
			},
		},
		{
			Name:        "whisper",
			Description: "Whisper to someone. Only the target can hear the content, but everyone can see who is whispering to whom",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target": map[string]any{
						"type":        "string",
						"description": "The target person to whisper to. This field is required. UUID or name can be used",
					},
					"context": map[string]any{
						"type":        "string",
						"description": "The message content to whisper",
					},
				},
				"required": []string{"target", "context"},
			},
		},
		{
			Name:        "text",
			Description: "Send a text message. Everyone can see that you are sending a message, but the recipient and the content are hidden. You can also send messages to people who are not in the same room",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target": map[string]any{
						"type":        "string",
						"description": "The target person to send the text to. This field is required",
					},
					"context": map[string]any{
						"type":        "string",
						"description": "The content of the text message. This field is required",
					},
				},
				"required": []string{"target", "context"},
			},
		},
		{
			Name:        "point",
			Description: "Point at someone. Everyone can see who is being pointed at",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target": map[string]any{
						"type":        "string",
						"description": "The target person to whisper to. This field is required. UUID or name can be used",
					},
				},
				"required": []string{"target"},
			},
		},
		{
			Name:        "raiseHand",
			Description: "Raise your hand. Everyone can see that you raised your hand",
		},
		{
			Name:        "registerContact",
			Description: "Replace the displayed UUID of a contact with a custom name. Once registered, the custom name will be displayed instead of the UUID. To avoid confusion, it is recommended to ask the contact for their preferred name before registration",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"description": "The custom name to replace and display instead of the UUID. It is recommended to use the name provided by the contact to avoid confusion. This field is required",
					},
					"uuid": map[string]any{
						"type":        "string",
						"description": "The UUID of the person to register",
					},
				},
				"required": []string{"name", "uuid"},
			},
		},
		{
			Name:        "getAdjacentRooms",
			Description: "Retrieve the UUIDs of rooms adjacent to the current room. No parameters are required as the command uses the current room context",
		},
		{
			Name:        "moveToRoom",
			Description: "Move to a specific room by providing its UUID. The UUID must correspond to an adjacent room",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"roomUuid": map[string]any{
						"type":        "string",
						"description": "The UUID of the room to move to. Must be one of the adjacent room UUIDs",
					},
				},
				"required": []string{"roomUuid"},
			},
		},
		{
			Name:        "getCurrentRoomName",
			Description: "Retrieve the name of the room you are currently in",
		},
		{
			Name:        "ping",
			Description: "Send a ping to everyone in the same room. This allows you to check who is currently in the room",
		},
	}
}
