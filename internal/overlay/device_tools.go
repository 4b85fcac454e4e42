// SPDX-License-Identifier: AGPL-3.0-or-later

package overlay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/roomhub/overlay/internal/ids"
	"github.com/roomhub/overlay/internal/oracle"
)

func writeFileBestEffort(path string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o644)
}

func toolReply(message string) string {
	body, _ := json.Marshal(map[string]string{"message": message})
	return string(body)
}

// dispatchTool executes one tool call against the device's mesh state,
// mirroring the fixed tool catalogue in internal/oracle one function at a
// time, and returns the JSON reply body handed back to the oracle as a tool
// message.
func (d *Device) dispatchTool(call oracle.ToolCall) string {
	var args map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return toolReply("error: Invalid JSON")
	}

	switch call.Name {
	case "talk":
		return d.toolTalk(args)
	case "whisper":
		return d.toolWhisper(args)
	case "text":
		return d.toolText(args)
	case "point":
		return d.toolPoint(args)
	case "raiseHand":
		return d.toolRaiseHand()
	case "registerContact":
		return d.toolRegisterContact(args)
	case "getAdjacentRooms":
		return d.toolGetAdjacentRooms()
	case "moveToRoom":
		return d.toolMoveToRoom(args)
	case "getCurrentRoomName":
		return d.toolGetCurrentRoomName()
	case "ping":
		return d.toolPing()
	default:
		return toolReply(fmt.Sprintf("error: Unknown function %s", call.Name))
	}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func (d *Device) toolTalk(args map[string]any) string {
	target := stringArg(args, "target")
	context := stringArg(args, "context")

	if target == "" {
		if err := d.sendToHub(NewPacket(ActionTalk, d.id, ids.Nil, context)); err != nil {
			return toolReply("error: Opps! Something went wrong")
		}
		return toolReply("success")
	}

	targetID, ok := d.ResolveName(target)
	if !ok && !strings.EqualFold(target, "everyone") {
		return toolReply(fmt.Sprintf("error: Target %s not found", target))
	}
	if !ok {
		targetID = ids.Nil
	}
	if err := d.sendToHub(NewPacket(ActionTalk, d.id, targetID, context)); err != nil {
		return toolReply("error: Opps! Something went wrong")
	}
	return toolReply("success")
}

func (d *Device) toolWhisper(args map[string]any) string {
	target := stringArg(args, "target")
	context := stringArg(args, "context")

	targetID, ok := d.ResolveName(target)
	if !ok {
		return toolReply(fmt.Sprintf("error: Target %s not found", target))
	}
	if err := d.sendToHub(NewPacket(ActionWhisper, d.id, targetID, context)); err != nil {
		return toolReply("error: Opps! Something went wrong")
	}
	return toolReply("success")
}

func (d *Device) toolText(args map[string]any) string {
	target := stringArg(args, "target")
	context := stringArg(args, "context")

	targetID, ok := d.ResolveName(target)
	if !ok {
		return toolReply(fmt.Sprintf("error: Target %s not found", target))
	}
	if err := d.sendToHub(NewPacket(ActionText, d.id, targetID, context)); err != nil {
		return toolReply("error: Opps! Something went wrong")
	}
	return toolReply("success")
}

func (d *Device) toolPoint(args map[string]any) string {
	target := stringArg(args, "target")

	targetID, ok := d.ResolveName(target)
	if !ok {
		return toolReply(fmt.Sprintf("error: Target %s not found", target))
	}
	if err := d.sendToHub(NewPacket(ActionPoint, d.id, targetID, "")); err != nil {
		return toolReply("error: Opps! Something went wrong")
	}
	return toolReply("success")
}

func (d *Device) toolRaiseHand() string {
	if err := d.sendToHub(NewPacket(ActionRaiseHand, d.id, ids.Nil, "")); err != nil {
		return toolReply("error: Opps! Something went wrong")
	}
	return toolReply("success")
}

func (d *Device) toolRegisterContact(args map[string]any) string {
	name := stringArg(args, "name")
	rawID := stringArg(args, "uuid")
	id, err := ids.Parse(rawID)
	if err != nil {
		return toolReply(fmt.Sprintf("error: Invalid UUID %s", rawID))
	}
	if !d.RegisterName(name, id) {
		return toolReply(fmt.Sprintf("error: Name %s already exists", name))
	}
	return toolReply("success")
}

func (d *Device) toolGetAdjacentRooms() string {
	if _, ok := d.HubID(); !ok {
		return toolReply("error: You don't seem to be in any room")
	}
	if err := d.sendToHub(NewPacket(ActionAdjacentHubsRequest, d.id, ids.Nil, "")); err != nil {
		return toolReply("error: Opps! Something went wrong")
	}
	return toolReply("ASYNC: Request sent. Please wait for the response")
}

func (d *Device) toolMoveToRoom(args map[string]any) string {
	rawID := stringArg(args, "roomUuid")
	roomID, err := ids.Parse(rawID)
	if err != nil {
		return toolReply(fmt.Sprintf("error: Invalid UUID %s", rawID))
	}
	if _, ok := d.HubID(); !ok {
		return toolReply("error: You don't seem to be in any room")
	}
	d.mu.Lock()
	connector := d.moveHubConnect
	d.mu.Unlock()
	if connector == nil {
		return toolReply("error: Opps! Something went wrong")
	}
	if err := d.MoveHub(roomID, func() error { return connector(roomID) }); err != nil {
		return toolReply("error: Opps! Something went wrong")
	}
	return toolReply("ASYNC: Request sent. Please wait for the response")
}

func (d *Device) toolGetCurrentRoomName() string {
	hubID, ok := d.HubID()
	if !ok {
		return toolReply("error: You don't seem to be in any room")
	}
	if err := d.sendToHub(NewPacket(ActionHubNameRequest, d.id, hubID, "")); err != nil {
		return toolReply("error: Opps! Something went wrong")
	}
	return toolReply("ASYNC: Request sent. Please wait for the response")
}

func (d *Device) toolPing() string {
	if err := d.sendToHub(NewPacket(ActionPing, d.id, ids.Nil, "")); err != nil {
		return toolReply("error: Opps! Something went wrong")
	}
	return toolReply("PING: pinged everyone in the room. Please wait for the response")
}
