package syncroom

import (
	"encoding/json"
	"fmt"
)

// wire messages are json. see the protocol types below.
// client -> room: patch, reconnect
// room -> client: ack, patch, clientCount

const (
	MessageTypePatch       = "patch"
	MessageTypeReconnect   = "reconnect"
	MessageTypeAck         = "ack"
	MessageTypeClientCount = "clientCount"
)

// FieldMap is one record's named values. Values are json scalars or
// structures. The reserved field `_exists` is a bool (see `FieldExists`).
type FieldMap map[string]any

// Patch maps record keys to partial field maps.
// A patch entry never needs schema knowledge. Merge rules only use
// field presence and the reserved `_exists` field.
type Patch map[string]FieldMap

// ClientMessage is any inbound message from a session.
// `MessageId` is opaque to the room and echoed back in the ack.
type ClientMessage struct {
	Type             string  `json:"type"`
	MessageId        any     `json:"messageId,omitempty"`
	LastTimestamp    int64   `json:"lastTimestamp,omitempty"`
	DocumentPatches  []Patch `json:"documentPatches,omitempty"`
	EphemeralPatches []Patch `json:"ephemeralPatches,omitempty"`
}

func ParseClientMessage(data []byte) (*ClientMessage, error) {
	message := &ClientMessage{}
	if err := json.Unmarshal(data, message); err != nil {
		return nil, err
	}
	switch message.Type {
	case MessageTypePatch, MessageTypeReconnect:
		return message, nil
	default:
		return nil, fmt.Errorf("unknown message type %s", message.Type)
	}
}

func (self *ClientMessage) hasDocumentPatches() bool {
	for _, patch := range self.DocumentPatches {
		if 0 < len(patch) {
			return true
		}
	}
	return false
}

func (self *ClientMessage) hasEphemeralPatches() bool {
	for _, patch := range self.EphemeralPatches {
		if 0 < len(patch) {
			return true
		}
	}
	return false
}

type AckMessage struct {
	Type      string `json:"type"`
	MessageId any    `json:"messageId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func NewAckMessage(messageId any, timestamp int64) *AckMessage {
	return &AckMessage{
		Type:      MessageTypeAck,
		MessageId: messageId,
		Timestamp: timestamp,
	}
}

// PatchMessage fans out one client's changes to the other sessions.
// `ClientId` attributes the changes and is nil when the room itself is
// the source (reconnect catch-up diffs).
// Empty patch lists are omitted from the wire, never sent as [].
type PatchMessage struct {
	Type             string  `json:"type"`
	ClientId         *Id     `json:"clientId,omitempty"`
	DocumentPatches  []Patch `json:"documentPatches,omitempty"`
	EphemeralPatches []Patch `json:"ephemeralPatches,omitempty"`
}

func NewPatchMessage(clientId *Id, documentPatches []Patch, ephemeralPatches []Patch) *PatchMessage {
	return &PatchMessage{
		Type:             MessageTypePatch,
		ClientId:         clientId,
		DocumentPatches:  documentPatches,
		EphemeralPatches: ephemeralPatches,
	}
}

type ClientCountMessage struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

func NewClientCountMessage(count int) *ClientCountMessage {
	return &ClientCountMessage{
		Type:  MessageTypeClientCount,
		Count: count,
	}
}

func encodeMessage(message any) []byte {
	data, err := json.Marshal(message)
	if err != nil {
		// the message types above are all json-encodable
		panic(err)
	}
	return data
}

// copyFieldMap deep-copies one record's fields so that snapshots and
// diffs never alias live room state.
func copyFieldMap(fields FieldMap) FieldMap {
	out := make(FieldMap, len(fields))
	for field, value := range fields {
		out[field] = copyValue(value)
	}
	return out
}

func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, element := range v {
			out[key] = copyValue(element)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, element := range v {
			out[i] = copyValue(element)
		}
		return out
	default:
		return v
	}
}
