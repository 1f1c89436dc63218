// Package protocol implements the binary WebSocket envelope the
// transport adapter exchanges with the Ratatoskr server. Ported from
// the teacher's internal/protocol package: the core's client must
// speak the exact wire format the server already expects (1-byte type
// code, 8-byte millisecond timestamp, 4-byte payload length, JSON
// payload), so this is a shared contract rather than a place to
// diverge. Type names and numbers are renamed to Go convention
// (MessageTypeCode -> TypeCode, SCREAMING_CASE -> CamelCase) but the
// codes themselves, and the dual JSON/binary decode dispatch, are
// unchanged.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// TypeCode is the one-byte wire tag identifying a message's kind.
type TypeCode byte

const (
	Auth        TypeCode = 0x01
	AuthSuccess TypeCode = 0x02
	AuthError   TypeCode = 0x03

	Subscribe    TypeCode = 0x10
	Unsubscribe  TypeCode = 0x11
	SyncRequest  TypeCode = 0x12
	SyncResponse TypeCode = 0x13
	SyncStep1    TypeCode = 0x14
	SyncStep2    TypeCode = 0x15

	Delta      TypeCode = 0x20
	Ack        TypeCode = 0x21
	DeltaBatch TypeCode = 0x22

	Ping TypeCode = 0x30
	Pong TypeCode = 0x31

	AwarenessUpdate    TypeCode = 0x40
	AwarenessSubscribe TypeCode = 0x41
	AwarenessState     TypeCode = 0x42

	Error TypeCode = 0xFF
)

// Type name constants, matching the server's string message types.
const (
	TypeNameAuth        = "auth"
	TypeNameAuthSuccess = "auth_success"
	TypeNameAuthError   = "auth_error"

	TypeNameSubscribe    = "subscribe"
	TypeNameUnsubscribe  = "unsubscribe"
	TypeNameSyncRequest  = "sync_request"
	TypeNameSyncResponse = "sync_response"
	TypeNameSyncStep1    = "sync_step1"
	TypeNameSyncStep2    = "sync_step2"

	TypeNameDelta      = "delta"
	TypeNameAck        = "ack"
	TypeNameDeltaBatch = "delta_batch"

	TypeNamePing = "ping"
	TypeNamePong = "pong"

	TypeNameAwarenessUpdate    = "awareness_update"
	TypeNameAwarenessSubscribe = "awareness_subscribe"
	TypeNameAwarenessState     = "awareness_state"

	TypeNameError = "error"
)

var codeToName = map[TypeCode]string{
	Auth:        TypeNameAuth,
	AuthSuccess: TypeNameAuthSuccess,
	AuthError:   TypeNameAuthError,

	Subscribe:    TypeNameSubscribe,
	Unsubscribe:  TypeNameUnsubscribe,
	SyncRequest:  TypeNameSyncRequest,
	SyncResponse: TypeNameSyncResponse,
	SyncStep1:    TypeNameSyncStep1,
	SyncStep2:    TypeNameSyncStep2,

	Delta:      TypeNameDelta,
	Ack:        TypeNameAck,
	DeltaBatch: TypeNameDeltaBatch,

	Ping: TypeNamePing,
	Pong: TypeNamePong,

	AwarenessUpdate:    TypeNameAwarenessUpdate,
	AwarenessSubscribe: TypeNameAwarenessSubscribe,
	AwarenessState:     TypeNameAwarenessState,

	Error: TypeNameError,
}

var nameToCode = map[string]TypeCode{
	TypeNameAuth:        Auth,
	TypeNameAuthSuccess: AuthSuccess,
	TypeNameAuthError:   AuthError,

	TypeNameSubscribe:    Subscribe,
	TypeNameUnsubscribe:  Unsubscribe,
	TypeNameSyncRequest:  SyncRequest,
	TypeNameSyncResponse: SyncResponse,
	TypeNameSyncStep1:    SyncStep1,
	TypeNameSyncStep2:    SyncStep2,

	TypeNameDelta:      Delta,
	TypeNameAck:        Ack,
	TypeNameDeltaBatch: DeltaBatch,

	TypeNamePing: Ping,
	TypeNamePong: Pong,

	TypeNameAwarenessUpdate:    AwarenessUpdate,
	TypeNameAwarenessSubscribe: AwarenessSubscribe,
	TypeNameAwarenessState:     AwarenessState,

	TypeNameError: Error,
}

// Message is one decoded envelope.
type Message struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id"`
	Timestamp int64                  `json:"timestamp"`
	Payload   map[string]interface{} `json:"-"`
}

const headerLen = 13

// EncodeMessage serializes messageType/payload/timestamp into the
// binary envelope: 1-byte type code, 8-byte big-endian millisecond
// timestamp, 4-byte big-endian payload length, JSON payload.
func EncodeMessage(messageType string, payload map[string]interface{}, timestamp int64) ([]byte, error) {
	typeCode, ok := nameToCode[messageType]
	if !ok {
		typeCode = Error
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	payloadLen := uint32(len(payloadJSON))

	buf := make([]byte, headerLen+int(payloadLen))
	buf[0] = byte(typeCode)
	binary.BigEndian.PutUint64(buf[1:9], uint64(timestamp))
	binary.BigEndian.PutUint32(buf[9:13], payloadLen)
	copy(buf[headerLen:], payloadJSON)

	return buf, nil
}

// DecodeMessage decodes either a JSON text message or a binary
// envelope, dispatching on the first byte.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
		return decodeJSON(data)
	}
	return decodeBinary(data)
}

func decodeJSON(data []byte) (*Message, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal JSON message: %w", err)
	}

	msg := &Message{Payload: raw}
	if t, ok := raw["type"].(string); ok {
		msg.Type = t
	}
	if id, ok := raw["id"].(string); ok {
		msg.ID = id
	}
	if ts, ok := raw["timestamp"].(float64); ok {
		msg.Timestamp = int64(ts)
	}
	return msg, nil
}

func decodeBinary(data []byte) (*Message, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}

	typeCode := TypeCode(data[0])
	timestamp := int64(binary.BigEndian.Uint64(data[1:9]))
	payloadLen := binary.BigEndian.Uint32(data[9:13])

	if uint32(len(data)) < uint32(headerLen)+payloadLen {
		return nil, fmt.Errorf("incomplete message: expected %d bytes, got %d", headerLen+int(payloadLen), len(data))
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data[headerLen:uint32(headerLen)+payloadLen], &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	typeName, ok := codeToName[typeCode]
	if !ok {
		typeName = TypeNameError
	}

	msg := &Message{
		Type:      typeName,
		Timestamp: timestamp,
		Payload:   payload,
	}
	if id, ok := payload["id"].(string); ok {
		msg.ID = id
	}
	return msg, nil
}
