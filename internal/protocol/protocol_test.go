package protocol

import (
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"
)

func TestTypeCodes(t *testing.T) {
	tests := []struct {
		code TypeCode
		want byte
	}{
		{Auth, 0x01},
		{AuthSuccess, 0x02},
		{AuthError, 0x03},
		{Subscribe, 0x10},
		{Unsubscribe, 0x11},
		{SyncRequest, 0x12},
		{SyncResponse, 0x13},
		{Delta, 0x20},
		{Ack, 0x21},
		{Ping, 0x30},
		{Pong, 0x31},
		{AwarenessUpdate, 0x40},
		{Error, 0xFF},
	}

	for _, tt := range tests {
		if byte(tt.code) != tt.want {
			t.Errorf("TypeCode %v = %#x, want %#x", tt.code, byte(tt.code), tt.want)
		}
	}
}

func TestBidirectionalMapping(t *testing.T) {
	for code, name := range codeToName {
		gotCode, ok := nameToCode[name]
		if !ok {
			t.Errorf("type name %q not found in nameToCode", name)
			continue
		}
		if gotCode != code {
			t.Errorf("nameToCode[%q] = %#x, want %#x", name, gotCode, code)
		}
	}
}

func TestEncodeMessage(t *testing.T) {
	tests := []struct {
		name        string
		messageType string
		payload     map[string]interface{}
		timestamp   int64
		wantCode    TypeCode
	}{
		{
			name:        "ping message",
			messageType: TypeNamePing,
			payload:     map[string]interface{}{"type": "ping", "id": "test-123"},
			timestamp:   1234567890000,
			wantCode:    Ping,
		},
		{
			name:        "delta message",
			messageType: TypeNameDelta,
			payload: map[string]interface{}{
				"type":    "delta",
				"id":      "delta-456",
				"docId":   "doc-1",
				"changes": map[string]interface{}{"key": "value"},
			},
			timestamp: 1234567890000,
			wantCode:  Delta,
		},
		{
			name:        "auth message",
			messageType: TypeNameAuth,
			payload:     map[string]interface{}{"type": "auth", "token": "jwt-token"},
			timestamp:   1234567890000,
			wantCode:    Auth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := EncodeMessage(tt.messageType, tt.payload, tt.timestamp)
			if err != nil {
				t.Fatalf("EncodeMessage() error = %v", err)
			}

			if len(result) < headerLen {
				t.Fatalf("EncodeMessage() result length = %d, want >= %d", len(result), headerLen)
			}

			typeCode := TypeCode(result[0])
			if typeCode != tt.wantCode {
				t.Errorf("EncodeMessage() type code = %#x, want %#x", typeCode, tt.wantCode)
			}

			ts := int64(binary.BigEndian.Uint64(result[1:9]))
			if ts != tt.timestamp {
				t.Errorf("EncodeMessage() timestamp = %d, want %d", ts, tt.timestamp)
			}

			payloadLen := binary.BigEndian.Uint32(result[9:13])
			if int(payloadLen) != len(result)-headerLen {
				t.Errorf("EncodeMessage() payload length = %d, want %d", payloadLen, len(result)-headerLen)
			}

			var decodedPayload map[string]interface{}
			if err := json.Unmarshal(result[headerLen:], &decodedPayload); err != nil {
				t.Errorf("EncodeMessage() payload is not valid JSON: %v", err)
			}
		})
	}
}

func TestDecodeMessage_Binary(t *testing.T) {
	payload := map[string]interface{}{"id": "test-123", "data": "hello"}
	payloadBytes, _ := json.Marshal(payload)
	timestamp := int64(1234567890000)

	header := make([]byte, headerLen)
	header[0] = byte(Ping)
	binary.BigEndian.PutUint64(header[1:9], uint64(timestamp))
	binary.BigEndian.PutUint32(header[9:13], uint32(len(payloadBytes)))

	message := append(header, payloadBytes...)

	result, err := DecodeMessage(message)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}

	if result.Type != TypeNamePing {
		t.Errorf("DecodeMessage() type = %q, want %q", result.Type, TypeNamePing)
	}
	if result.Timestamp != timestamp {
		t.Errorf("DecodeMessage() timestamp = %d, want %d", result.Timestamp, timestamp)
	}
	if result.ID != "test-123" {
		t.Errorf("DecodeMessage() ID = %q, want %q", result.ID, "test-123")
	}
}

func TestDecodeMessage_JSON(t *testing.T) {
	message := []byte(`{"type":"ping","id":"test-123","timestamp":1234567890000}`)

	result, err := DecodeMessage(message)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}

	if result.Type != "ping" {
		t.Errorf("DecodeMessage() type = %q, want %q", result.Type, "ping")
	}
	if result.ID != "test-123" {
		t.Errorf("DecodeMessage() ID = %q, want %q", result.ID, "test-123")
	}
}

func TestDecodeMessage_RejectsShortMessage(t *testing.T) {
	shortMessage := []byte{0x30, 0x00, 0x00}

	_, err := DecodeMessage(shortMessage)
	if err == nil {
		t.Error("DecodeMessage() expected error for short message, got nil")
	}
}

func TestDecodeMessage_RejectsTruncatedPayload(t *testing.T) {
	header := make([]byte, headerLen)
	header[0] = byte(Ping)
	binary.BigEndian.PutUint64(header[1:9], 1000)
	binary.BigEndian.PutUint32(header[9:13], 100)

	message := append(header, []byte("short")...)

	_, err := DecodeMessage(message)
	if err == nil {
		t.Error("DecodeMessage() expected error for truncated payload, got nil")
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		messageType string
		payload     map[string]interface{}
	}{
		{
			name:        "ping",
			messageType: TypeNamePing,
			payload:     map[string]interface{}{"type": "ping", "id": "roundtrip-1"},
		},
		{
			name:        "delta with complex payload",
			messageType: TypeNameDelta,
			payload: map[string]interface{}{
				"type":   "delta",
				"id":     "complex-1",
				"docId":  "doc-123",
				"string": "hello",
				"number": float64(42),
				"nested": map[string]interface{}{"key": "value"},
				"array":  []interface{}{float64(1), "two", float64(3.0)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timestamp := time.Now().UnixMilli()

			encoded, err := EncodeMessage(tt.messageType, tt.payload, timestamp)
			if err != nil {
				t.Fatalf("EncodeMessage() error = %v", err)
			}

			decoded, err := DecodeMessage(encoded)
			if err != nil {
				t.Fatalf("DecodeMessage() error = %v", err)
			}

			if decoded.Type != tt.messageType {
				t.Errorf("Round trip type = %q, want %q", decoded.Type, tt.messageType)
			}
			if decoded.Timestamp != timestamp {
				t.Errorf("Round trip timestamp = %d, want %d", decoded.Timestamp, timestamp)
			}
		})
	}
}

func TestRoundTrip_AllMessageTypes(t *testing.T) {
	typesToTest := []struct {
		typeName string
		typeCode TypeCode
	}{
		{TypeNameAuth, Auth},
		{TypeNameAuthSuccess, AuthSuccess},
		{TypeNameSubscribe, Subscribe},
		{TypeNameDelta, Delta},
		{TypeNameAck, Ack},
		{TypeNamePing, Ping},
		{TypeNamePong, Pong},
		{TypeNameAwarenessUpdate, AwarenessUpdate},
		{TypeNameError, Error},
	}

	for _, tt := range typesToTest {
		t.Run(tt.typeName, func(t *testing.T) {
			payload := map[string]interface{}{"type": tt.typeName, "id": "test"}
			timestamp := int64(1000)

			encoded, err := EncodeMessage(tt.typeName, payload, timestamp)
			if err != nil {
				t.Fatalf("EncodeMessage(%q) error = %v", tt.typeName, err)
			}

			decoded, err := DecodeMessage(encoded)
			if err != nil {
				t.Fatalf("DecodeMessage(%q) error = %v", tt.typeName, err)
			}

			if decoded.Type != tt.typeName {
				t.Errorf("Round trip for %q: got type %q", tt.typeName, decoded.Type)
			}
		})
	}
}

func TestEncodeMessage_PreservesPayloadData(t *testing.T) {
	payload := map[string]interface{}{
		"type": "delta",
		"id":   "test",
		"nested": map[string]interface{}{
			"deep": map[string]interface{}{
				"value": float64(123),
			},
		},
		"array": []interface{}{float64(1), float64(2), float64(3)},
	}

	result, err := EncodeMessage(TypeNameDelta, payload, 1000)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(result[headerLen:], &decoded); err != nil {
		t.Fatalf("Failed to unmarshal payload: %v", err)
	}

	nested, ok := decoded["nested"].(map[string]interface{})
	if !ok {
		t.Fatal("decoded[\"nested\"] is not a map")
	}
	deep, ok := nested["deep"].(map[string]interface{})
	if !ok {
		t.Fatal("nested[\"deep\"] is not a map")
	}
	value, ok := deep["value"].(float64)
	if !ok || value != 123 {
		t.Errorf("nested.deep.value = %v, want 123", deep["value"])
	}

	arr, ok := decoded["array"].([]interface{})
	if !ok {
		t.Fatal("decoded[\"array\"] is not an array")
	}
	if len(arr) != 3 {
		t.Errorf("array length = %d, want 3", len(arr))
	}
}
