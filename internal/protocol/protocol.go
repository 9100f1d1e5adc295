// Package protocol defines the frames exchanged between the replication
// provider and the relay.
//
// Binary format: [type:1 byte][timestamp:8 bytes][payload_len:4 bytes][payload:JSON bytes].
// A frame starting with '{' is accepted as a JSON text frame carrying the
// type name in "type".
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// MessageTypeCode represents binary message type codes
type MessageTypeCode byte

const (
	AUTH             MessageTypeCode = 0x01
	AUTH_SUCCESS     MessageTypeCode = 0x02
	AUTH_ERROR       MessageTypeCode = 0x03
	SUBSCRIBE        MessageTypeCode = 0x10
	UNSUBSCRIBE      MessageTypeCode = 0x11
	SUBSCRIBED       MessageTypeCode = 0x12
	SYNC_STEP1       MessageTypeCode = 0x14
	SYNC_STEP2       MessageTypeCode = 0x15
	UPDATE           MessageTypeCode = 0x20
	PING             MessageTypeCode = 0x30
	PONG             MessageTypeCode = 0x31
	AWARENESS_UPDATE MessageTypeCode = 0x40
	AWARENESS_STATE  MessageTypeCode = 0x42
	ERROR            MessageTypeCode = 0xFF
)

// Message type names
const (
	TypePing = "ping"
	TypePong = "pong"

	TypeAuth        = "auth"
	TypeAuthSuccess = "auth_success"
	TypeAuthError   = "auth_error"

	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSubscribed  = "subscribed"
	TypeSyncStep1   = "sync_step1"
	TypeSyncStep2   = "sync_step2"
	TypeUpdate      = "update"

	TypeAwarenessUpdate = "awareness_update"
	TypeAwarenessState  = "awareness_state"

	TypeError = "error"
)

// Error codes carried in ERROR frames.
const (
	CodeAuthRequired   = "AUTH_REQUIRED"
	CodeAccessDenied   = "ACCESS_DENIED"
	CodeReadOnly       = "READ_ONLY"
	CodeNotSubscribed  = "NOT_SUBSCRIBED"
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInternal       = "INTERNAL"
)

var typeCodeToName = map[MessageTypeCode]string{
	AUTH:             TypeAuth,
	AUTH_SUCCESS:     TypeAuthSuccess,
	AUTH_ERROR:       TypeAuthError,
	SUBSCRIBE:        TypeSubscribe,
	UNSUBSCRIBE:      TypeUnsubscribe,
	SUBSCRIBED:       TypeSubscribed,
	SYNC_STEP1:       TypeSyncStep1,
	SYNC_STEP2:       TypeSyncStep2,
	UPDATE:           TypeUpdate,
	PING:             TypePing,
	PONG:             TypePong,
	AWARENESS_UPDATE: TypeAwarenessUpdate,
	AWARENESS_STATE:  TypeAwarenessState,
	ERROR:            TypeError,
}

var typeNameToCode = map[string]MessageTypeCode{
	TypeAuth:            AUTH,
	TypeAuthSuccess:     AUTH_SUCCESS,
	TypeAuthError:       AUTH_ERROR,
	TypeSubscribe:       SUBSCRIBE,
	TypeUnsubscribe:     UNSUBSCRIBE,
	TypeSubscribed:      SUBSCRIBED,
	TypeSyncStep1:       SYNC_STEP1,
	TypeSyncStep2:       SYNC_STEP2,
	TypeUpdate:          UPDATE,
	TypePing:            PING,
	TypePong:            PONG,
	TypeAwarenessUpdate: AWARENESS_UPDATE,
	TypeAwarenessState:  AWARENESS_STATE,
	TypeError:           ERROR,
}

// Payload is the JSON body of every frame. Each message type uses a subset
// of the fields; byte slices travel base64-encoded.
type Payload struct {
	ID string `json:"id,omitempty"`

	// AUTH / AUTH_SUCCESS
	Token   string `json:"token,omitempty"`
	Account string `json:"account,omitempty"`

	// SUBSCRIBE / SUBSCRIBED / sync / update / awareness: "owner/permlink"
	Document string `json:"document,omitempty"`
	Level    string `json:"level,omitempty"`

	StateVector []byte `json:"stateVector,omitempty"`
	Update      []byte `json:"update,omitempty"`

	// AWARENESS_*: a nil State removes ClientID's presence.
	ClientID string                            `json:"clientId,omitempty"`
	State    map[string]interface{}            `json:"state,omitempty"`
	States   map[string]map[string]interface{} `json:"states,omitempty"`

	// ERROR / AUTH_ERROR
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// Message is a decoded frame.
type Message struct {
	Type      string  `json:"type"`
	Timestamp int64   `json:"timestamp"`
	Payload   Payload `json:"-"`
}

// NewMessage stamps a message with the current time.
func NewMessage(messageType string, payload Payload) *Message {
	return &Message{Type: messageType, Timestamp: time.Now().UnixMilli(), Payload: payload}
}

// ErrorMessage builds an ERROR frame.
func ErrorMessage(code, document, text string) *Message {
	return NewMessage(TypeError, Payload{Code: code, Document: document, Error: text})
}

// Encode encodes m to binary format.
func (m *Message) Encode() ([]byte, error) {
	return EncodeMessage(m.Type, m.Payload, m.Timestamp)
}

// EncodeMessage encodes a message to binary format
func EncodeMessage(messageType string, payload Payload, timestamp int64) ([]byte, error) {
	typeCode, ok := typeNameToCode[messageType]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", messageType)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	payloadLen := uint32(len(payloadJSON))

	buf := make([]byte, 13+payloadLen)
	buf[0] = byte(typeCode)
	binary.BigEndian.PutUint64(buf[1:9], uint64(timestamp))
	binary.BigEndian.PutUint32(buf[9:13], payloadLen)
	copy(buf[13:], payloadJSON)

	return buf, nil
}

// DecodeMessage decodes a binary or JSON message
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) > 0 && data[0] == '{' {
		var text struct {
			Type      string `json:"type"`
			Timestamp int64  `json:"timestamp"`
			Payload
		}
		if err := json.Unmarshal(data, &text); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
		}
		if _, ok := typeNameToCode[text.Type]; !ok {
			return nil, fmt.Errorf("unknown message type %q", text.Type)
		}
		return &Message{Type: text.Type, Timestamp: text.Timestamp, Payload: text.Payload}, nil
	}

	if len(data) < 13 {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}

	typeCode := MessageTypeCode(data[0])
	timestamp := int64(binary.BigEndian.Uint64(data[1:9]))
	payloadLen := binary.BigEndian.Uint32(data[9:13])

	if uint64(len(data)) < 13+uint64(payloadLen) {
		return nil, fmt.Errorf("incomplete message: expected %d bytes, got %d", 13+uint64(payloadLen), len(data))
	}

	typeName, ok := typeCodeToName[typeCode]
	if !ok {
		return nil, fmt.Errorf("unknown message type code %#x", byte(typeCode))
	}

	message := &Message{Type: typeName, Timestamp: timestamp}
	if payloadLen > 0 {
		if err := json.Unmarshal(data[13:13+payloadLen], &message.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	return message, nil
}
