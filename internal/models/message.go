package models

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MsgAudioChunk       MessageType = "AUDIO_CHUNK"
	MsgHeartbeat        MessageType = "HEARTBEAT"
	MsgConnectionStatus MessageType = "CONNECTION_STATUS"
	MsgError            MessageType = "ERROR"
	MsgSessionStart     MessageType = "SESSION_START"
	MsgSessionEnd       MessageType = "SESSION_END"
	MsgReconnect        MessageType = "RECONNECT"

	// server -> client, produced by the segment pipeline
	MsgTranscript MessageType = "TRANSCRIPT"
	MsgAIResponse MessageType = "AI_RESPONSE"
)

var knownTypes = map[MessageType]struct{}{
	MsgAudioChunk:       {},
	MsgHeartbeat:        {},
	MsgConnectionStatus: {},
	MsgError:            {},
	MsgSessionStart:     {},
	MsgSessionEnd:       {},
	MsgReconnect:        {},
	MsgTranscript:       {},
	MsgAIResponse:       {},
}

func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Message is the wire envelope for text frames. Binary is set for raw audio
// frames and is never JSON encoded.
type Message struct {
	Type      MessageType     `json:"type"`
	CallID    string          `json:"callId,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix millis
	Data      json.RawMessage `json:"data,omitempty"`

	Binary []byte `json:"-"`
}

// NewMessage builds an envelope stamped with the current time. A data value
// that fails to marshal is dropped.
func NewMessage(t MessageType, callID string, data any) Message {
	m := Message{Type: t, CallID: callID, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			m.Data = b
		}
	}
	return m
}

// Decode unmarshals Data into dst.
func (m Message) Decode(dst any) error {
	if len(m.Data) == 0 {
		return json.Unmarshal([]byte("{}"), dst)
	}
	return json.Unmarshal(m.Data, dst)
}

type ConnectionStatusData struct {
	Status       string `json:"status"` // connected|reconnected|authenticated|session_started|session_ended
	ConnectionID string `json:"connectionId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// HeartbeatData marks replies to a peer's heartbeat so neither side echoes
// an acknowledgement.
type HeartbeatData struct {
	Ack bool `json:"ack,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SessionStartData struct {
	UserID    string `json:"userId"`
	CallID    string `json:"callId"`
	AuthToken string `json:"authToken,omitempty"`
}

type SessionEndData struct {
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type ReconnectData struct {
	PreviousConnectionID string `json:"previousConnectionId"`
	SessionID            string `json:"sessionId"`
	AuthToken            string `json:"authToken,omitempty"`
}

// AudioChunkData is the JSON form of an audio chunk. Payload is base64 PCM.
type AudioChunkData struct {
	Seq        *int64 `json:"seq,omitempty"`
	Payload    []byte `json:"payload"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	CapturedAt int64  `json:"capturedAt,omitempty"` // unix millis
}

type TranscriptData struct {
	SessionID  string  `json:"sessionId"`
	Seq        int64   `json:"seq"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type AIResponseData struct {
	SessionID string `json:"sessionId"`
	Seq       int64  `json:"seq"`
	Delta     string `json:"delta,omitempty"`
	Done      bool   `json:"done"`
	Text      string `json:"text,omitempty"`
}
