package models

import (
	"encoding/json"
	"fmt"
)

// Client -> server message names.
const (
	MsgJoin           = "join"
	MsgLeave          = "leave"
	MsgStartSession   = "start_session"
	MsgEndSession     = "end_session"
	MsgChat           = "chat"
	MsgCreatePoll     = "create_poll"
	MsgVote           = "vote"
	MsgClosePoll      = "close_poll"
	MsgStartRecording = "start_recording"
	MsgStopRecording  = "stop_recording"
	MsgReplay         = "replay"
	MsgPing           = "ping"
)

// Server -> client message names.
const (
	MsgEvent    = "event"
	MsgSnapshot = "snapshot"
	MsgError    = "error"
	MsgAck      = "ack"
	MsgPong     = "pong"
	MsgBye      = "bye"
)

// Message is the transport envelope in both directions.
type Message struct {
	Event     string          `json:"event"`
	RoomID    string          `json:"room_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals data into an envelope.
func NewMessage(event, roomID string, data interface{}) (Message, error) {
	msg := Message{Event: event, RoomID: roomID}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	msg.Data = raw
	return msg, nil
}

// Decode unmarshals the message data into v. Empty data leaves v untouched.
func (m Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Event, err)
	}
	return nil
}

// JoinRequest is the data of a join message. Since is the last seq the client applied.
type JoinRequest struct {
	Since int64 `json:"since"`
}

// ReplayRequest asks for events after Since.
type ReplayRequest struct {
	Since int64 `json:"since"`
}

// ChatRequest is the data of a chat message.
type ChatRequest struct {
	Text string `json:"text"`
}

// CreatePollRequest is the data of a create_poll message.
type CreatePollRequest struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// VoteRequest is the data of a vote message.
type VoteRequest struct {
	PollID string `json:"poll_id,omitempty"`
	Option int    `json:"option"`
}

// RecordingRequest is the data of start_recording and stop_recording messages.
type RecordingRequest struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// ByeNotice is sent before the server closes a connection.
type ByeNotice struct {
	Reason string `json:"reason"`
}

// Server close reasons.
const (
	ByeShutdown     = "shutdown"
	ByeSlowConsumer = "slow_consumer"
)
