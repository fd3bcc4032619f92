// Package protocol defines the JSON frames of the player-facing wire
// protocol. The gateway is the only role that speaks it; tests share the
// encode/decode helpers.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client→server message types.
const (
	TypeHello     = "HELLO"
	TypeReadyUp   = "READY_UP"
	TypeUnready   = "UNREADY"
	TypeHeartbeat = "HEARTBEAT"
	TypeLeave     = "LEAVE"
)

// Server→client message types.
const (
	TypeWelcome    = "WELCOME"
	TypeState      = "STATE"
	TypeMatchFound = "MATCH_FOUND"
	TypeMatchEnded = "MATCH_ENDED"
	TypeError      = "ERROR"
)

// Error codes carried by ERROR frames.
const (
	ErrCodeUnknown       = "UNKNOWN"
	ErrCodeMalformed     = "MALFORMED"
	ErrCodeNotIdentified = "NOT_IDENTIFIED"
	ErrCodeHelloTimeout  = "HELLO_TIMEOUT"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// ClientMessage is any frame sent by a player. Only HELLO carries a
// payload; the rest are bare types.
type ClientMessage struct {
	Type     string `json:"type"`
	PlayerID string `json:"player_id,omitempty"`
}

// ServerMessage is any frame sent to a player. Fields are populated per
// type and omitted otherwise.
type ServerMessage struct {
	Type      string `json:"type"`
	PlayerID  string `json:"player_id,omitempty"`
	State     string `json:"state,omitempty"`
	GameID    string `json:"game_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// DecodeClient parses a raw text frame from a player.
func DecodeClient(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("malformed frame: %w", err)
	}
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("malformed frame: missing type")
	}
	return msg, nil
}

// Encode serializes a server frame. Marshal of this shape cannot fail;
// the error return is kept for symmetry with DecodeClient.
func Encode(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// Welcome builds the HELLO response frame.
func Welcome(playerID string) ServerMessage {
	return ServerMessage{Type: TypeWelcome, PlayerID: playerID}
}

// State builds a lifecycle state push.
func State(state string) ServerMessage {
	return ServerMessage{Type: TypeState, State: state}
}

// MatchFound builds the placement notification.
func MatchFound(gameID, sessionID string) ServerMessage {
	return ServerMessage{Type: TypeMatchFound, GameID: gameID, SessionID: sessionID}
}

// MatchEnded builds the release notification.
func MatchEnded(gameID, sessionID string) ServerMessage {
	return ServerMessage{Type: TypeMatchEnded, GameID: gameID, SessionID: sessionID}
}

// Error builds an ERROR frame.
func Error(code, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Code: code, Message: message}
}
