// Package protocol defines the JSON messages exchanged on the streaming
// websocket. Binary frames carry raw audio; text frames carry these types.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Control is a client-to-server text frame. The only control today marks the
// terminal audio frame of a session.
type Control struct {
	IsLastChunk bool `json:"isLastChunk"`
}

// StreamResult is a server-to-client incremental transcript. Text is the
// cumulative transcript so far, not a delta.
type StreamResult struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// StreamError is a server-to-client fatal error notification. The connection
// closes after it is sent.
type StreamError struct {
	Error string `json:"error"`
}

// ParseControl decodes a client control frame, rejecting malformed JSON.
func ParseControl(data []byte) (*Control, error) {
	var ctl Control
	if err := json.Unmarshal(data, &ctl); err != nil {
		return nil, fmt.Errorf("protocol: malformed control frame: %w", err)
	}
	return &ctl, nil
}

// Marshal serialises any protocol message for sending as a text frame.
func Marshal(msg interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	return data, nil
}
