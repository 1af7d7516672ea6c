package queue

import (
	"encoding/json"
	"fmt"
)

// Action names the orchestrator entry point a message drives.
type Action string

const (
	ActionProcess Action = "process"
	ActionResume  Action = "resume"
)

// MessageVersion is the current payload version.
const MessageVersion = 1

// Message is the payload sent to the worker queue.
type Message struct {
	RunID      string `json:"runId"`
	Action     Action `json:"action"`
	RequestID  string `json:"requestId,omitempty"`
	EnqueuedAt string `json:"enqueuedAt"`
	Version    int    `json:"version"`
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message. An absent action means
// process, as sent by version 0 producers.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	if msg.Action == "" {
		msg.Action = ActionProcess
	}
	return msg, nil
}

// ParseAction validates an action string.
func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionProcess, ActionResume:
		return Action(raw), nil
	default:
		return "", fmt.Errorf("unknown action %q", raw)
	}
}
