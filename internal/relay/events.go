// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/kot-relay/internal/model"
)

// Event decoding errors.
var (
	ErrMalformedEvent   = errors.New("malformed event")
	ErrUnknownEventType = errors.New("unknown event type")
)

// Event type tags on the wire.
const (
	TypeMessage  = "message"
	TypeClear    = "clear"
	TypeHistory  = "history"
	TypeResponse = "response"
	TypeWarning  = "warning"
	TypeError    = "error"
)

// =============================================================================
// INBOUND
// =============================================================================

// InboundEvent is one of SendMessage or ClearHistory.
type InboundEvent interface {
	inbound()
}

// SendMessage asks for a completion of a new user turn.
type SendMessage struct {
	Content string
	Files   []model.Attachment
	Model   string
}

// ClearHistory empties the shared transcript.
type ClearHistory struct{}

func (SendMessage) inbound()  {}
func (ClearHistory) inbound() {}

type inboundEnvelope struct {
	Type    string             `json:"type"`
	Content string             `json:"content"`
	Files   []model.Attachment `json:"files"`
	Model   string             `json:"model"`
}

// DecodeEvent parses one client frame.
func DecodeEvent(data []byte) (InboundEvent, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Type {
	case TypeMessage:
		return SendMessage{Content: env.Content, Files: env.Files, Model: env.Model}, nil
	case TypeClear:
		return ClearHistory{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
}

// =============================================================================
// OUTBOUND
// =============================================================================

// OutboundEvent is a server-to-client frame.
type OutboundEvent interface {
	EventType() string
}

// HistoryEvent carries the full transcript, sent once on connect.
type HistoryEvent struct {
	Type     string          `json:"type"`
	Messages []model.Message `json:"messages"`
}

// TextEvent is a response, warning or error frame.
type TextEvent struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ClearEvent acknowledges a history clear.
type ClearEvent struct {
	Type string `json:"type"`
}

func (e HistoryEvent) EventType() string { return e.Type }
func (e TextEvent) EventType() string    { return e.Type }
func (e ClearEvent) EventType() string   { return e.Type }

// History builds the resynchronization frame. Server-side attachment paths
// and inline contents are not sent.
func History(msgs []model.Message) HistoryEvent {
	if msgs == nil {
		return HistoryEvent{Type: TypeHistory, Messages: []model.Message{}}
	}
	return HistoryEvent{Type: TypeHistory, Messages: model.PublicMessages(msgs)}
}

// Response builds an assistant reply frame.
func Response(content string) TextEvent {
	return TextEvent{Type: TypeResponse, Content: content}
}

// Warning builds a non-fatal advisory frame.
func Warning(content string) TextEvent {
	return TextEvent{Type: TypeWarning, Content: content, Timestamp: now()}
}

// Error builds a failure frame.
func Error(content string) TextEvent {
	return TextEvent{Type: TypeError, Content: content, Timestamp: now()}
}

// Cleared builds the clear acknowledgement.
func Cleared() ClearEvent {
	return ClearEvent{Type: TypeClear}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
