// Package feature defines the typed payloads that trigger metered calls.
// Each feature is its own struct, so required fields are checked once at
// decode time instead of at every use.
package feature

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Type string

const (
	TypeChatReply    Type = "chat_reply"
	TypeReplyToAgent Type = "reply_to_agent"
	TypeFeedScan     Type = "feed_scan"
)

var (
	ErrUnknownType  = errors.New("unknown feature type")
	ErrMissingField = errors.New("missing required field")
)

// Request is implemented by ChatReply, ReplyToAgent and FeedScan.
type Request interface {
	Type() Type
	// IdempotencyKey is stable across redeliveries of the same logical call.
	IdempotencyKey() string
	// Agent returns the agent the call runs for, if any.
	Agent() string
	validate() error
}

type ChatReply struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

func (ChatReply) Type() Type               { return TypeChatReply }
func (r ChatReply) IdempotencyKey() string { return key(TypeChatReply, r.MessageID) }
func (ChatReply) Agent() string            { return "" }
func (r ChatReply) validate() error {
	return required(TypeChatReply, "message_id", r.MessageID, "conversation_id", r.ConversationID)
}

type ReplyToAgent struct {
	MessageID string `json:"message_id"`
	AgentID   string `json:"agent_id"`
}

func (ReplyToAgent) Type() Type               { return TypeReplyToAgent }
func (r ReplyToAgent) IdempotencyKey() string { return key(TypeReplyToAgent, r.MessageID) }
func (r ReplyToAgent) Agent() string          { return r.AgentID }
func (r ReplyToAgent) validate() error {
	return required(TypeReplyToAgent, "message_id", r.MessageID, "agent_id", r.AgentID)
}

type FeedScan struct {
	FeedID string `json:"feed_id"`
	ScanID string `json:"scan_id"`
}

func (FeedScan) Type() Type               { return TypeFeedScan }
func (r FeedScan) IdempotencyKey() string { return key(TypeFeedScan, r.FeedID, r.ScanID) }
func (FeedScan) Agent() string            { return "" }
func (r FeedScan) validate() error {
	return required(TypeFeedScan, "feed_id", r.FeedID, "scan_id", r.ScanID)
}

func key(t Type, parts ...string) string {
	return string(t) + ":" + strings.Join(parts, ":")
}

// required takes (name, value) pairs.
func required(t Type, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%w: %s.%s", ErrMissingField, t, pairs[i])
		}
	}
	return nil
}

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses a {"type": ..., ...} object into its concrete variant.
func Decode(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode feature: %w", err)
	}

	var req Request
	switch env.Type {
	case TypeChatReply:
		var r ChatReply
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
		}
		req = r
	case TypeReplyToAgent:
		var r ReplyToAgent
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
		}
		req = r
	case TypeFeedScan:
		var r FeedScan
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
		}
		req = r
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := req.validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Encode writes req with its type tag.
func Encode(req Request) ([]byte, error) {
	fields, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(fields, &m); err != nil {
		return nil, err
	}
	m["type"] = req.Type()
	return json.Marshal(m)
}

// Envelope lets a Request sit inside a larger JSON body.
type Envelope struct {
	Request Request
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	req, err := Decode(data)
	if err != nil {
		return err
	}
	e.Request = req
	return nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Request == nil {
		return []byte("null"), nil
	}
	return Encode(e.Request)
}
