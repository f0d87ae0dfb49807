// Package provider defines the upstream model API the meter sits in front of.
package provider

import (
	"context"
)

type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	// Set by the handler, never by the caller.
	OwnerID   string `json:"-"`
	RequestID string `json:"-"`
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

// Usage is the token count a provider reports at the end of a stream.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

type Chunk struct {
	Delta string
	Done  bool
	Err   error
	// Usage is set on the final chunk when the provider reports it.
	Usage *Usage
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	// Name is the provider key used for rate lookup.
	Name() string
	SupportedModels() []string
}
