package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/usage-meter/internal/provider"
)

const DefaultBaseURL = "https://api.openai.com/v1"

var defaultModels = []string{"gpt-4o", "gpt-4o-mini", "gpt-4", "gpt-3.5-turbo"}

type OpenAIProvider struct {
	apiKey  string
	baseURL string
	models  []string
	client  *http.Client
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   float64         `json:"temperature,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
	Delta   openAIDelta   `json:"delta"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type Option func(*OpenAIProvider)

// WithBaseURL points the provider at any OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(p *OpenAIProvider) {
		if url != "" {
			p.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithModels replaces the advertised model list, typically with the
// pricebook's models for "openai".
func WithModels(models []string) Option {
	return func(p *OpenAIProvider) {
		if len(models) > 0 {
			p.models = models
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *OpenAIProvider) { p.client = c }
}

func New(apiKey string, opts ...Option) provider.Provider {
	p := &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		models:  defaultModels,
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) newRequest(ctx context.Context, body openAIRequest) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	return httpReq, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	httpReq, err := p.newRequest(ctx, p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, err
	}

	if len(openAIResp.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no choices")
	}

	out := &provider.Response{
		ID:        openAIResp.ID,
		Content:   openAIResp.Choices[0].Message.Content,
		Model:     openAIResp.Model,
		Provider:  p.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if openAIResp.Usage != nil {
		out.InputTokens = openAIResp.Usage.PromptTokens
		out.OutputTokens = openAIResp.Usage.CompletionTokens
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openAIMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	return openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
}

// CompleteStream asks for usage in the last SSE event and attaches it to
// the Done chunk.
func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	body := p.mapRequest(req)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}
	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		send := func(c *provider.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		resp, err := p.client.Do(httpReq)
		if err != nil {
			send(&provider.Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			send(&provider.Chunk{Err: fmt.Errorf("openai api error (status %d): %s", resp.StatusCode, string(respBody))})
			return
		}

		var usage *provider.Usage
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					send(&provider.Chunk{Done: true, Usage: usage})
					return
				}
				send(&provider.Chunk{Err: err})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				send(&provider.Chunk{Done: true, Usage: usage})
				return
			}

			var event openAIResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				send(&provider.Chunk{Err: err})
				return
			}

			if event.Usage != nil {
				usage = &provider.Usage{
					InputTokens:  event.Usage.PromptTokens,
					OutputTokens: event.Usage.CompletionTokens,
				}
			}

			if len(event.Choices) > 0 {
				content := event.Choices[0].Delta.Content
				if content != "" && !send(&provider.Chunk{Delta: content}) {
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) SupportedModels() []string {
	return p.models
}
