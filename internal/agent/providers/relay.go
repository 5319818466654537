package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/stewardai/steward/internal/agent"
	"github.com/stewardai/steward/internal/retry"
	"github.com/stewardai/steward/internal/stream"
)

// RelayConfig configures the relay provider.
type RelayConfig struct {
	// Endpoint is the completion URL of the relay gateway (required).
	Endpoint string `yaml:"endpoint"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`

	// DefaultModel is used when the request does not specify one.
	DefaultModel string `yaml:"default_model"`

	// Stream configures decoder liveness guards for the response stream.
	Stream stream.Config `yaml:"stream"`

	// Retry configures backoff for transient request failures.
	Retry retry.Config `yaml:"retry"`

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client `yaml:"-"`
}

// RelayProvider implements agent.Provider against a self-hosted relay
// gateway that speaks the blank-line-framed event protocol. The response
// body is parsed by the stream decoder, which enforces overall and
// inter-chunk timeouts and reassembles fragmented tool calls.
type RelayProvider struct {
	endpoint     string
	apiKey       string
	defaultModel string
	streamConfig stream.Config
	retry        retry.Config
	client       *http.Client
}

// relayTool is the wire form of a tool definition.
type relayTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// relayRequest is the wire form of a completion request.
type relayRequest struct {
	Model     string                    `json:"model"`
	System    string                    `json:"system,omitempty"`
	Messages  []agent.CompletionMessage `json:"messages"`
	Tools     []relayTool               `json:"tools,omitempty"`
	MaxTokens int                       `json:"max_tokens,omitempty"`
}

// NewRelayProvider creates a relay provider.
func NewRelayProvider(config RelayConfig) (*RelayProvider, error) {
	if config.Endpoint == "" {
		return nil, errors.New("relay: endpoint is required")
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.DefaultConfig()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &RelayProvider{
		endpoint:     config.Endpoint,
		apiKey:       config.APIKey,
		defaultModel: config.DefaultModel,
		streamConfig: config.Stream,
		retry:        config.Retry,
		client:       client,
	}, nil
}

// Name returns "relay".
func (p *RelayProvider) Name() string {
	return "relay"
}

// Models returns nil; the relay exposes whatever its upstream serves.
func (p *RelayProvider) Models() []agent.Model {
	return nil
}

// SupportsTools returns true.
func (p *RelayProvider) SupportsTools() bool {
	return true
}

// Complete posts the request to the relay and streams decoded chunks.
// Connection establishment is retried on transient statuses; once the
// stream is open, failures arrive through chunk.Error.
func (p *RelayProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.getModel(req.Model)
	body, err := json.Marshal(relayRequest{
		Model:     model,
		System:    req.System,
		Messages:  req.Messages,
		Tools:     convertRelayTools(req.Tools),
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: encode request: %w", err)
	}

	resp, result := retry.DoWithValue(ctx, p.retry, func() (*http.Response, error) {
		return p.post(ctx, model, body)
	})
	if result.Err != nil {
		return nil, result.Err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.decodeBody(ctx, resp.Body, chunks)
	return chunks, nil
}

// post sends one request and maps non-2xx statuses to tagged errors.
func (p *RelayProvider) post(ctx context.Context, model string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("relay: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError("relay", model, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			perr := NewProviderError("relay", model, fmt.Errorf("unexpected status %d", resp.StatusCode)).
				WithStatus(resp.StatusCode).
				WithMessage(string(snippet)).
				WithRetryAfter(parseRetryAfter(resp.Header.Get("Retry-After")))
			return nil, perr.Tagged()
		}
		return nil, statusError("relay", model, resp.StatusCode, string(snippet))
	}
	return resp, nil
}

// decodeBody runs the stream decoder over the response body and converts
// decoded events to completion chunks.
func (p *RelayProvider) decodeBody(ctx context.Context, body io.ReadCloser, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer body.Close()

	decoder := stream.NewDecoder(p.streamConfig, stream.Callbacks{
		OnDelta: func(text string) {
			chunks <- &agent.CompletionChunk{Text: text}
		},
		OnDone: func(done stream.Done) {
			for _, call := range done.ToolCalls {
				args := call.Arguments
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				chunks <- &agent.CompletionChunk{
					ToolCall: &agent.ToolCall{ID: call.ID, Name: call.Name, Input: args},
				}
			}
			stop := agent.StopEndTurn
			if done.Metadata.FinishReason == "tool_use" || len(done.ToolCalls) > 0 {
				stop = agent.StopToolUse
			}
			chunks <- &agent.CompletionChunk{
				Done:         true,
				StopReason:   stop,
				InputTokens:  done.Usage.InputTokens,
				OutputTokens: done.Usage.OutputTokens,
			}
		},
		OnError: func(err error) {
			chunks <- &agent.CompletionChunk{Error: p.wrapStreamError(err)}
		},
	})

	_ = decoder.Decode(ctx, body)
}

// wrapStreamError tags decoder liveness failures as transient so a stalled
// relay is retried by the task layer.
func (p *RelayProvider) wrapStreamError(err error) error {
	if errors.Is(err, stream.ErrChunkTimeout) || errors.Is(err, stream.ErrStreamTimeout) {
		return retry.Transient(http.StatusGatewayTimeout, err)
	}
	return err
}

func convertRelayTools(tools []agent.Tool) []relayTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]relayTool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, relayTool{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return result
}

func (p *RelayProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
