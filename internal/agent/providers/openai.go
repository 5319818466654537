package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/stewardai/steward/internal/agent"
	"github.com/stewardai/steward/internal/retry"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key (required).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the default API base URL, for proxies and
	// OpenAI-compatible servers.
	BaseURL string `yaml:"base_url"`

	// DefaultModel is used when the request does not specify one.
	DefaultModel string `yaml:"default_model"`

	// Retry configures backoff for transient request failures.
	Retry retry.Config `yaml:"retry"`
}

// OpenAIProvider implements agent.Provider for OpenAI's chat completions.
//
// Unlike the Anthropic API, the system prompt is part of the messages array,
// tool results are separate "tool" role messages, and tool calls stream
// incrementally and must be accumulated by index.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	retry        retry.Config
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultOpenAIModel
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.DefaultConfig()
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
		retry:        config.Retry,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Models returns the supported GPT models.
func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextSize: 16385, SupportsVision: false},
	}
}

// SupportsTools returns true; the listed models support function calling.
func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// Complete sends a completion request and returns a streaming chunk channel.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.getModel(req.Model)

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, result := retry.DoWithValue(ctx, p.retry, func() (*openai.ChatCompletionStream, error) {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		return s, nil
	})
	if result.Err != nil {
		return nil, result.Err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(stream, chunks, model)
	return chunks, nil
}

// processStream converts the OpenAI stream to completion chunks. Tool calls
// arrive as fragments keyed by index; they are assembled and emitted once
// complete, in index order.
func (p *OpenAIProvider) processStream(stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	type pendingCall struct {
		id   string
		name string
		args string
	}
	pending := make(map[int]*pendingCall)
	var inputTokens, outputTokens int
	sawToolCalls := false

	flushCalls := func() {
		indices := make([]int, 0, len(pending))
		for idx := range pending {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			pc := pending[idx]
			if pc.id == "" && pc.name == "" {
				continue
			}
			args := pc.args
			if args == "" {
				args = "{}"
			}
			chunks <- &agent.CompletionChunk{
				ToolCall: &agent.ToolCall{ID: pc.id, Name: pc.name, Input: json.RawMessage(args)},
			}
			sawToolCalls = true
		}
		pending = make(map[int]*pendingCall)
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushCalls()
				stop := agent.StopEndTurn
				if sawToolCalls {
					stop = agent.StopToolUse
				}
				chunks <- &agent.CompletionChunk{
					Done:         true,
					StopReason:   stop,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
			return
		}

		// Usage arrives in a trailing frame with no choices.
		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			pc := pending[index]
			if pc == nil {
				pc = &pendingCall{}
				pending[index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args += tc.Function.Arguments
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushCalls()
		}
	}
}

// convertOpenAIMessages converts internal messages to OpenAI's format. The
// system prompt is injected as the first message; each tool result becomes
// a separate "tool" role message keyed by tool call ID.
func convertOpenAIMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			for _, toolResult := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    toolResult.Content,
					ToolCallID: toolResult.ToolCallID,
				})
			}

		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, toolCall := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   toolCall.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      toolCall.Name,
						Arguments: string(toolCall.Input),
					},
				})
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result
}

// convertOpenAITools converts tool definitions to OpenAI function format.
func convertOpenAITools(tools []agent.Tool) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Schema(),
			},
		})
	}
	return result
}

func (p *OpenAIProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// wrapError converts SDK errors into tagged provider errors.
func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := NewProviderError("openai", model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			perr = perr.WithCode(code)
		}
		return perr.Tagged()
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		perr := NewProviderError("openai", model, err).
			WithStatus(reqErr.HTTPStatusCode).
			WithMessage(fmt.Sprintf("request failed with status %d", reqErr.HTTPStatusCode))
		return perr.Tagged()
	}

	return NewProviderError("openai", model, err)
}
