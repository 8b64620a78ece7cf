package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agentrun/internal/agent"
	"github.com/haasonsaas/agentrun/internal/backoff"
	"github.com/haasonsaas/agentrun/internal/observability"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// Config configures a hosted model provider.
type Config struct {
	// APIKey authenticates requests. Required.
	APIKey string

	// BaseURL overrides the provider's API endpoint.
	BaseURL string

	// DefaultModel is used when a request names no model.
	DefaultModel string

	// MaxAttempts bounds attempts to open a stream. Default: 3
	MaxAttempts int

	// Retry is the backoff between attempts.
	Retry backoff.Policy

	Logger *observability.Logger
}

func (c Config) withDefaults(model string) Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Retry.Initial <= 0 {
		c.Retry = backoff.DefaultPolicy()
	}
	if c.DefaultModel == "" {
		c.DefaultModel = model
	}
	return c
}

// OpenAIProvider streams chat completions from OpenAI-compatible APIs.
// Tool calls arrive as indexed fragments and are passed through unmerged;
// the stream parser owns accumulation.
type OpenAIProvider struct {
	client *openai.Client
	config Config
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: API key is required")
	}
	cfg = cfg.withDefaults("gpt-4o")
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(clientCfg), config: cfg}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Stream opens a streaming completion. Opening is retried for transient
// failures; errors after the first delta are returned from Recv.
func (p *OpenAIProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (agent.DeltaStream, error) {
	model := req.Model
	if model == "" {
		model = p.config.DefaultModel
	}
	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertToOpenAIMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}

	res, err := backoff.Retry(ctx, p.config.Retry, p.config.MaxAttempts, IsRetryable,
		func(ctx context.Context, attempt int) (*openai.ChatCompletionStream, error) {
			if attempt > 1 {
				p.config.Logger.Warn(ctx, "retrying openai stream", "attempt", attempt, "model", model)
			}
			stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
			if err != nil {
				return nil, wrapOpenAIError(err, model)
			}
			return stream, nil
		})
	if err != nil {
		return nil, err
	}
	return &openAIStream{stream: res.Value, model: model}, nil
}

// openAIStream adapts a chat completion stream to deltas. The finish reason
// is held back until the stream ends so the trailing usage chunk travels
// with it.
type openAIStream struct {
	stream  *openai.ChatCompletionStream
	model   string
	pending []*models.Delta
	finish  string
	usage   *models.Usage
	done    bool
}

func (s *openAIStream) Recv() (*models.Delta, error) {
	for len(s.pending) == 0 {
		if s.done {
			return nil, io.EOF
		}
		resp, err := s.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && s.finish == "" {
				return nil, wrapOpenAIError(err, s.model)
			}
			s.done = true
			if s.finish != "" {
				s.pending = append(s.pending, &models.Delta{FinishReason: s.finish, Usage: s.usage})
			}
			continue
		}
		s.pending = s.translate(resp)
	}
	d := s.pending[0]
	s.pending = s.pending[1:]
	return d, nil
}

func (s *openAIStream) translate(resp openai.ChatCompletionStreamResponse) []*models.Delta {
	if resp.Usage != nil {
		s.usage = &models.Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens}
	}
	if len(resp.Choices) == 0 {
		return nil
	}
	choice := resp.Choices[0]

	var out []*models.Delta
	if choice.Delta.Content != "" {
		out = append(out, &models.Delta{Content: choice.Delta.Content})
	}
	for _, tc := range choice.Delta.ToolCalls {
		index := 0
		if tc.Index != nil {
			index = *tc.Index
		}
		out = append(out, &models.Delta{ToolCall: &models.ToolCallFragment{
			Index:     index,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}})
	}
	if choice.FinishReason != "" {
		s.finish = openAIFinishReason(choice.FinishReason)
	}
	return out
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

func openAIFinishReason(r openai.FinishReason) string {
	switch r {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return models.FinishToolCalls
	case openai.FinishReasonStop:
		return models.FinishStop
	case openai.FinishReasonLength:
		return models.FinishLength
	}
	return string(r)
}

// convertToOpenAIMessages converts the prompt to chat messages. The system
// prompt becomes the first message.
func convertToOpenAIMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: args},
				})
			}
			result = append(result, m)

		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			m := openai.ChatCompletionMessage{Role: string(msg.Role)}
			if len(msg.Images) == 0 {
				m.Content = msg.Content
				result = append(result, m)
				continue
			}
			// Vision input uses the multi-content form.
			if msg.Content != "" {
				m.MultiContent = append(m.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: msg.Content,
				})
			}
			for _, img := range msg.Images {
				m.MultiContent = append(m.MultiContent, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: imageURL(img), Detail: openai.ImageURLDetailAuto},
				})
			}
			result = append(result, m)
		}
	}
	return result
}

// imageURL returns a fetchable URL or an inline data URL for an image.
func imageURL(img models.SideEffect) string {
	if img.URL != "" {
		return img.URL
	}
	return fmt.Sprintf("data:%s;base64,%s", img.MimeType, base64.StdEncoding.EncodeToString(img.Data))
}

// convertToOpenAITools converts tool specs to function definitions. A tool
// with an unparsable schema is advertised with an empty object schema.
func convertToOpenAITools(tools []agent.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func wrapOpenAIError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{Provider: "openai", Model: model, Cause: err, Reason: ReasonUnknown, Message: apiErr.Message}
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		providerErr := NewProviderError("openai", model, err)
		return providerErr.WithStatus(reqErr.HTTPStatusCode)
	}
	return NewProviderError("openai", model, err)
}
