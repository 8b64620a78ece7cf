// Package providers adapts hosted model APIs to the agent's delta stream.
//
// Providers translate the provider wire format into models.Delta values and
// nothing more: tool call fragments are passed through by index and the
// stream parser reassembles them. Opening a stream is retried for transient
// failures; a failure mid-stream is surfaced from Recv and handled by the
// run coordinator.
package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/agentrun/internal/agent"
	"github.com/haasonsaas/agentrun/internal/backoff"
	"github.com/haasonsaas/agentrun/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider streams messages from Anthropic's Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	config Config
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	cfg = cfg.withDefaults("claude-sonnet-4-20250514")

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(options...), config: cfg}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Stream opens a streaming message. The SDK reports HTTP failures on the
// first event, so the stream is primed inside the retry loop.
func (p *AnthropicProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (agent.DeltaStream, error) {
	model := req.Model
	if model == "" {
		model = p.config.DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  convertToAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertToAnthropicTools(req.Tools)
	}

	res, err := backoff.Retry(ctx, p.config.Retry, p.config.MaxAttempts, IsRetryable,
		func(ctx context.Context, attempt int) (*anthropicStream, error) {
			if attempt > 1 {
				p.config.Logger.Warn(ctx, "retrying anthropic stream", "attempt", attempt, "model", model)
			}
			s := &anthropicStream{
				stream: p.client.Messages.NewStreaming(ctx, params),
				model:  model,
				blocks: make(map[int64]*toolBlock),
			}
			if err := s.prime(); err != nil {
				_ = s.stream.Close()
				return nil, err
			}
			return s, nil
		})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

type toolBlock struct {
	hasArgs bool
}

// anthropicStream adapts SSE message events to deltas.
type anthropicStream struct {
	stream  *ssestream.Stream[anthropic.MessageStreamEventUnion]
	model   string
	pending []*models.Delta
	blocks  map[int64]*toolBlock
	done    bool
}

func (s *anthropicStream) prime() error {
	if !s.stream.Next() {
		s.done = true
		if err := s.stream.Err(); err != nil {
			return wrapAnthropicError(err, s.model)
		}
		return nil
	}
	out, err := s.translate(s.stream.Current())
	s.pending = out
	return err
}

func (s *anthropicStream) Recv() (*models.Delta, error) {
	for len(s.pending) == 0 {
		if s.done {
			return nil, io.EOF
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return nil, wrapAnthropicError(err, s.model)
			}
			continue
		}
		out, err := s.translate(s.stream.Current())
		if err != nil {
			s.done = true
			return nil, err
		}
		s.pending = out
	}
	d := s.pending[0]
	s.pending = s.pending[1:]
	return d, nil
}

func (s *anthropicStream) translate(event anthropic.MessageStreamEventUnion) ([]*models.Delta, error) {
	switch event.Type {
	case "message_start":
		start := event.AsMessageStart()
		if n := start.Message.Usage.InputTokens; n > 0 {
			return []*models.Delta{{Usage: &models.Usage{PromptTokens: int(n)}}}, nil
		}

	case "content_block_start":
		start := event.AsContentBlockStart()
		if start.ContentBlock.Type != "tool_use" {
			return nil, nil
		}
		toolUse := start.ContentBlock.AsToolUse()
		s.blocks[start.Index] = &toolBlock{}
		return []*models.Delta{{ToolCall: &models.ToolCallFragment{
			Index: int(start.Index),
			ID:    toolUse.ID,
			Name:  toolUse.Name,
		}}}, nil

	case "content_block_delta":
		delta := event.AsContentBlockDelta()
		switch delta.Delta.Type {
		case "text_delta":
			if delta.Delta.Text != "" {
				return []*models.Delta{{Content: delta.Delta.Text}}, nil
			}
		case "input_json_delta":
			if delta.Delta.PartialJSON == "" {
				return nil, nil
			}
			if b, ok := s.blocks[delta.Index]; ok {
				b.hasArgs = true
			}
			return []*models.Delta{{ToolCall: &models.ToolCallFragment{
				Index:     int(delta.Index),
				Arguments: delta.Delta.PartialJSON,
			}}}, nil
		}

	case "content_block_stop":
		stop := event.AsContentBlockStop()
		// A tool with no input streams no argument deltas.
		if b, ok := s.blocks[stop.Index]; ok && !b.hasArgs {
			b.hasArgs = true
			return []*models.Delta{{ToolCall: &models.ToolCallFragment{Index: int(stop.Index), Arguments: "{}"}}}, nil
		}

	case "message_delta":
		md := event.AsMessageDelta()
		d := &models.Delta{FinishReason: anthropicFinishReason(string(md.Delta.StopReason))}
		if n := md.Usage.OutputTokens; n > 0 {
			d.Usage = &models.Usage{CompletionTokens: int(n)}
		}
		if d.FinishReason == "" && d.Usage == nil {
			return nil, nil
		}
		return []*models.Delta{d}, nil

	case "error":
		return nil, NewProviderError("anthropic", s.model, errors.New("anthropic stream error: "+event.RawJSON()))
	}
	return nil, nil
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}

func anthropicFinishReason(r string) string {
	switch r {
	case "tool_use":
		return models.FinishToolUse
	case "end_turn", "stop_sequence":
		return models.FinishEndTurn
	case "max_tokens":
		return models.FinishLength
	}
	return r
}

// convertToAnthropicMessages converts the prompt to Anthropic messages.
// Tool results travel as user content, and consecutive messages of the same
// role are merged because the API requires alternation.
func convertToAnthropicMessages(messages []agent.CompletionMessage) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	lastRole := ""

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		role := "user"

		switch msg.Role {
		case models.RoleAssistant:
			role = "assistant"
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any = map[string]any{}
				if len(tc.Arguments) > 0 {
					var parsed any
					if json.Unmarshal(tc.Arguments, &parsed) == nil {
						input = parsed
					}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}

		case models.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))

		default:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, img := range msg.Images {
				if img.URL != "" {
					content = append(content, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: img.URL}))
					continue
				}
				content = append(content, anthropic.NewImageBlockBase64(img.MimeType, base64.StdEncoding.EncodeToString(img.Data)))
			}
		}

		if len(content) == 0 {
			continue
		}
		if role == lastRole && len(result) > 0 {
			last := &result[len(result)-1]
			last.Content = append(last.Content, content...)
			continue
		}
		if role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
		lastRole = role
	}
	return result
}

func convertToAnthropicTools(tools []agent.ToolSpec) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil && tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func wrapAnthropicError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	providerErr := &ProviderError{Provider: "anthropic", Model: model, Cause: err, Reason: ReasonUnknown}
	providerErr = providerErr.WithStatus(apiErr.StatusCode)

	requestID := apiErr.RequestID
	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			providerErr = providerErr.WithMessage(payload.Error.Message)
		}
		if payload.Error.Type != "" {
			providerErr = providerErr.WithCode(payload.Error.Type)
		}
		if payload.RequestID != "" {
			requestID = payload.RequestID
		}
	}
	if providerErr.Message == "" {
		providerErr.Message = "anthropic request failed"
	}
	if requestID != "" {
		providerErr = providerErr.WithRequestID(requestID)
	}
	return providerErr
}
