package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/agentrun/internal/agent"
	"github.com/haasonsaas/agentrun/internal/tools/activation"
	"github.com/haasonsaas/agentrun/pkg/models"
)

type completeArgs struct {
	Result string `json:"result,omitempty" jsonschema:"description=Final answer or summary of the work done"`
}

func newComplete() agent.Tool {
	return newTypedTool(CompleteName,
		"Finish the run. Call this once the task is done, with the final answer.",
		func(_ context.Context, req completeArgs) (*agent.ToolResult, error) {
			return agent.JSONResult(map[string]string{"status": "complete", "result": req.Result})
		})
}

type askArgs struct {
	Question string `json:"question" jsonschema:"description=Question for the user,minLength=1"`
}

func newAsk() agent.Tool {
	return newTypedTool(AskName,
		"Stop and ask the user a question. The run ends until the user answers.",
		func(_ context.Context, req askArgs) (*agent.ToolResult, error) {
			q := strings.TrimSpace(req.Question)
			if q == "" {
				return agent.ErrorResult("question is required"), nil
			}
			return agent.JSONResult(map[string]string{"status": "awaiting_user", "question": q})
		})
}

type expandArgs struct {
	Tools []string `json:"tools" jsonschema:"description=Names of the tools to make available,minItems=1"`
}

type expandFailure struct {
	Tool      string `json:"tool"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"retryable"`
}

type expandOutput struct {
	Loaded      []string        `json:"loaded"`
	AutoAdded   []string        `json:"auto_added,omitempty"`
	Failed      []expandFailure `json:"failed,omitempty"`
	SuccessRate float64         `json:"success_rate"`
}

func newExpandTools(_ context.Context, rc activation.RunContext) (agent.Tool, error) {
	act := rc.Activator
	if act == nil {
		return nil, errors.New("expand_tools needs the run's activator")
	}
	return newTypedTool(ExpandToolsName,
		"Activate additional tools by name. Activated tools are callable in the rest of this step and later steps.",
		func(ctx context.Context, req expandArgs) (*agent.ToolResult, error) {
			if len(req.Tools) == 0 {
				return agent.ErrorResult("tools must name at least one tool"), nil
			}
			summary := act.ActivateBatch(ctx, req.Tools, rc)
			out := expandOutput{
				Loaded:      summary.Loaded,
				AutoAdded:   summary.AutoAdded,
				SuccessRate: summary.SuccessRate,
			}
			if out.Loaded == nil {
				out.Loaded = []string{}
			}
			for _, f := range summary.Failed {
				out.Failed = append(out.Failed, expandFailure{
					Tool:      f.Tool,
					Kind:      string(f.Kind),
					Message:   f.Message,
					Hint:      f.Hint,
					Retryable: f.Retryable,
				})
			}
			res, err := agent.JSONResult(out)
			if err != nil {
				return nil, err
			}
			if len(summary.Loaded) == 0 && len(summary.Failed) > 0 {
				res.Success = false
				res.Error = fmt.Sprintf("no tools activated: %s", summary.Failed[0].Error())
			}
			return res, nil
		}), nil
}

type attachImageArgs struct {
	URL      string `json:"url,omitempty" jsonschema:"description=Image URL"`
	Data     []byte `json:"data,omitempty" jsonschema:"description=Base64 image bytes"`
	MimeType string `json:"mime_type,omitempty" jsonschema:"description=Image MIME type,default=image/png"`
}

func newAttachImage() agent.Tool {
	return newTypedTool(AttachImageName,
		"Attach an image to the conversation so it is visible in the next step.",
		func(_ context.Context, req attachImageArgs) (*agent.ToolResult, error) {
			if req.URL == "" && len(req.Data) == 0 {
				return agent.ErrorResult("url or data is required"), nil
			}
			mime := req.MimeType
			if mime == "" {
				mime = "image/png"
			}
			res := agent.TextResult("image attached")
			res.SideEffects = []models.SideEffect{{
				Kind:     models.SideEffectImageContext,
				MimeType: mime,
				URL:      req.URL,
				Data:     req.Data,
			}}
			return res, nil
		})
}

type historyArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"description=Most recent messages to return,minimum=1,maximum=200,default=20"`
}

type historyEntry struct {
	Sequence int64  `json:"sequence"`
	Type     string `json:"type"`
	Text     string `json:"text"`
}

const defaultHistoryLimit = 20

func newThreadHistory(_ context.Context, rc activation.RunContext) (agent.Tool, error) {
	threads := rc.Threads
	runID := rc.RunID
	return newTypedTool(ThreadHistoryName,
		"Read the most recent visible messages of this run.",
		func(ctx context.Context, req historyArgs) (*agent.ToolResult, error) {
			limit := req.Limit
			if limit <= 0 {
				limit = defaultHistoryLimit
			}
			msgs, err := threads.ListMessages(ctx, runID)
			if err != nil {
				return nil, fmt.Errorf("list messages: %w", err)
			}
			var entries []historyEntry
			for _, m := range msgs {
				if !m.Visible {
					continue
				}
				entries = append(entries, historyEntry{
					Sequence: m.Sequence,
					Type:     string(m.Type),
					Text:     messageText(m),
				})
			}
			if len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}
			if entries == nil {
				entries = []historyEntry{}
			}
			return agent.JSONResult(entries)
		}), nil
}

func messageText(m *models.Message) string {
	switch {
	case m.Content.ToolResult != nil:
		return m.Content.ToolResult.OutputText()
	case m.Content.Image != nil:
		return "[image " + m.Content.Image.MimeType + "]"
	case len(m.Content.ToolCalls) > 0 && m.Content.Text == "":
		names := make([]string, len(m.Content.ToolCalls))
		for i, c := range m.Content.ToolCalls {
			names[i] = c.Name
		}
		return "[calls " + strings.Join(names, ", ") + "]"
	}
	return m.Content.Text
}
