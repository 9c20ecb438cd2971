// Package claude provides the [llm.Provider] backed by the Anthropic Messages
// API.
//
// Streaming responses arrive as typed SSE events; text deltas are forwarded
// as they come, tool-use input JSON is accumulated per content block and
// decoded into a single tool-call event when the block closes, and thinking
// deltas are consumed without being surfaced. Token usage is taken from the
// message_delta event.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pamoka-labs/triksteris/internal/resilience"
	"github.com/pamoka-labs/triksteris/pkg/provider/llm"
)

// defaultMaxTokens caps the completion when thinking is disabled. With a
// thinking budget the cap grows by the budget so the visible reply is not
// starved.
const defaultMaxTokens = 4096

// minThinkingBudget is the smallest budget the Messages API accepts; smaller
// requested budgets disable thinking instead of failing the call.
const minThinkingBudget = 1024

// Provider implements [llm.Provider] using the Anthropic Messages API.
type Provider struct {
	client sdk.Client
}

var _ llm.Provider = (*Provider)(nil)

// New constructs a Claude-backed provider.
func New(apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("claude: apiKey must not be empty")
	}
	return &Provider{client: sdk.NewClient(option.WithAPIKey(apiKey))}, nil
}

// Stream implements [llm.Provider]. Transient upstream failures (429,
// 5xx-class) are retried with backoff inside the producer goroutine; a retry
// after partial streaming re-emits text from the new attempt.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := llm.NewStream()
	go func() {
		err := resilience.Do(ctx, "claude.stream", func(ctx context.Context) error {
			return p.streamOnce(ctx, params, stream)
		})
		stream.Close(err)
	}()
	return stream, nil
}

// streamOnce runs one full streaming attempt, feeding out until the vendor
// stream ends.
func (p *Provider) streamOnce(ctx context.Context, params sdk.MessageNewParams, out *llm.Stream) error {
	vendor := p.client.Messages.NewStreaming(ctx, params)
	defer vendor.Close()

	tools := make(map[int]*toolBuffer)
	for vendor.Next() {
		event := vendor.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				if tu.Name == "" {
					return fmt.Errorf("claude: tool use block %q missing name", tu.ID)
				}
				tools[int(ev.Index)] = &toolBuffer{name: tu.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if err := out.Emit(ctx, llm.StreamEvent{Text: delta.Text}); err != nil {
					return err
				}
			case sdk.InputJSONDelta:
				if tb := tools[int(ev.Index)]; tb != nil {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			tb := tools[int(ev.Index)]
			if tb == nil {
				continue
			}
			delete(tools, int(ev.Index))
			call, err := tb.finalize()
			if err != nil {
				return err
			}
			if err := out.Emit(ctx, llm.StreamEvent{ToolCall: call}); err != nil {
				return err
			}
		case sdk.MessageDeltaEvent:
			out.SetUsage(llm.Usage{
				PromptTokens:     int(ev.Usage.InputTokens),
				CompletionTokens: int(ev.Usage.OutputTokens),
			})
		}
	}
	if err := vendor.Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.Request) (string, *llm.Usage, error) {
	params, err := buildParams(req)
	if err != nil {
		return "", nil, err
	}

	var msg *sdk.Message
	err = resilience.Do(ctx, "claude.complete", func(ctx context.Context) error {
		var cerr error
		msg, cerr = p.client.Messages.New(ctx, params)
		return classify(cerr)
	})
	if err != nil {
		return "", nil, fmt.Errorf("claude: messages.new: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := &llm.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	return text.String(), usage, nil
}

// toolBuffer accumulates input JSON fragments for one tool_use block.
type toolBuffer struct {
	name      string
	fragments []string
}

func (tb *toolBuffer) finalize() (*llm.ToolCall, error) {
	raw := strings.Join(tb.fragments, "")
	args := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("claude: tool %q input decode: %w", tb.name, err)
		}
	}
	return &llm.ToolCall{Name: tb.name, Arguments: args}, nil
}

// buildParams converts a provider-neutral request into Messages API params.
func buildParams(req llm.Request) (sdk.MessageNewParams, error) {
	if req.Config.Model == "" {
		return sdk.MessageNewParams{}, fmt.Errorf("claude: model must not be empty")
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case llm.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("claude: unknown message role %q", m.Role)
		}
	}

	maxTokens := defaultMaxTokens
	params := sdk.MessageNewParams{
		Model:    sdk.Model(req.Config.Model),
		Messages: msgs,
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if budget := req.Config.ThinkingBudget; budget >= minThinkingBudget {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(budget))
		maxTokens += budget
	}
	params.MaxTokens = int64(maxTokens)

	for _, td := range req.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: td.Parameters}, td.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(td.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

// classify wraps retryable vendor failures (rate limiting, upstream 5xx) as
// transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 429 || apierr.StatusCode >= 500 {
			return llm.Transient(err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Connection-level failures without a status code are worth a retry.
	return llm.Transient(err)
}
