// Package openai provides the [llm.Provider] backed by any OpenAI-compatible
// chat completions endpoint.
//
// This is the escape hatch for self-hosted and regional deployments: point it
// at any server speaking the chat completions protocol via [WithBaseURL].
// Reasoning budgets are not part of that protocol, so ThinkingBudget is
// ignored.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/pamoka-labs/triksteris/internal/resilience"
	"github.com/pamoka-labs/triksteris/pkg/provider/llm"
)

// Provider implements [llm.Provider] using the OpenAI chat completions API.
type Provider struct {
	client oai.Client
}

var _ llm.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, e.g. for a
// self-hosted compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs an OpenAI-compatible provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{client: oai.NewClient(reqOpts...)}, nil
}

// Stream implements [llm.Provider]. Transient upstream failures are retried
// with backoff inside the producer goroutine; a retry after partial streaming
// re-emits text from the new attempt.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := llm.NewStream()
	go func() {
		err := resilience.Do(ctx, "openai.stream", func(ctx context.Context) error {
			return p.streamOnce(ctx, params, stream)
		})
		stream.Close(err)
	}()
	return stream, nil
}

func (p *Provider) streamOnce(ctx context.Context, params oai.ChatCompletionNewParams, out *llm.Stream) error {
	vendor := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer vendor.Close()

	// Tool call fragments accumulate per index until the finish chunk.
	type toolAccum struct {
		name string
		args string
	}
	accum := map[int]*toolAccum{}

	for vendor.Next() {
		chunk := vendor.Current()
		if len(chunk.Choices) == 0 {
			if chunk.Usage.TotalTokens > 0 {
				out.SetUsage(llm.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
				})
			}
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if err := out.Emit(ctx, llm.StreamEvent{Text: choice.Delta.Content}); err != nil {
				return err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := int(tc.Index)
			if accum[idx] == nil {
				accum[idx] = &toolAccum{}
			}
			if tc.Function.Name != "" {
				accum[idx].name = tc.Function.Name
			}
			accum[idx].args += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			for i := 0; i < len(accum); i++ {
				ta := accum[i]
				if ta == nil {
					continue
				}
				call, err := decodeToolCall(ta.name, ta.args)
				if err != nil {
					return err
				}
				if err := out.Emit(ctx, llm.StreamEvent{ToolCall: call}); err != nil {
					return err
				}
			}
			accum = map[int]*toolAccum{}
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

	var resp *oai.ChatCompletion
	err = resilience.Do(ctx, "openai.complete", func(ctx context.Context) error {
		var cerr error
		resp, cerr = p.client.Chat.Completions.New(ctx, params)
		return classify(cerr)
	})
	if err != nil {
		return "", nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("openai: empty choices in response")
	}

	usage := &llm.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// decodeToolCall parses accumulated argument JSON into a provider-neutral
// tool call.
func decodeToolCall(name, rawArgs string) (*llm.ToolCall, error) {
	if name == "" {
		return nil, fmt.Errorf("openai: tool call missing name")
	}
	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return nil, fmt.Errorf("openai: tool %q arguments decode: %w", name, err)
		}
	}
	return &llm.ToolCall{Name: name, Arguments: args}, nil
}

// buildParams converts a provider-neutral request into chat completion
// params.
func buildParams(req llm.Request) (oai.ChatCompletionNewParams, error) {
	if req.Config.Model == "" {
		return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: model must not be empty")
	}

	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleUser:
			messages = append(messages, oai.UserMessage(m.Content))
		case llm.RoleAssistant:
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: unknown message role %q", m.Role)
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Config.Model),
		Messages: messages,
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: oai.String(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}
	return params, nil
}

// classify wraps retryable vendor failures (rate limiting, upstream 5xx) as
// transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 429 || apierr.StatusCode >= 500 {
			return llm.Transient(err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return llm.Transient(err)
}
