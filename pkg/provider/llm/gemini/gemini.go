// Package gemini provides the [llm.Provider] backed by the Google Gemini API
// via the google.golang.org/genai SDK.
//
// Assistant-role messages are translated to the "model" role the API expects.
// Thought parts are filtered out of the visible stream; only their token
// count survives, inside the usage report.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/pamoka-labs/triksteris/internal/resilience"
	"github.com/pamoka-labs/triksteris/pkg/provider/llm"
)

// Provider implements [llm.Provider] using the Gemini API.
type Provider struct {
	client *genai.Client
}

var _ llm.Provider = (*Provider)(nil)

// New constructs a Gemini-backed provider.
func New(ctx context.Context, apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: apiKey must not be empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Stream implements [llm.Provider]. Transient upstream failures are retried
// with backoff inside the producer goroutine; a retry after partial streaming
// re-emits text from the new attempt.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	contents, cfg, err := buildRequest(req)
	if err != nil {
		return nil, err
	}

	stream := llm.NewStream()
	go func() {
		err := resilience.Do(ctx, "gemini.stream", func(ctx context.Context) error {
			return p.streamOnce(ctx, req.Config.Model, contents, cfg, stream)
		})
		stream.Close(err)
	}()
	return stream, nil
}

func (p *Provider) streamOnce(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig, out *llm.Stream) error {
	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return classify(err)
		}
		if err := emitResponse(ctx, resp, out); err != nil {
			return err
		}
	}
	return nil
}

// emitResponse forwards one streamed response chunk, skipping thought parts
// and empty candidates.
func emitResponse(ctx context.Context, resp *genai.GenerateContentResponse, out *llm.Stream) error {
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			if part.Text != "" {
				if err := out.Emit(ctx, llm.StreamEvent{Text: part.Text}); err != nil {
					return err
				}
			}
			if fc := part.FunctionCall; fc != nil {
				args := fc.Args
				if args == nil {
					args = map[string]any{}
				}
				call := &llm.ToolCall{Name: fc.Name, Arguments: args}
				if err := out.Emit(ctx, llm.StreamEvent{ToolCall: call}); err != nil {
					return err
				}
			}
		}
	}
	if um := resp.UsageMetadata; um != nil {
		out.SetUsage(llm.Usage{
			PromptTokens:     int(um.PromptTokenCount),
			CompletionTokens: int(um.CandidatesTokenCount),
		})
	}
	return nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.Request) (string, *llm.Usage, error) {
	contents, cfg, err := buildRequest(req)
	if err != nil {
		return "", nil, err
	}

	var resp *genai.GenerateContentResponse
	err = resilience.Do(ctx, "gemini.complete", func(ctx context.Context) error {
		var cerr error
		resp, cerr = p.client.Models.GenerateContent(ctx, req.Config.Model, contents, cfg)
		return classify(cerr)
	})
	if err != nil {
		return "", nil, fmt.Errorf("gemini: generate content: %w", err)
	}

	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			text.WriteString(part.Text)
		}
	}
	var usage *llm.Usage
	if um := resp.UsageMetadata; um != nil {
		usage = &llm.Usage{
			PromptTokens:     int(um.PromptTokenCount),
			CompletionTokens: int(um.CandidatesTokenCount),
		}
	}
	return text.String(), usage, nil
}

// buildRequest converts a provider-neutral request into genai contents and
// generation config.
func buildRequest(req llm.Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	if req.Config.Model == "" {
		return nil, nil, fmt.Errorf("gemini: model must not be empty")
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		var role genai.Role
		switch m.Role {
		case llm.RoleUser:
			role = genai.RoleUser
		case llm.RoleAssistant:
			role = genai.RoleModel
		default:
			return nil, nil, fmt.Errorf("gemini: unknown message role %q", m.Role)
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if req.Config.ThinkingBudget > 0 {
		cfg.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(int32(req.Config.ThinkingBudget)),
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, td := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 td.Name,
				Description:          td.Description,
				ParametersJsonSchema: td.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return contents, cfg, nil
}

// classify wraps retryable vendor failures (rate limiting, upstream 5xx) as
// transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		if apierr.Code == 429 || apierr.Code >= 500 {
			return llm.Transient(err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return llm.Transient(err)
}
