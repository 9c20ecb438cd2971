// Package mock provides the deterministic stub implementation of
// [llm.Provider].
//
// The stub is the reference conformance oracle for the provider contract and
// the substrate for engine tests: it yields its canned text chunks in order,
// then its tool-call events, records usage exactly as configured, and keeps a
// record of every call for post-test inspection.
//
// Example:
//
//	p := &mock.Provider{Responses: []mock.Response{
//	    {Text: []string{"Hmm, ", "tikrai?"}},
//	}}
//	stream, _ := p.Stream(ctx, req)
//	for ev := range stream.Events() { … }
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/pamoka-labs/triksteris/pkg/provider/llm"
)

// Response is one scripted model reply.
type Response struct {
	// Text is the sequence of text chunks yielded, in order.
	Text []string

	// ToolCalls are yielded after all text chunks, in order.
	ToolCalls []llm.ToolCall

	// Usage, when non-nil, is recorded on the stream handle before it closes.
	Usage *llm.Usage

	// Err, when non-nil, terminates the stream with this error after all
	// events have been yielded. Wrap with [llm.Transient] to exercise the
	// retry path.
	Err error
}

// StreamCall records a single invocation of Stream or Complete.
type StreamCall struct {
	// Req is the request passed by the caller.
	Req llm.Request
}

// Provider is the deterministic stub implementation of [llm.Provider].
// Zero value yields a single empty response forever. Successive calls consume
// successive entries of Responses; once exhausted, the final entry repeats.
type Provider struct {
	mu sync.Mutex

	// Responses is the per-call script. May be left nil.
	Responses []Response

	// StartErr, when non-nil, is returned from Stream and Complete before any
	// streaming begins (e.g. to simulate bad credentials).
	StartErr error

	// Calls records every Stream and Complete invocation in order.
	Calls []StreamCall

	next int
}

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Stream implements [llm.Provider]. It replays the next scripted response as
// a sequence of stream events.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	resp, err := p.record(req)
	if err != nil {
		return nil, err
	}

	stream := llm.NewStream()
	go func() {
		for _, t := range resp.Text {
			if err := stream.Emit(ctx, llm.StreamEvent{Text: t}); err != nil {
				stream.Close(err)
				return
			}
		}
		for i := range resp.ToolCalls {
			tc := resp.ToolCalls[i]
			if err := stream.Emit(ctx, llm.StreamEvent{ToolCall: &tc}); err != nil {
				stream.Close(err)
				return
			}
		}
		if resp.Usage != nil {
			stream.SetUsage(*resp.Usage)
		}
		stream.Close(resp.Err)
	}()
	return stream, nil
}

// Complete implements [llm.Provider]. The returned text concatenates the
// scripted chunks in stream order.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (string, *llm.Usage, error) {
	resp, err := p.record(req)
	if err != nil {
		return "", nil, err
	}
	if resp.Err != nil {
		return "", nil, resp.Err
	}
	return strings.Join(resp.Text, ""), resp.Usage, ctx.Err()
}

// record appends the call record and returns the next scripted response.
func (p *Provider) record(req llm.Request) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, StreamCall{Req: req})
	if p.StartErr != nil {
		return Response{}, p.StartErr
	}
	if len(p.Responses) == 0 {
		return Response{}, nil
	}
	resp := p.Responses[p.next]
	if p.next < len(p.Responses)-1 {
		p.next++
	}
	return resp, nil
}

// Reset clears recorded calls and rewinds the response script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.next = 0
}
