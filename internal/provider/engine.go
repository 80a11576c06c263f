package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/wmzpwnz/advakod-sub005/internal/scheduler"
)

// ChatEngine adapts a streaming chat model to the scheduler.Engine
// contract: one prompt in, a callback per content token out.
type ChatEngine struct {
	chat ChatStreamer
}

// NewChatEngine wraps the given chat model.
func NewChatEngine(chat ChatStreamer) (*ChatEngine, error) {
	if chat == nil {
		return nil, fmt.Errorf("provider: chat model is required")
	}
	return &ChatEngine{chat: chat}, nil
}

// Generate implements scheduler.Engine. It opens a token stream for the
// prompt and forwards every non-empty content delta to emit, in order.
func (e *ChatEngine) Generate(ctx context.Context, prompt string, opts scheduler.GenerateOptions, emit func(token string) error) error {
	var modelOpts []model.Option
	if opts.MaxTokens > 0 {
		modelOpts = append(modelOpts, model.WithMaxTokens(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		modelOpts = append(modelOpts, model.WithTemperature(opts.Temperature))
	}
	if opts.TopP > 0 {
		modelOpts = append(modelOpts, model.WithTopP(opts.TopP))
	}

	sr, err := e.chat.Stream(ctx, []*schema.Message{schema.UserMessage(prompt)}, modelOpts...)
	if err != nil {
		return fmt.Errorf("provider: stream failed: %w", err)
	}
	defer sr.Close()

	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// Surface context errors unwrapped so the scheduler can
			// distinguish timeout and cancellation from engine faults.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("provider: stream receive: %w", err)
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		if err := emit(msg.Content); err != nil {
			return err
		}
	}
}

// Ping verifies the backend accepts generation requests, for readiness
// probes. It requests a single token and discards it.
func (e *ChatEngine) Ping(ctx context.Context) error {
	err := e.Generate(ctx, "ping", scheduler.GenerateOptions{MaxTokens: 1}, func(string) error {
		return nil
	})
	if err != nil {
		return fmt.Errorf("provider: ping: %w", err)
	}
	return nil
}
