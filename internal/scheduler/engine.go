package scheduler

import "context"

// GenerateOptions carries per-request sampling parameters to the engine.
// Zero values mean "engine default".
type GenerateOptions struct {
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// Engine is the inference backend the scheduler dispatches onto. Generate
// streams completion tokens for prompt, calling emit once per token in
// order. It returns nil after the final token, or the first error
// encountered, including ctx.Err() when the context is cancelled and any
// error returned by emit. Implementations must honor ctx promptly: the
// scheduler relies on it to reclaim the concurrency slot on timeout and
// cancellation.
type Engine interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions, emit func(token string) error) error
}
