package pipeline

import (
	"context"
	"iter"
)

// CompletionSource streams the text reply to a prompt as fragments. The
// sequence ends with an error value when the remote call fails and must stop
// promptly once ctx is done.
type CompletionSource interface {
	StreamCompletion(ctx context.Context, prompt string) iter.Seq2[string, error]
}

// SynthesisSource turns one sentence into a stream of audio fragments.
// Prepare warms the backend up; it is called at most once per run and its
// failure only costs latency.
type SynthesisSource interface {
	Prepare(ctx context.Context) error
	StreamAudio(ctx context.Context, sentence string) iter.Seq2[[]byte, error]
}

// CompletionFunc adapts a function to CompletionSource.
type CompletionFunc func(ctx context.Context, prompt string) iter.Seq2[string, error]

func (f CompletionFunc) StreamCompletion(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return f(ctx, prompt)
}
