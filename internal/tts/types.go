// Package tts provides the speech synthesis backends used by the voice
// pipeline.
package tts

import "context"

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text  string
	Voice string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio. Implementations send
// chunks in order, then at most one error, and close both channels. They stop
// sending once ctx is done.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Preparer is implemented by synthesizers with their own warm-up step.
type Preparer interface {
	Prepare(ctx context.Context) error
}
