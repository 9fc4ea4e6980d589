package tts

import (
	"context"
	"fmt"
	"time"
)

const mockFragments = 5

type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
}

// NewMockSynth emits five text fragments per sentence, AUDIO-CHUNK-1 through
// AUDIO-CHUNK-5, each waiting delay first.
func NewMockSynth(sampleRate, channels int, delay time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: delay}
}

func (m *mockSynth) Prepare(ctx context.Context) error {
	return m.wait(ctx)
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i := 1; i <= mockFragments; i++ {
			if err := m.wait(ctx); err != nil {
				errs <- err
				return
			}
			chunk := SynthChunk{
				Sequence:   i - 1,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        fmt.Appendf(nil, "AUDIO-CHUNK-%d (%s)", i, req.Text),
				Final:      i == mockFragments,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

func (m *mockSynth) wait(ctx context.Context) error {
	if m.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(m.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
