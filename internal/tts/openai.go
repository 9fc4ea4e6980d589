package tts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAISpeechModel = "tts-1"
	defaultReadSize          = 4096
)

type openAISynth struct {
	client   *openai.Client
	model    string
	readSize int
}

// NewOpenAISynth requests raw PCM (24kHz, 16-bit, mono) from the speech
// endpoint and streams the response body in readSize pieces.
func NewOpenAISynth(apiKey, baseURL, model string, readSize int) Synthesizer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = defaultOpenAISpeechModel
	}
	if readSize <= 0 {
		readSize = defaultReadSize
	}
	return &openAISynth{client: openai.NewClientWithConfig(cfg), model: model, readSize: readSize}
}

func (o *openAISynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(o.model),
			Input:          req.Text,
			Voice:          openai.SpeechVoice(req.Voice),
			ResponseFormat: openai.SpeechResponseFormatPcm,
		})
		if err != nil {
			errs <- fmt.Errorf("create speech: %w", err)
			return
		}
		defer resp.Close()

		sequence := 0
		for {
			buf := make([]byte, o.readSize)
			n, err := io.ReadFull(resp, buf)
			if n > 0 {
				select {
				case chunks <- SynthChunk{Sequence: sequence, SampleRate: 24000, Channels: 1, PCM: buf[:n]}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
				sequence++
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			if err != nil {
				errs <- fmt.Errorf("read speech: %w", err)
				return
			}
		}
	}()
	return chunks, errs
}
