package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	reply string
	delay time.Duration
}

// NewMockGenerator streams reply one word at a time. An empty reply echoes the
// prompt back inside two short sentences.
func NewMockGenerator(reply string, delay time.Duration) Generator {
	return &mockGenerator{reply: reply, delay: delay}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	reply := m.reply
	if reply == "" {
		reply = "You said " + strings.TrimSpace(req.Prompt) + ". This is a mock reply."
	}
	start := time.Now()
	words := strings.Fields(reply)
	for i, w := range words {
		if m.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.delay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		last := i == len(words)-1
		if !last {
			w += " "
		}
		if err := consumer(Chunk{
			Content:          w,
			Partial:          !last,
			CompletionTokens: i + 1,
			Latency:          time.Since(start),
		}); err != nil {
			return err
		}
	}
	return nil
}
