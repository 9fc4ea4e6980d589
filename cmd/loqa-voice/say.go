package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/spf13/cobra"
)

var (
	sayChunkSize int
	sayBase64    bool
	sayFlush     bool
)

var sayCmd = &cobra.Command{
	Use:   "say [text]",
	Short: "Generate a reply and stream its audio to stdout",
	Long: `Send text to the configured language model and stream the spoken reply.

Raw audio chunks are written to stdout. With --base64 each chunk is written
as one base64 line instead. Pass "-" or no text to read the prompt from stdin.

Example:
  loqa-voice say "What's the weather like?" > reply.pcm
  echo "Tell me a joke" | loqa-voice say --base64 --chunk-size 4096`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := promptText(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("flush-trailing") {
			cfg.Pipeline.FlushTrailing = sayFlush
		}
		chunkSize := cfg.Pipeline.ChunkSize
		if cmd.Flags().Changed("chunk-size") {
			chunkSize = sayChunkSize
		}

		logger := newLogger(cfg.Telemetry.LogLevel, cmd.ErrOrStderr())
		completion, err := llm.NewFromConfig(cfg.LLM, logger)
		if err != nil {
			return err
		}
		synthesis, err := tts.NewFromConfig(cfg.TTS, logger)
		if err != nil {
			return err
		}
		orchestrator := pipeline.New(completion, synthesis, pipeline.OptionsFromConfig(cfg.Pipeline), logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		err = writeAudio(cmd.OutOrStdout(), orchestrator.RunWithChunkSize(ctx, text, chunkSize), sayBase64)
		if err != nil && isCancelled(err) && ctx.Err() != nil {
			logger.Info("interrupted")
			return nil
		}
		return err
	},
}

func init() {
	sayCmd.Flags().IntVar(&sayChunkSize, "chunk-size", 0, "output chunk size in bytes (0 passes synthesis fragments through)")
	sayCmd.Flags().BoolVar(&sayBase64, "base64", false, "write one base64 line per chunk")
	sayCmd.Flags().BoolVar(&sayFlush, "flush-trailing", false, "speak trailing text that lacks a sentence terminator")
}

func promptText(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func writeAudio(out io.Writer, chunks iter.Seq2[[]byte, error], encode bool) error {
	w := bufio.NewWriter(out)
	defer w.Flush()
	if encode {
		for line, err := range pipeline.Encode(chunks) {
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		return nil
	}
	for chunk, err := range chunks {
		if err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(level string, out io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl}))
}

func isCancelled(err error) bool {
	return errors.Is(err, pipeline.ErrCancelled) || errors.Is(err, context.Canceled)
}
