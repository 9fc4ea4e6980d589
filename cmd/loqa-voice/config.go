package main

import (
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/spf13/cobra"
)

var validatePath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file",
	Long: `Load a configuration file, apply LOQA_* environment overrides and
report the first validation error.

Example:
  loqa-voice config validate -f loqa.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(validatePath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config valid (llm=%s tts=%s chunk_size=%d)\n",
			cfg.LLM.Mode, cfg.TTS.Mode, cfg.Pipeline.ChunkSize)
		return nil
	},
}

func init() {
	configValidateCmd.Flags().StringVarP(&validatePath, "file", "f", "loqa.yaml", "path to configuration file")
	configCmd.AddCommand(configValidateCmd)
}
