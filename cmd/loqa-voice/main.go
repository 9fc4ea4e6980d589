// Command loqa-voice runs the voice pipeline from the terminal.
//
// Usage:
//
//	loqa-voice say [flags] <text>
//	loqa-voice config validate -f loqa.yaml
//	loqa-voice version
//
// Audio is written to stdout, logs go to stderr.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "loqa-voice",
	Short:         "Stream spoken replies from a language model",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (defaults plus LOQA_* env when empty)")
	rootCmd.AddCommand(sayCmd, configCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
