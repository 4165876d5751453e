package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/pagevoice/internal/config"
)

var (
	envFiles []string
	version  = "dev"
	commit   = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "pagevoice",
	Short: "Voice companion for chatting with Claude about the current page",
	Long: `pagevoice runs the chat, speech and microphone core behind the page
widget. "serve" exposes it to the widget over a loopback HTTP bridge; the other
commands drive the same core from a terminal.

API keys are read from the environment or a .env file:
  CLAUDE_API_KEY   completion (OAuth token or console key)
  OPENAI_API_KEY   remote speech synthesis and transcription`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv(envFiles...)
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env", []string{".env"}, "dotenv files to load before reading the environment")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(serveCmd, askCmd, speakCmd, recordCmd, transcribeCmd, benchCmd)
}
