// Package cmd wires the relay into a terminal chat client and the session
// maintenance commands.
package cmd

import (
	"github.com/spf13/cobra"
)

var debugFlag bool

var rootCmd = &cobra.Command{
	Use:   "verba",
	Short: "Verba - a conversational assistant with persistent context",
	Long: `Verba relays your messages to an LLM while keeping a persistent,
token-budgeted conversation context: long transcripts are summarized in
place and relevant snippets from earlier sessions are recalled
automatically.

Running verba with no arguments starts the interactive chat loop.`,
	RunE: runChat,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}
