// Package cli defines the rag-tutor command line.
package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rag-tutor",
	Short: "Session-scoped retrieval-augmented tutor backend",
	Long: `rag-tutor ingests study material into a per-session vector index and
answers questions from it with citations. Pipeline progress is streamed to
websocket subscribers at /ws/rag_process.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON config file")
}

// Execute runs the root command. Without a subcommand it serves.
func Execute() error {
	return rootCmd.Execute()
}
