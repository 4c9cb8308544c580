// Ragd is a retrieval-augmented chat daemon. It serves chat turns over
// HTTP, retrieving context from uploaded documents and prior conversation,
// condensing it through the active language-model backend, and assembling
// token-bounded prompts.
//
// Usage:
//
//	# Start the server with defaults
//	ragd serve
//
//	# Configure via file and environment
//	ragd serve --config ~/.config/ragd/config.yaml
//	SERVER_HTTP_PORT=7070 BACKEND_KIND=ollama BACKEND_MODEL=llama3 ragd serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ragd",
	Short:   "Retrieval-augmented chat daemon",
	Long:    `ragd serves retrieval-augmented chat turns over HTTP with pluggable LLM backends.`,
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ragd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/ragd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
