package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "dork",
	Short: "dork - local-first agent coordination daemon",
	Long: "Dork runs a local coordination daemon for agent tooling: a durable\n" +
		"subject-based message relay, an agent registry with filesystem\n" +
		"discovery, a cron scheduler for unattended sessions, and an HTTP+SSE\n" +
		"API with a live event feed.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dork %s\n", Version)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
