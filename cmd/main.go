package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/davidbz/aibridge/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "aibridge",
		Short:         "Cached, throttled bridge to hosted language models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.FileEnvVar),
		"path to a YAML config overlay")

	root.AddCommand(
		newServeCmd(&configPath),
		newCompletionCmd(&configPath),
		newChatCmd(&configPath),
		newEmbedCmd(&configPath),
	)
	return root
}
