package main

import (
	"github.com/spf13/cobra"
)

var configDir string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "lockmesh",
		Short:         "Replicated distributed lock service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "resources", "directory containing application.yml")
	root.AddCommand(newServeCommand(), newClientCommand())
	return root
}
