package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor      bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:           "memoir",
	Short:         "A private local diary with grounded recall",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "output format: text, json or yaml")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(ingestCmd, chatCmd, searchCmd, entryCmd, queueCmd, workCmd, callsCmd, turnsCmd)
	rootCmd.AddCommand(profileCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
