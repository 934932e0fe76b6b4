package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "canasta",
	Short: "Average grocery prices for the canasta básica, served to a chat assistant",
	Long: `canasta runs the pricing backend for a conversational grocery assistant.

The server answers chat turns through the assistant engine, resolves the
assistant's price lookups against the ingredient catalog and keeps the
agent message log. The other commands talk to a running server.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(chatCmd, historyCmd, searchCmd, messagesCmd, logsCmd)
	rootCmd.AddCommand(catalogCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
