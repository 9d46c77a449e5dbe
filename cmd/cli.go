package cmd

import (
	"os"

	"github.com/habedi/convo/pkg/clierr"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// configPath is set by the persistent --config flag.
var configPath string

func Execute() {
	rootCmd := createRootCmd()

	if err := rootCmd.Execute(); err != nil {
		ce := clierr.From(err)
		log.Debug().Err(err).Str("type", string(ce.Type)).Msg("Command execution failed.")
		rootCmd.PrintErrln("Error:", ce.Message)
		os.Exit(1)
	}
}

func createRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "convo",
		Short:         "A command-line client for the conversation backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolP("help", "h", false, "Show help for a command")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the config file (default ~/.convo/config.yaml)")

	rootCmd.AddCommand(
		loginCmd(),
		logoutCmd(),
		statusCmd(),
		whoamiCmd(),
		chatCmd(),
		probeCmd(),
		versionCmd(),
	)

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.SetHelpCommand(&cobra.Command{
		Use:    "no-help",
		Hidden: true,
	})

	return rootCmd
}
