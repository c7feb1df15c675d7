package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "verifier",
		Short:         "Microsoft Entra Verified ID verifier API",
		Long:          `verifier serves OpenID4VP presentation requests for Microsoft Entra Verified ID and renders the container image that ships it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Path to a .env file (ignored when missing)")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newDockerfileCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
