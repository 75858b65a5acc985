package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/chatline/internal/auth"
)

var createSecretCmd = &cobra.Command{
	Use:   "create-secret",
	Short: "Generate a secret for signing access tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := auth.NewSecret()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Copy the following secret into your .env file:")
		fmt.Fprintf(out, "CHATLINE_AUTH__SECRET=%s\n", secret)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createSecretCmd)
}
