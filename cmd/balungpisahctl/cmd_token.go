package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTokenCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Service token utilities",
	}
	var audience string
	sign := &cobra.Command{
		Use:   "sign",
		Short: "Print a short-lived service token for an internal endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			signer, err := opts.signer()
			if err != nil {
				return fmt.Errorf("token sign: %w", err)
			}
			token, err := signer.Sign(audience)
			if err != nil {
				return fmt.Errorf("token sign: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	sign.Flags().StringVar(&audience, "audience", audienceIntake, "service the token is for (intake or extractor)")
	cmd.AddCommand(sign)
	return cmd
}
