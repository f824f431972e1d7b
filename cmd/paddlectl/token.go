package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bravethewaves/backend/config"
	"github.com/bravethewaves/backend/internal/auth"
)

func tokenCmd() *cobra.Command {
	var sub, email, name string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 identity token signed with AUTH_TOKEN_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Auth.Secret == "" {
				return fmt.Errorf("AUTH_TOKEN_SECRET is not set")
			}
			svc := auth.NewJWTService(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.ExpireHours)
			token, err := svc.Issue(sub, email, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "subject (user id)")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
