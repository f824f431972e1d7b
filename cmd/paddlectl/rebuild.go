package main

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bravethewaves/backend/internal/ledger"
)

func rebuildCmd() *cobra.Command {
	var (
		userIDs []string
		teamIDs []string
	)
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute cached donation totals from the ledger",
		Long: `Recompute amount raised / donated for users and total raised for teams.

With no flags every user and team is rebuilt in one transaction.

Examples:
  paddlectl rebuild
  paddlectl rebuild --user auth0|abc123 --team 6f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			teams := make([]uuid.UUID, 0, len(teamIDs))
			for _, raw := range teamIDs {
				id, err := uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("invalid team id %q: %w", raw, err)
				}
				teams = append(teams, id)
			}
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
				return runRebuild(ctx, ledger.NewPostgres(pool), userIDs, teams, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringSliceVar(&userIDs, "user", nil, "user id to rebuild (repeatable)")
	cmd.Flags().StringSliceVar(&teamIDs, "team", nil, "team id to rebuild (repeatable)")
	return cmd
}

// runRebuild rebuilds users before teams, since a team total is the sum of its members.
func runRebuild(ctx context.Context, store ledger.Rebuilder, userIDs []string, teamIDs []uuid.UUID, out io.Writer) error {
	if len(userIDs) == 0 && len(teamIDs) == 0 {
		if err := store.RebuildAll(ctx); err != nil {
			return fmt.Errorf("rebuild all: %w", err)
		}
		fmt.Fprintln(out, "rebuilt all users and teams")
		return nil
	}
	for _, id := range userIDs {
		if err := store.RebuildUserAggregates(ctx, id); err != nil {
			return fmt.Errorf("rebuild user %s: %w", id, err)
		}
		fmt.Fprintf(out, "rebuilt user %s\n", id)
	}
	for _, id := range teamIDs {
		if err := store.RebuildTeamTotal(ctx, id); err != nil {
			return fmt.Errorf("rebuild team %s: %w", id, err)
		}
		fmt.Fprintf(out, "rebuilt team %s\n", id)
	}
	return nil
}
