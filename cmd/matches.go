package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/reconcile"
	"github.com/sells-group/entity-collector/internal/store"
)

var matchesCmd = &cobra.Command{
	Use:   "matches",
	Short: "Review entity matches",
}

var matchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entity matches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		et, _ := cmd.Flags().GetString("entity-type")
		jobID, _ := cmd.Flags().GetInt64("job")
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := env.Store.ListMatches(ctx, store.MatchFilter{
			Status:     model.MatchStatus(status),
			EntityType: model.EntityType(et),
			JobID:      jobID,
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "matches list")
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No matches found.")
			return nil
		}
		formatMatchesList(cmd.OutOrStdout(), list)
		return nil
	},
}

var matchesConfirmCmd = &cobra.Command{
	Use:   "confirm <match-id>",
	Short: "Confirm a pending match and propose its changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var override *int64
		if cmd.Flags().Changed("entity") {
			v, _ := cmd.Flags().GetInt64("entity")
			override = &v
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := env.Reconciler.ConfirmMatch(ctx, id, actorFlag(cmd), override)
		if err != nil {
			return eris.Wrap(err, "matches confirm")
		}
		printOutcome(cmd, out)
		return nil
	},
}

var matchesRejectCmd = &cobra.Command{
	Use:   "reject <match-id>",
	Short: "Reject a match, optionally treating the record as a new entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		asNew, _ := cmd.Flags().GetBool("as-new")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := env.Reconciler.RejectMatch(ctx, id, actorFlag(cmd), asNew)
		if err != nil {
			return eris.Wrap(err, "matches reject")
		}
		printOutcome(cmd, out)
		return nil
	},
}

func printOutcome(cmd *cobra.Command, out *reconcile.Outcome) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Match %d is now %s\n", out.Match.ID, out.Match.Status)
	if n := out.ChangeCount(); n > 0 {
		fmt.Fprintf(w, "%d changes recorded\n", n)
	}
	if out.NewEntity() {
		fmt.Fprintln(w, "A new-entity change awaits review.")
	}
}

func init() {
	matchesListCmd.Flags().String("status", string(model.MatchPending), "filter by status (empty for all)")
	matchesListCmd.Flags().String("entity-type", "", "filter by entity type")
	matchesListCmd.Flags().Int64("job", 0, "filter by job id")
	matchesListCmd.Flags().Int("limit", 50, "max matches to show")

	matchesConfirmCmd.Flags().Int64("entity", 0, "confirm against this entity instead of the suggested one")
	matchesRejectCmd.Flags().Bool("as-new", false, "propose the record as a new entity")

	matchesCmd.PersistentFlags().String("actor", "", "actor recorded in history")

	matchesCmd.AddCommand(matchesListCmd, matchesConfirmCmd, matchesRejectCmd)
	rootCmd.AddCommand(matchesCmd)
}
