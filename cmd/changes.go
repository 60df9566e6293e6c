package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/store"
)

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Review proposed changes",
	Long:  "List, approve, reject and revert field changes proposed by collection cycles.",
}

var changesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List changes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		et, _ := cmd.Flags().GetString("entity-type")
		field, _ := cmd.Flags().GetString("field")
		sourceID, _ := cmd.Flags().GetInt64("source")
		jobID, _ := cmd.Flags().GetInt64("job")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.ChangeFilter{
			Status:     model.ChangeStatus(status),
			EntityType: model.EntityType(et),
			FieldName:  field,
			SourceID:   sourceID,
			JobID:      jobID,
			Limit:      limit,
		}
		if cmd.Flags().Changed("entity") {
			v, _ := cmd.Flags().GetInt64("entity")
			filter.EntityID = v
		}

		list, err := env.Changes.List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "changes list")
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No changes found.")
			return nil
		}
		formatChangesList(cmd.OutOrStdout(), list)
		return nil
	},
}

var changesShowCmd = &cobra.Command{
	Use:   "show <change-id>",
	Short: "Show full details of a change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Changes.Get(ctx, id)
		if err != nil {
			return eris.Wrap(err, "changes show")
		}
		return writeJSON(cmd.OutOrStdout(), c)
	},
}

// reviewCmd builds approve and reject, which share a shape.
func reviewCmd(use, short string, approve bool) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <change-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			notes, _ := cmd.Flags().GetString("notes")

			env, err := initEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			var ch *model.Change
			if approve {
				ch, err = env.Changes.Approve(ctx, id, actorFlag(cmd), notes)
			} else {
				ch, err = env.Changes.Reject(ctx, id, actorFlag(cmd), notes)
			}
			if err != nil {
				return eris.Wrapf(err, "changes %s", use)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Change %d is now %s\n", ch.ID, ch.Status)
			return nil
		},
	}
	c.Flags().String("notes", "", "review notes")
	return c
}

var (
	changesApproveCmd = reviewCmd("approve", "Approve and apply a pending change", true)
	changesRejectCmd  = reviewCmd("reject", "Reject a pending change", false)
)

var changesRevertCmd = &cobra.Command{
	Use:   "revert <change-id>",
	Short: "Restore the old value of an applied change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ch, err := env.Changes.Revert(ctx, id, actorFlag(cmd))
		if err != nil {
			return eris.Wrap(err, "changes revert")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Change %d reverted (%s restored to %q)\n", ch.ID, ch.FieldName, ch.OldValue)
		return nil
	},
}

func init() {
	f := changesListCmd.Flags()
	f.String("status", string(model.ChangePending), "filter by status (empty for all)")
	f.String("entity-type", "", "filter by entity type")
	f.Int64("entity", 0, "filter by entity id")
	f.String("field", "", "filter by field name")
	f.Int64("source", 0, "filter by source id")
	f.Int64("job", 0, "filter by job id")
	f.Int("limit", 50, "max changes to show")

	changesCmd.PersistentFlags().String("actor", "", "actor recorded in history")

	changesCmd.AddCommand(changesListCmd, changesShowCmd, changesApproveCmd, changesRejectCmd, changesRevertCmd)
	rootCmd.AddCommand(changesCmd)
}
