package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/entity-collector/internal/audit"
	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history <subject> <id>",
	Short: "Show the audit trail of an entity, job, source, match or change",
	Long:  "Subject is an entity type (builder, community, property, representative) or one of job, source, entity_match, change.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		subject, err := parseSubject(args[0])
		if err != nil {
			return err
		}
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		field, _ := cmd.Flags().GetString("field")
		source, _ := cmd.Flags().GetString("change-source")
		limit, _ := cmd.Flags().GetInt("limit")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		trail, err := audit.Trail(ctx, env.Store, store.HistoryFilter{
			EntityType:   subject,
			EntityID:     id,
			Field:        field,
			ChangeSource: model.ChangeSource(source),
			Limit:        limit,
		})
		if err != nil {
			return eris.Wrap(err, "history")
		}
		if len(trail) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No history found.")
			return nil
		}
		formatHistory(cmd.OutOrStdout(), trail)
		return nil
	},
}

func parseSubject(s string) (string, error) {
	switch s {
	case model.SubjectJob, model.SubjectSource, model.SubjectMatch, model.SubjectChange:
		return s, nil
	case "match":
		return model.SubjectMatch, nil
	}
	et, err := model.ParseEntityType(s)
	if err != nil {
		return "", err
	}
	return string(et), nil
}

func init() {
	historyCmd.Flags().String("field", "", "only entries for this field")
	historyCmd.Flags().String("change-source", "", "manual, auto or collection")
	historyCmd.Flags().Int("limit", 100, "max entries to show")
	rootCmd.AddCommand(historyCmd)
}
