package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/entity-collector/internal/jobs"
	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Create and inspect collection jobs",
}

// -- jobs create --

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a collection job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		spec, err := jobSpecFromFlags(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Scheduler.CreateJob(ctx, spec, actorFlag(cmd))
		if err != nil {
			return eris.Wrap(err, "jobs create")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created job %d (%s %s, priority %d)\n", job.ID, job.JobType, job.EntityType, job.Priority)
		return nil
	},
}

func jobSpecFromFlags(cmd *cobra.Command) (jobs.JobSpec, error) {
	et, _ := cmd.Flags().GetString("entity-type")
	jt, _ := cmd.Flags().GetString("job-type")
	sourceID, _ := cmd.Flags().GetInt64("source")
	params, _ := cmd.Flags().GetString("params")
	parentType, _ := cmd.Flags().GetString("parent-type")

	spec := jobs.JobSpec{
		EntityType:       model.EntityType(et),
		JobType:          model.JobType(jt),
		SourceID:         sourceID,
		ParentEntityType: model.EntityType(parentType),
		SearchParams:     params,
	}
	if cmd.Flags().Changed("target") {
		v, _ := cmd.Flags().GetInt64("target")
		spec.TargetEntityID = &v
	}
	if cmd.Flags().Changed("parent") {
		v, _ := cmd.Flags().GetInt64("parent")
		spec.ParentEntityID = &v
	}
	if cmd.Flags().Changed("priority") {
		v, _ := cmd.Flags().GetInt("priority")
		spec.Priority = &v
	}
	if params != "" && !json.Valid([]byte(params)) {
		return spec, eris.Wrap(model.ErrValidation, "--params must be a JSON document")
	}
	return spec, nil
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		et, _ := cmd.Flags().GetString("entity-type")
		sourceID, _ := cmd.Flags().GetInt64("source")
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := env.Scheduler.List(ctx, store.JobFilter{
			Status:     model.JobStatus(status),
			EntityType: model.EntityType(et),
			SourceID:   sourceID,
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No jobs found.")
			return nil
		}

		formatJobsList(cmd.OutOrStdout(), list)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its history",
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

		job, err := env.Scheduler.Get(ctx, id)
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}
		trail, err := env.Store.ListHistory(ctx, store.HistoryFilter{
			EntityType: model.SubjectJob,
			EntityID:   id,
		})
		if err != nil {
			return eris.Wrap(err, "jobs show: history")
		}

		return writeJSON(cmd.OutOrStdout(), struct {
			Job     *model.Job           `json:"job"`
			History []model.HistoryEntry `json:"history"`
		}{job, trail})
	},
}

// -- jobs retry / abandon / reap --

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-queue a failed job as a new job",
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

		job, err := env.Scheduler.Retry(ctx, id, actorFlag(cmd))
		if err != nil {
			return eris.Wrap(err, "jobs retry")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Job %d re-queued as job %d\n", id, job.ID)
		return nil
	},
}

var jobsAbandonCmd = &cobra.Command{
	Use:   "abandon <job-id>",
	Short: "Fail a pending or running job by hand",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Scheduler.Abandon(ctx, id, actorFlag(cmd), reason); err != nil {
			return eris.Wrap(err, "jobs abandon")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Job %d abandoned\n", id)
		return nil
	},
}

var jobsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail running jobs older than the lease timeout",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ids, err := env.Scheduler.ReapStale(ctx)
		if err != nil {
			return eris.Wrap(err, "jobs reap")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reaped %d jobs %v\n", len(ids), ids)
		return nil
	},
}

func init() {
	f := jobsCreateCmd.Flags()
	f.String("entity-type", "", "builder, community, property or representative")
	f.String("job-type", string(model.JobDiscovery), "discovery, update, inventory or refresh")
	f.Int64("source", 0, "source id")
	f.Int64("target", 0, "target entity id (update/refresh)")
	f.String("parent-type", "", "parent entity type (inventory)")
	f.Int64("parent", 0, "parent entity id (inventory)")
	f.Int("priority", 0, "priority 0-100 (default from config)")
	f.String("params", "", "search parameters as JSON")
	_ = jobsCreateCmd.MarkFlagRequired("entity-type")
	_ = jobsCreateCmd.MarkFlagRequired("source")

	jobsListCmd.Flags().String("status", "", "filter by status")
	jobsListCmd.Flags().String("entity-type", "", "filter by entity type")
	jobsListCmd.Flags().Int64("source", 0, "filter by source id")
	jobsListCmd.Flags().Int("limit", 50, "max jobs to show")

	jobsAbandonCmd.Flags().String("reason", "abandoned by operator", "failure message recorded on the job")

	jobsCmd.PersistentFlags().String("actor", "", "actor recorded in history")

	jobsCmd.AddCommand(jobsCreateCmd, jobsListCmd, jobsShowCmd, jobsRetryCmd, jobsAbandonCmd, jobsReapCmd)
	rootCmd.AddCommand(jobsCmd)
}
