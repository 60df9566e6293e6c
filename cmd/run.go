package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one collection cycle",
	Long:  "Admits pending jobs under source availability, executes them concurrently against the discovery collaborator and reconciles the results.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		parallel, _ := cmd.Flags().GetInt("parallel")
		if parallel <= 0 {
			parallel = cfg.Executor.MaxParallel
		}
		fixtures, _ := cmd.Flags().GetString("fixtures")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		collab, err := initCollaborator(fixtures)
		if err != nil {
			return eris.Wrap(err, "run: discovery collaborator")
		}

		res, err := env.newExecutor(collab).RunCycle(ctx, parallel)
		if res != nil {
			formatCycleResult(cmd.OutOrStdout(), res)
		}
		if err != nil {
			zap.L().Error("cycle ended with error", zap.Error(err))
			return eris.Wrap(err, "run")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Int("parallel", 0, "max jobs in flight (default from config)")
	runCmd.Flags().String("fixtures", "", "directory of YAML discovery fixtures (forces fixture mode)")
	rootCmd.AddCommand(runCmd)
}
