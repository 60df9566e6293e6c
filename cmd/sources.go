package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/sources"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage the source registry",
	Long:  "Register external sources, block or disable them, and recalculate reliability from review outcomes.",
}

// -- sources add --

var sourcesAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		baseURL, _ := cmd.Flags().GetString("base-url")
		srcType, _ := cmd.Flags().GetString("type")
		types, _ := cmd.Flags().GetStringSlice("entity-types")
		rateLimit, _ := cmd.Flags().GetInt("rate-limit")

		spec := sources.SourceSpec{
			Name:            args[0],
			BaseURL:         baseURL,
			Type:            model.SourceType(srcType),
			RateLimitPerDay: rateLimit,
		}
		for _, t := range types {
			spec.EntityTypes = append(spec.EntityTypes, model.EntityType(strings.TrimSpace(t)))
		}
		if cmd.Flags().Changed("reliability") {
			r, _ := cmd.Flags().GetFloat64("reliability")
			spec.Reliability = &r
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		src, err := env.Sources.Register(ctx, spec, actorFlag(cmd))
		if err != nil {
			return eris.Wrap(err, "sources add")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered source %d (%s) reliability=%.3f\n", src.ID, src.Name, src.ReliabilityScore)
		return nil
	},
}

// -- sources list --

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		activeOnly, _ := cmd.Flags().GetBool("active")
		list, err := env.Sources.List(ctx, activeOnly)
		if err != nil {
			return eris.Wrap(err, "sources list")
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No sources found.")
			return nil
		}

		formatSourcesList(cmd.OutOrStdout(), list, time.Now().UTC())
		return nil
	},
}

// -- sources block / unblock --

var sourcesBlockCmd = &cobra.Command{
	Use:   "block <source-id>",
	Short: "Block a source until a deadline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		dur, _ := cmd.Flags().GetDuration("for")
		if dur <= 0 {
			return eris.New("sources block: --for must be positive")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		until := time.Now().UTC().Add(dur)
		if err := env.Sources.Block(ctx, id, until, actorFlag(cmd)); err != nil {
			return eris.Wrap(err, "sources block")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Source %d blocked until %s\n", id, until.Format(time.RFC3339))
		return nil
	},
}

var sourcesUnblockCmd = &cobra.Command{
	Use:   "unblock <source-id>",
	Short: "Clear a source block",
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

		if err := env.Sources.Unblock(ctx, id, actorFlag(cmd)); err != nil {
			return eris.Wrap(err, "sources unblock")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Source %d unblocked\n", id)
		return nil
	},
}

// -- sources enable / disable --

func setActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <source-id>",
		Short: short,
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

			if err := env.Sources.SetActive(ctx, id, active, actorFlag(cmd)); err != nil {
				return eris.Wrapf(err, "sources %s", use)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Source %d active=%t\n", id, active)
			return nil
		},
	}
}

var (
	sourcesEnableCmd  = setActiveCmd("enable", "Re-activate a source", true)
	sourcesDisableCmd = setActiveCmd("disable", "Deactivate a source", false)
)

// -- sources recalc --

var sourcesRecalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Recalculate reliability from review outcomes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		recalcs, err := env.Sources.Recalculate(ctx)
		if err != nil {
			return eris.Wrap(err, "sources recalc")
		}
		if len(recalcs) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No sources had enough reviewed changes.")
			return nil
		}
		formatRecalculations(cmd.OutOrStdout(), recalcs)
		return nil
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Wrapf(model.ErrValidation, "invalid id %q", s)
	}
	return id, nil
}

func actorFlag(cmd *cobra.Command) string {
	actor, _ := cmd.Flags().GetString("actor")
	if actor == "" {
		return model.SystemActor
	}
	return actor
}

func init() {
	sourcesAddCmd.Flags().String("base-url", "", "source base URL")
	sourcesAddCmd.Flags().String("type", string(model.SourceDirectory), "source type (official_site, directory, listing_aggregator, review_site)")
	sourcesAddCmd.Flags().StringSlice("entity-types", nil, "entity types the source supplies")
	sourcesAddCmd.Flags().Int("rate-limit", 0, "accesses per day (0 = unlimited)")
	sourcesAddCmd.Flags().Float64("reliability", 0, "initial reliability score (default from config)")

	sourcesListCmd.Flags().Bool("active", false, "only list active sources")

	sourcesBlockCmd.Flags().Duration("for", 24*time.Hour, "how long to block the source")

	sourcesCmd.PersistentFlags().String("actor", "", "actor recorded in history")

	sourcesCmd.AddCommand(sourcesAddCmd, sourcesListCmd, sourcesBlockCmd, sourcesUnblockCmd,
		sourcesEnableCmd, sourcesDisableCmd, sourcesRecalcCmd)
	rootCmd.AddCommand(sourcesCmd)
}
