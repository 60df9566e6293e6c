package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/entity-collector/internal/executor"
	"github.com/sells-group/entity-collector/internal/resilience"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled collection cycles with status endpoints",
	Long:  "Runs collection cycles and reliability recalculation on cron schedules, checks alert thresholds in the background and serves /health and /status.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		fixtures, _ := cmd.Flags().GetString("fixtures")
		collab, err := initCollaborator(fixtures)
		if err != nil {
			return eris.Wrap(err, "serve: discovery collaborator")
		}
		exec := env.newExecutor(collab)

		sched, err := newCycleScheduler(ctx, env, exec)
		if err != nil {
			return err
		}
		sched.Start()
		defer func() {
			// Wait for a running cycle to finish before the store closes.
			<-sched.Stop().Done()
		}()

		go env.Checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env, exec),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server",
			zap.Int("port", port),
			zap.String("cycle_schedule", cfg.Executor.CycleSchedule),
			zap.String("recalc_schedule", cfg.Executor.RecalcSchedule),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newCycleScheduler registers the cycle and recalculation jobs. A cycle still
// running when the next tick fires is skipped.
func newCycleScheduler(ctx context.Context, env *collectorEnv, exec *executor.Executor) (*cron.Cron, error) {
	log := zap.L().With(zap.String("component", "scheduler"))
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if cfg.Executor.CycleSchedule != "" {
		if _, err := c.AddFunc(cfg.Executor.CycleSchedule, func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := exec.RunCycle(ctx, cfg.Executor.MaxParallel); err != nil {
				log.Error("scheduled cycle failed", zap.Error(err))
			}
		}); err != nil {
			return nil, eris.Wrapf(err, "invalid cycle schedule %q", cfg.Executor.CycleSchedule)
		}
	}

	if cfg.Executor.RecalcSchedule != "" {
		if _, err := c.AddFunc(cfg.Executor.RecalcSchedule, func() {
			recalcs, err := env.Sources.Recalculate(ctx)
			if err != nil {
				log.Error("reliability recalculation failed", zap.Error(err))
				return
			}
			log.Info("reliability recalculated", zap.Int("sources", len(recalcs)))
		}); err != nil {
			return nil, eris.Wrapf(err, "invalid recalc schedule %q", cfg.Executor.RecalcSchedule)
		}
	}

	return c, nil
}

// breakerReporter exposes per-source circuit breaker states.
type breakerReporter interface {
	BreakerStates() map[int64]resilience.CircuitState
}

func newRouter(env *collectorEnv, breakers breakerReporter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := env.Store.Ping(req.Context()); err != nil {
			writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
		writeJSONStatus(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		snap, alerts, err := env.Checker.Inspect(req.Context())
		if err != nil {
			writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		states := make(map[string]string)
		if breakers != nil {
			for id, s := range breakers.BreakerStates() {
				states[strconv.FormatInt(id, 10)] = s.String()
			}
		}
		writeJSONStatus(w, http.StatusOK, map[string]any{
			"snapshot": snap,
			"alerts":   alerts,
			"breakers": states,
		})
	})

	return r
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().String("fixtures", "", "directory of YAML discovery fixtures (forces fixture mode)")
	rootCmd.AddCommand(serveCmd)
}
