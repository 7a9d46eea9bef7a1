// -- cmd/run.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
	"github.com/xkilldash9x/waypoint-cli/internal/config"
	"github.com/xkilldash9x/waypoint-cli/internal/executor"
	"github.com/xkilldash9x/waypoint-cli/internal/learner"
	"github.com/xkilldash9x/waypoint-cli/internal/observability"
	"github.com/xkilldash9x/waypoint-cli/internal/oracle"
	"github.com/xkilldash9x/waypoint-cli/internal/orchestrator"
	"github.com/xkilldash9x/waypoint-cli/internal/scheduler"
	"github.com/xkilldash9x/waypoint-cli/internal/store"
	"github.com/xkilldash9x/waypoint-cli/internal/verifier"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// taskSpec is the input shape of one task in a --tasks batch file.
type taskSpec struct {
	Goal     string `json:"goal"`
	EntryURL string `json:"entry_url"`
	MaxSteps int    `json:"max_steps,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Executes one or more web tasks and reports verified outcomes",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind override flags to their viper keys so the usual precedence
			// (flags over env over file over defaults) holds.
			if err := bindFlag(cmd, "orchestrator.max_steps", "max-steps"); err != nil {
				return err
			}
			if err := bindFlag(cmd, "scheduler.max_concurrent", "concurrency"); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-unmarshal so the flag overrides bound in PreRunE take effect.
			if err := viper.Unmarshal(cfg); err != nil {
				return fmt.Errorf("failed to re-unmarshal config with flag overrides: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			tasks, err := collectTasks(cmd, args)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				return errors.New("nothing to run: provide a goal with --url, or a --tasks file")
			}

			components, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			ids := make([]string, 0, len(tasks))
			for _, task := range tasks {
				id, err := components.Scheduler.Submit(task)
				if err != nil {
					return fmt.Errorf("failed to submit task %q: %w", task.Goal, err)
				}
				ids = append(ids, id)
			}

			results := make(map[string]schemas.VerificationResult, len(ids))
			failures := make(map[string]error, len(ids))
			for _, id := range ids {
				res, werr := components.Scheduler.Wait(ctx, id)
				if werr != nil && errors.Is(werr, context.Canceled) {
					logger.Warn("Run aborted by signal; draining remaining tasks.")
					break
				}
				results[id] = res
				failures[id] = werr
			}

			printSummary(components.Scheduler, ids, results, failures)

			for _, id := range ids {
				if ferr := failures[id]; ferr != nil {
					return fmt.Errorf("one or more tasks did not complete cleanly")
				}
				if results[id].Status == schemas.VerificationFailure {
					return fmt.Errorf("one or more tasks failed verification")
				}
			}
			return nil
		},
	}

	runCmd.Flags().StringP("url", "u", "", "Entry URL for the single-goal form.")
	runCmd.Flags().StringP("tasks", "t", "", "Path to a JSON file with a list of tasks to run.")
	runCmd.Flags().IntP("max-steps", "s", 0, "Maximum orchestration steps per task. (Overrides config/env)")
	runCmd.Flags().IntP("concurrency", "j", 0, "Number of tasks executed concurrently. (Overrides config/env)")
	runCmd.Flags().Duration("timeout", 0, "Per-task wall-clock budget. (Overrides config/env)")

	return runCmd
}

// collectTasks resolves the command's inputs into task submissions: either
// one goal from the arguments or a batch from the --tasks file.
func collectTasks(cmd *cobra.Command, args []string) ([]schemas.Task, error) {
	tasksFile := viper.GetString("tasks")
	timeout := viper.GetDuration("timeout")

	if tasksFile != "" {
		raw, err := os.ReadFile(tasksFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read tasks file: %w", err)
		}
		var specs []taskSpec
		if err := json.Unmarshal(raw, &specs); err != nil {
			return nil, fmt.Errorf("failed to parse tasks file: %w", err)
		}
		tasks := make([]schemas.Task, 0, len(specs))
		for i, s := range specs {
			if s.Goal == "" || s.EntryURL == "" {
				return nil, fmt.Errorf("task %d in %s is missing a goal or entry_url", i, tasksFile)
			}
			t := schemas.Task{Goal: s.Goal, EntryURL: s.EntryURL, MaxSteps: s.MaxSteps, Timeout: timeout}
			if s.Timeout != "" {
				d, err := time.ParseDuration(s.Timeout)
				if err != nil {
					return nil, fmt.Errorf("task %d in %s has an invalid timeout: %w", i, tasksFile, err)
				}
				t.Timeout = d
			}
			tasks = append(tasks, t)
		}
		return tasks, nil
	}

	if len(args) == 1 {
		url := viper.GetString("url")
		if url == "" {
			return nil, errors.New("--url is required when running a single goal")
		}
		return []schemas.Task{{Goal: args[0], EntryURL: url, Timeout: timeout}}, nil
	}
	return nil, nil
}

// printSummary writes the per-task result table to stdout.
func printSummary(sched *scheduler.Scheduler, ids []string, results map[string]schemas.VerificationResult, failures map[string]error) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nTASK\tSTATUS\tSCORE\tVERDICT\tGOAL")
	for _, id := range ids {
		task, err := sched.Status(id)
		if err != nil {
			continue
		}
		res := results[id]
		verdict := string(res.Status)
		if res.Status == "" {
			verdict = "-"
		}
		score := "-"
		if !res.ComputedAt.IsZero() {
			score = fmt.Sprintf("%d/100", res.Score)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortID(id), task.Status, score, verdict, task.Goal)
		if ferr := failures[id]; ferr != nil && !errors.Is(ferr, context.Canceled) {
			fmt.Fprintf(w, "\t\t\t\taborted: %v\n", ferr)
		}
	}
	w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// components holds the initialized services for a run.
type components struct {
	Store     store.KnowledgeStore
	Scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// Shutdown drains the scheduler and closes the store.
func (c *components) Shutdown() {
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Scheduler.Shutdown(drainCtx); err != nil {
		c.logger.Warn("Scheduler drain incomplete", zap.Error(err))
	}
	c.Store.Close()
}

// initializeComponents handles dependency injection for the run command.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	knowledge, err := store.NewFromConfig(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize knowledge store: %w", err)
	}

	gemini, err := oracle.NewGeminiOracle(ctx, cfg.Oracle, logger)
	if err != nil {
		knowledge.Close()
		return nil, fmt.Errorf("failed to initialize decision oracle: %w", err)
	}
	decide := oracle.NewRateLimited(gemini, cfg.Oracle.RequestsPerMinute)

	sessionFactory := executor.Factory(func(sessionCtx context.Context) (executor.Executor, error) {
		return executor.NewBrowserSession(sessionCtx, cfg.Browser, logger)
	})

	learn := learner.New(cfg.Learner, knowledge, logger)
	verify := verifier.New(cfg.Verifier)

	orch := orchestrator.New(
		cfg.Orchestrator,
		cfg.Detector,
		cfg.Oracle,
		sessionFactory,
		decide,
		verify,
		learn,
		logger,
	)

	return &components{
		Store:     knowledge,
		Scheduler: scheduler.New(cfg.Scheduler, orch, logger),
		logger:    logger,
	}, nil
}
