package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/xaenox/helpdesk/internal/models"
	"github.com/xaenox/helpdesk/internal/pipeline"
	"github.com/xaenox/helpdesk/pkg/config"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		a          *app
	)

	root := &cobra.Command{
		Use:   "helpdesk",
		Short: "Classify, reclassify and route helpdesk threads",
		Long: `helpdesk tags support threads with problem categories, creating new
categories when nothing fits, and either answers a thread or hands it to
the next staff member of the owning team.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			a, err = newApp(cfg, logger)
			if err != nil {
				logger.Error("Failed to start", zap.Error(err))
				return err
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a == nil {
				return nil
			}
			defer a.logger.Sync()
			return a.Close()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config.yaml")

	appRef := func() *app { return a }
	root.AddCommand(
		newMigrateCmd(appRef),
		newClassifyCmd(appRef),
		newReclassifyAllCmd(appRef),
		newEscalateCmd(appRef),
		newBatchCmd(appRef),
		newWorkerCmd(appRef),
	)
	return root
}

func defaultConfigPath() string {
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

func newMigrateCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// opening the storage applies pending migrations
			getApp().logger.Info("Schema is up to date", zap.String("driver", getApp().cfg.Database.Driver))
			return nil
		},
	}
}

func newClassifyCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "classify [thread-id]",
		Short: "Tag one thread with a category, creating one if nothing fits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			outcome, err := a.orchestrator.ClassifyOne(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			thread, err := a.store.GetThread(cmd.Context(), args[0])
			if err != nil && !errors.Is(err, models.ErrThreadNotFound) {
				return err
			}
			result := map[string]any{"thread_id": args[0], "outcome": outcome}
			if thread != nil {
				result["category_id"] = thread.CategoryID
			}
			return printJSON(cmd, result)
		},
	}
}

func newReclassifyAllCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reclassify-all",
		Short: "Reclassify every thread against the current categories",
		Long: `Fans out one reclassification per thread and waits for all of them.
Threads that no longer match any category lose their category; no new
categories are created.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			var batchID string
			err := a.withRunner(cmd.Context(), func(ctx context.Context) error {
				report, err := a.orchestrator.ReclassifyAll(ctx)
				if err != nil {
					return err
				}
				batchID = report.ID
				return nil
			})
			if err != nil {
				return err
			}
			report, err := a.orchestrator.BatchStatus(cmd.Context(), batchID)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func newEscalateCmd(getApp func() *app) *cobra.Command {
	var attemptKey string
	cmd := &cobra.Command{
		Use:   "escalate [thread-id]",
		Short: "Draft a reply for a thread or assign it to staff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if attemptKey == "" {
				attemptKey = uuid.NewString()
			}
			outcome, err := getApp().orchestrator.ReplyOrEscalate(cmd.Context(), args[0], attemptKey)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"thread_id":   args[0],
				"attempt_key": attemptKey,
				"outcome":     outcome,
			})
		},
	}
	cmd.Flags().StringVar(&attemptKey, "attempt-key", "", "Reuse a previous attempt key so retried replies are not duplicated")
	return cmd
}

func newBatchCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "batch [batch-id]",
		Short: "Show the counts of a reclassification batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := getApp().orchestrator.BatchStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func newWorkerCmd(getApp func() *app) *cobra.Command {
	var (
		poll  time.Duration
		reply bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Keep tagging new threads until interrupted",
		Long: `Polls for uncategorized threads and sends them through classification.
With --reply every open, unassigned thread goes through reply-or-escalate
instead, which tags it first when needed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			a.logger.Info("Worker started", zap.Duration("poll", poll), zap.Bool("reply", reply))
			ticker := time.NewTicker(poll)
			defer ticker.Stop()

			for {
				err := a.withRunner(cmd.Context(), func(ctx context.Context) error {
					_, err := a.enqueuePending(ctx, reply)
					return err
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}

				select {
				case <-cmd.Context().Done():
					a.logger.Info("Worker stopped")
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&poll, "poll", 30*time.Second, "How often to look for new threads")
	cmd.Flags().BoolVar(&reply, "reply", false, "Reply to or escalate open, unassigned threads")
	return cmd
}

// withRunner processes events while fn runs and until every event fn
// caused has finished.
func (a *app) withRunner(ctx context.Context, fn func(ctx context.Context) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.runner.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	if err := fn(ctx); err != nil {
		return err
	}
	return a.runner.Drain(ctx)
}

// enqueuePending sends an event for every thread that needs work and
// returns how many it sent. Threads without messages are left alone, they
// would fail the same way on every poll.
func (a *app) enqueuePending(ctx context.Context, reply bool) (int, error) {
	refs, err := a.store.ListThreadRefs(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, ref := range refs {
		if !reply && ref.CategoryID != nil {
			continue
		}
		thread, err := a.store.GetThread(ctx, ref.ID)
		if errors.Is(err, models.ErrThreadNotFound) {
			continue
		}
		if err != nil {
			return sent, err
		}
		latest := thread.LatestMessage()
		if latest == nil {
			continue
		}

		event := pipeline.EventThreadCreated
		if reply {
			// a thread whose last word is ours is waiting on the customer
			if thread.Status != models.StatusOpen || thread.AssignedStaffID != nil || latest.Type == models.AIMessage {
				continue
			}
			event = pipeline.EventReplyOrEscalate
		}
		if _, err := a.runner.Send(ctx, event, pipeline.ThreadPayload{ThreadID: ref.ID}); err != nil {
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		a.logger.Info("Enqueued threads", zap.Int("count", sent), zap.Bool("reply", reply))
	}
	return sent, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
