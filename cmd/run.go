// File: cmd/run.go
package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/retrace-cli/api/schemas"
	"github.com/xkilldash9x/retrace-cli/internal/grounding"
	"github.com/xkilldash9x/retrace-cli/internal/observability"
	"github.com/xkilldash9x/retrace-cli/internal/screen"
	"github.com/xkilldash9x/retrace-cli/internal/session"
	"github.com/xkilldash9x/retrace-cli/internal/trace"
)

var (
	runTask      string
	runTraceID   string
	runMaxSteps  int
	runScreen    int
	runServerURL string
)

// runCmd executes a single task synchronously, without the daemon: load the
// trace, bind the screen, walk the loop, print progress, exit with the
// session's outcome.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one task from the command line and wait for it to finish.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tr, err := trace.NewStore(cfg.Trace.Dir, logger).Load(runTraceID)
		if err != nil {
			return err
		}

		gcfg := cfg.Grounding
		if runServerURL != "" {
			gcfg.Endpoint = runServerURL
		}
		grounder, err := grounding.NewClient(gcfg, logger)
		if err != nil {
			return err
		}

		scr, err := screen.NewCDPScreen(ctx, cfg.Screen, logger)
		if err != nil {
			return err
		}
		defer scr.Close()

		maxSteps := runMaxSteps
		if maxSteps <= 0 {
			maxSteps = cfg.Session.DefaultMaxSteps
		}

		sess := session.New(session.Params{
			Task:           runTask,
			Trace:          tr,
			SelectedScreen: runScreen,
			MaxSteps:       maxSteps,
			ServerEndpoint: gcfg.Endpoint,
			Config:         cfg.Session,
			Screen:         scr,
			Grounder:       grounder,
			Logger:         logger,
			Events: func(ev schemas.ProgressEvent) {
				if ev.StepIdx > 0 {
					fmt.Printf("%-16s step=%d %s\n", ev.Type, ev.StepIdx, ev.Message)
				} else {
					fmt.Printf("%-16s %s\n", ev.Type, ev.Message)
				}
			},
		})
		if err := sess.Start(ctx); err != nil {
			return err
		}
		<-sess.Done()

		snap := sess.Snapshot()
		logger.Info("Run finished",
			zap.String("status", string(snap.Status)),
			zap.Int("steps_executed", snap.CurrentStepIdx),
			zap.Int("history_entries", len(snap.History)))
		fmt.Printf("Session %s: %s (%d steps executed)\n", snap.ID, snap.Status, snap.CurrentStepIdx)

		if snap.Status == schemas.StatusFailed {
			return fmt.Errorf("session failed: %s", snap.LastError)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runTask, "task", "", "task description (required)")
	runCmd.Flags().StringVar(&runTraceID, "trace-id", "", "identifier of the recorded trace (required)")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "step budget; 0 uses the configured default")
	runCmd.Flags().IntVar(&runScreen, "screen", 0, "target display identifier")
	runCmd.Flags().StringVar(&runServerURL, "server-url", "", "override the grounding service endpoint")
	runCmd.MarkFlagRequired("task")
	runCmd.MarkFlagRequired("trace-id")
	rootCmd.AddCommand(runCmd)
}
