// Package main provides the lawyerfactory binary entry point.
// LawyerFactory runs a phase-gated legal drafting pipeline: agent tasks
// flow through intake, outline, research, drafting, review, editing, and
// post-production, and the compiler assembles the filing packet.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/lawyerfactory/lawyerfactory/llm/providers"

	"github.com/lawyerfactory/lawyerfactory/compile"
	"github.com/lawyerfactory/lawyerfactory/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "lawyerfactory"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-agent legal document pipeline",
		Long: `LawyerFactory drives a team of drafting agents through a fixed
phase pipeline (intake, outline, research, drafting, legal review,
editing, orchestration, post-production) and compiles their output
into a court-ready filing packet.

Workflow state is persisted after every task, so a run can be
stopped and resumed at any point.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd(&configPath, &logLevel))
	cmd.AddCommand(statusCmd(&configPath, &logLevel))
	cmd.AddCommand(sessionsCmd(&configPath, &logLevel))
	cmd.AddCommand(compileCmd(&configPath, &logLevel))
	cmd.AddCommand(watchCmd(&configPath, &logLevel))
	cmd.AddCommand(approveCmd(&configPath, &logLevel))
	cmd.AddCommand(pauseCmd(&configPath, &logLevel))
	cmd.AddCommand(resumeCmd(&configPath, &logLevel))

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func runCmd(configPath, logLevel *string) *cobra.Command {
	var (
		sessionID    string
		caseName     string
		caseID       string
		jurisdiction string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start or resume a workflow session and run it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("--session is required")
			}

			app, err := newApp(*configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, err := app.Store.Load(ctx, sessionID); err != nil {
				if caseName == "" {
					return fmt.Errorf("--case is required for a new session")
				}
				initialContext := map[string]any{}
				if caseID != "" {
					initialContext[workflow.ContextKeyCaseID] = caseID
				}
				if jurisdiction != "" {
					initialContext[workflow.ContextKeyJurisdiction] = jurisdiction
				}
				if _, err := app.Engine.StartWorkflow(ctx, sessionID, caseName, initialContext); err != nil {
					return fmt.Errorf("start workflow: %w", err)
				}
				app.Logger.Info("Session created", "session_id", sessionID, "case_name", caseName)
			}

			if err := app.Engine.Run(ctx, sessionID); err != nil {
				return fmt.Errorf("run workflow: %w", err)
			}

			status, err := app.Engine.WorkflowStatus(ctx, sessionID)
			if err != nil {
				return err
			}
			printStatus(cmd, status)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session id (lowercase, digits, hyphens)")
	cmd.Flags().StringVar(&caseName, "case", "", "Case name, required when creating a session")
	cmd.Flags().StringVar(&caseID, "case-id", "", "Court case number")
	cmd.Flags().StringVar(&jurisdiction, "jurisdiction", "", "Jurisdiction (e.g. California)")
	return cmd
}

func statusCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session>",
		Short: "Print the phase and task breakdown of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Close()

			status, err := app.Engine.WorkflowStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStatus(cmd, status)
			return nil
		},
	}
}

func sessionsCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List workflow sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Close()

			summaries, err := app.Store.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				cmd.Println("No sessions found.")
				return nil
			}
			for _, s := range summaries {
				cmd.Printf("%-24s %-28s %-16s %-10s %d/%d tasks done\n",
					s.SessionID, s.CaseName, s.CurrentPhase, s.OverallStatus,
					s.TaskCounts.Completed, s.TaskCounts.Total)
			}
			return nil
		},
	}
}

func compileCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "compile <session>",
		Short: "Compile a session's phase outputs into the filing packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Close()

			st, err := app.Store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			meta := compile.CaseMetadata{CaseName: st.CaseName}
			meta.CaseID, _ = st.GlobalContext[workflow.ContextKeyCaseID].(string)
			meta.Jurisdiction, _ = st.GlobalContext[workflow.ContextKeyJurisdiction].(string)

			result, err := app.Compiler.Compile(cmd.Context(), meta, compile.PhaseResultsFromState(st), st.GlobalContext)
			if err != nil {
				return err
			}

			cmd.Printf("Compiled %d deliverables (validation passed: %t, overall score: %.2f)\n",
				len(result.Deliverables), result.Validation.Passed, result.Quality.OverallScore)
			for _, issue := range result.Validation.Issues {
				cmd.Printf("  issue: %s\n", issue)
			}
			for _, e := range result.Errors {
				cmd.Printf("  error: %s\n", e)
			}
			for _, f := range result.ExportedFiles {
				cmd.Printf("  wrote %s\n", f)
			}
			if result.BundlePath != "" {
				cmd.Printf("  bundle %s\n", result.BundlePath)
			}
			return nil
		},
	}
}

func watchCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the session directory and report state changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Close()

			watcher, err := app.NewWatcher()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := watcher.Start(ctx); err != nil {
				return err
			}
			defer watcher.Stop()

			for event := range watcher.Events() {
				if event.Removed {
					cmd.Printf("session removed: %s\n", event.SessionID)
					continue
				}
				status, err := app.Engine.WorkflowStatus(ctx, event.SessionID)
				if err != nil {
					cmd.Printf("session changed: %s (status unavailable: %v)\n", event.SessionID, err)
					continue
				}
				cmd.Printf("session %s: phase=%s status=%s tasks %d/%d\n",
					status.SessionID, status.CurrentPhase, status.OverallStatus,
					status.TaskCounts.Completed, status.TaskCounts.Total)
			}
			return nil
		},
	}
}

func approveCmd(configPath, logLevel *string) *cobra.Command {
	var approver string

	cmd := &cobra.Command{
		Use:   "approve <session> <task>",
		Short: "Approve a task gated on human review",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Engine.ApproveTask(cmd.Context(), args[0], args[1], approver); err != nil {
				return err
			}
			cmd.Printf("approved %s\n", args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&approver, "by", "", "Name of the approving reviewer")
	return cmd
}

func pauseCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <session>",
		Short: "Request a cooperative stop of a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Engine.Pause(cmd.Context(), args[0])
		},
	}
}

func resumeCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session>",
		Short: "Return a paused workflow to running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Engine.Resume(cmd.Context(), args[0])
		},
	}
}

// printStatus renders a workflow status report.
func printStatus(cmd *cobra.Command, status any) {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		cmd.PrintErrf("render status: %v\n", err)
		return
	}
	cmd.Println(string(data))
}
