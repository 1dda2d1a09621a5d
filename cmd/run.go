package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task>",
		Short: "Run a single task and print its progress",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.TrimSpace(strings.Join(args, " "))
			if command == "" {
				return agent.ErrEmptyCommand
			}
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			rt, err := buildRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			session := runSingleTask(cmd.Context(), rt, command, cmd.OutOrStdout())
			if session.Outcome != agent.OutcomeCompleted {
				return fmt.Errorf("task %s: %s", session.Outcome, session.Error)
			}
			return nil
		},
	}
}

// runSingleTask starts the worker, runs one task and streams its events to out.
func runSingleTask(ctx context.Context, rt *agentRuntime, command string, out io.Writer) agent.TaskSession {
	events, unsubscribe := rt.Bus.Subscribe(256)

	var printer sync.WaitGroup
	printer.Add(1)
	go func() {
		defer printer.Done()
		for ev := range events {
			fmt.Fprintln(out, formatEvent(ev))
			if ev.Kind == agent.EventReady {
				return
			}
		}
	}()

	workerCtx, stopWorker := context.WithCancel(context.Background())
	var worker sync.WaitGroup
	worker.Add(1)
	go func() {
		defer worker.Done()
		rt.Worker.Run(workerCtx)
	}()

	session := rt.Loop.RunTask(ctx, command)

	// Buffered events are still delivered after the channel is closed.
	unsubscribe()
	printer.Wait()
	stopWorker()
	worker.Wait()
	return session
}

func formatEvent(ev agent.Event) string {
	switch ev.Kind {
	case agent.EventThinking:
		return "... thinking"
	case agent.EventStep:
		return fmt.Sprintf("[%d] %s", ev.Step.Number, ev.Step.Description)
	case agent.EventStepError:
		return "    error: " + ev.Message
	case agent.EventTaskComplete:
		return "done: " + ev.Summary
	case agent.EventTaskError:
		return "failed: " + ev.Message
	case agent.EventReady:
		return "ready"
	default:
		return string(ev.Kind)
	}
}
