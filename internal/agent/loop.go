// File: internal/agent/loop.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

// TaskRecorder stores task session lifecycle records. Failures are logged and
// never affect the task.
type TaskRecorder interface {
	RecordTask(ctx context.Context, session TaskSession) error
}

// LoopConfig bounds a task session.
type LoopConfig struct {
	MaxSteps int
}

// TaskLoop pulls commands from the intake and drives each one through
// perceive, decide and act until Done, a decision failure, or the step budget.
type TaskLoop struct {
	cfg        LoopConfig
	intake     *CommandIntake
	decision   *DecisionClient
	executor   *Executor
	perception *PerceptionEncoder
	worker     *PageWorker
	bus        *EventBus
	recorder   TaskRecorder
	metrics    *observability.Metrics
	logger     *zap.Logger

	newID func() string
	now   func() time.Time
}

// LoopDeps groups the collaborators of a TaskLoop.
type LoopDeps struct {
	Intake     *CommandIntake
	Decision   *DecisionClient
	Executor   *Executor
	Perception *PerceptionEncoder
	Worker     *PageWorker
	Bus        *EventBus
	// Recorder and Metrics are optional.
	Recorder TaskRecorder
	Metrics  *observability.Metrics
}

// NewTaskLoop assembles a loop.
func NewTaskLoop(cfg LoopConfig, deps LoopDeps, logger *zap.Logger) *TaskLoop {
	return &TaskLoop{
		cfg:        cfg,
		intake:     deps.Intake,
		decision:   deps.Decision,
		executor:   deps.Executor,
		perception: deps.Perception,
		worker:     deps.Worker,
		bus:        deps.Bus,
		recorder:   deps.Recorder,
		metrics:    deps.Metrics,
		logger:     logger.Named("task_loop"),
		newID:      func() string { return uuid.New().String() },
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run serves commands one at a time until ctx is cancelled.
func (l *TaskLoop) Run(ctx context.Context) error {
	l.logger.Info("Task loop ready", zap.Int("max_steps", l.cfg.MaxSteps))
	for {
		command, err := l.intake.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				l.logger.Info("Task loop stopping")
				return nil
			}
			return err
		}
		l.RunTask(ctx, command)
		if ctx.Err() != nil {
			l.logger.Info("Task loop stopping after current task")
			return nil
		}
	}
}

// RunTask executes a single task session and returns its final record.
func (l *TaskLoop) RunTask(ctx context.Context, command string) TaskSession {
	session := TaskSession{
		ID:        l.newID(),
		Command:   command,
		Outcome:   OutcomeRunning,
		StartedAt: l.now(),
	}
	logger := l.logger.With(zap.String("task_id", session.ID))
	logger.Info("Starting task", zap.String("command", command))
	l.record(ctx, session)
	l.metrics.TaskStarted()

	if err := l.decision.StartTask(command); err != nil {
		logger.Warn("Task turn not persisted", zap.Error(err))
	}
	if err := l.worker.NewPage(ctx); err != nil {
		logger.Warn("Failed to open new tab for task", zap.Error(err))
	}

	for {
		if session.Steps >= l.cfg.MaxSteps {
			logger.Warn("Step limit reached", zap.Int("steps", session.Steps), zap.Error(ErrStepBudgetExhausted))
			session.Outcome = OutcomeBudgetExhausted
			session.Error = fmt.Sprintf("Reached maximum step limit (%d)", l.cfg.MaxSteps)
			l.publish(session.ID, Event{Kind: EventTaskError, Message: session.Error})
			break
		}

		logger.Debug("Asking decision service for next step")
		l.publish(session.ID, Event{Kind: EventThinking})

		decideStart := time.Now()
		action, err := l.decision.Decide(ctx)
		l.metrics.ObserveDecision(time.Since(decideStart), err)
		if err != nil {
			logger.Error("Decision failed", zap.Error(err))
			session.Outcome = OutcomeFailed
			session.Error = err.Error()
			l.publish(session.ID, Event{Kind: EventTaskError, Message: session.Error})
			break
		}

		session.Steps++

		if action.IsTerminal() {
			logger.Info("Task complete", zap.String("summary", action.Summary), zap.Int("steps", session.Steps))
			session.Outcome = OutcomeCompleted
			session.Summary = action.Summary
			l.publish(session.ID, Event{Kind: EventTaskComplete, Summary: action.Summary})
			break
		}

		if action.Type == ActionNewTab {
			if err := l.worker.NewPage(ctx); err != nil {
				logger.Warn("Failed to open new tab", zap.Error(err))
			}
		}

		step := StepRecord{Number: session.Steps, Description: action.Describe()}
		logger.Info("Executing step", zap.Int("step", step.Number), zap.String("action", step.Description))
		l.publish(session.ID, Event{Kind: EventStep, Step: &step})

		state := l.act(ctx, action)
		l.metrics.StepExecuted(string(action.Type), state.Error != "")
		if state.Error != "" {
			logger.Warn("Step failed", zap.Int("step", step.Number), zap.String("error", state.Error))
			l.publish(session.ID, Event{Kind: EventStepError, Message: state.Error})
		}

		if err := l.decision.Observe(state); err != nil {
			logger.Warn("Observation not persisted", zap.Error(err))
		}
	}

	ended := l.now()
	session.EndedAt = &ended
	l.metrics.TaskFinished(string(session.Outcome), ended.Sub(session.StartedAt))
	l.publish(session.ID, Event{Kind: EventReady})
	l.record(context.WithoutCancel(ctx), session)
	return session
}

// act applies the action on the worker and captures the resulting page state.
// Capture failures fall back to placeholder values.
func (l *TaskLoop) act(ctx context.Context, action Action) PageState {
	state := PageState{URL: "unknown", Title: "untitled"}
	err := l.worker.Do(ctx, func(ctx context.Context, s browser.Session) error {
		page := s.Page()
		ext, actErr := l.executor.Apply(ctx, page, action)
		if actErr != nil {
			state.Error = actErr.Error()
		}
		if ext != nil {
			state.Extractions = append(state.Extractions, *ext)
		}

		if url, err := page.CurrentURL(ctx); err == nil {
			state.URL = url
		}
		if title, err := page.CurrentTitle(ctx); err == nil {
			state.Title = title
		}
		if snap, err := l.perception.Snapshot(ctx, page); err == nil {
			state.DOMSnapshot = snap
		} else {
			l.logger.Debug("DOM snapshot failed", zap.Error(err))
		}
		return nil
	})
	if err != nil && state.Error == "" {
		state.Error = err.Error()
	}
	return state
}

func (l *TaskLoop) publish(taskID string, ev Event) {
	ev.TaskID = taskID
	l.bus.Publish(ev)
}

func (l *TaskLoop) record(ctx context.Context, session TaskSession) {
	if l.recorder == nil {
		return
	}
	if err := l.recorder.RecordTask(ctx, session); err != nil {
		l.logger.Warn("Failed to record task session", zap.String("task_id", session.ID), zap.Error(err))
	}
}
