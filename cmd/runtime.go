package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/store"
)

// agentRuntime holds everything a running agent needs.
type agentRuntime struct {
	Session  browser.Session
	Worker   *agent.PageWorker
	Bus      *agent.EventBus
	Intake   *agent.CommandIntake
	Journal  store.Journal
	Loop     *agent.TaskLoop
	Decision *agent.DecisionClient
	Registry *prometheus.Registry

	logger *zap.Logger
}

// Browser sessions and LLM clients are swapped in tests.
var (
	openBrowser = func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (browser.Session, error) {
		return browser.Open(ctx, cfg, logger)
	}
	newChatClient = llmclient.NewClient
)

// buildRuntime opens the journal, the decision backend and the browser, and
// assembles the task loop around them.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*agentRuntime, error) {
	rt := &agentRuntime{
		Bus:      agent.NewEventBus(logger),
		Intake:   agent.NewCommandIntake(),
		Registry: prometheus.NewRegistry(),
		logger:   logger,
	}
	metrics, err := rt.registerMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	journal, err := store.Open(ctx, cfg.Journal, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open task journal: %w", err)
	}
	rt.Journal = journal

	llm, err := newChatClient(ctx, cfg.Agent.LLM, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to initialize decision service client: %w", err)
	}

	conversation := agent.NewConversationStore(cfg.Agent.MemoryPath, agent.SystemPrompt, logger)
	if err := conversation.Load(); err != nil {
		rt.Close()
		return nil, err
	}
	rt.Decision = agent.NewDecisionClient(conversation, llm, agent.DecisionConfig{
		Temperature:          cfg.Agent.LLM.Temperature,
		ContextWindow:        cfg.Agent.ContextWindow,
		HistoryWarnThreshold: cfg.Agent.HistoryWarnThreshold,
		RequestsPerMinute:    cfg.Agent.LLM.RequestsPerMinute,
	}, logger)

	session, err := openBrowser(ctx, cfg.Browser, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	rt.Session = session
	rt.Worker = agent.NewPageWorker(session, logger)

	executor := agent.NewExecutor(agent.ExecutorConfig{
		NavigateSettle:    cfg.Agent.Settle.Navigate,
		ClickSettle:       cfg.Agent.Settle.Click,
		KeySettle:         cfg.Agent.Settle.Key,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		ExtractMaxChars:   cfg.Agent.ExtractMaxChars,
	}, logger)

	rt.Loop = agent.NewTaskLoop(agent.LoopConfig{MaxSteps: cfg.Agent.MaxSteps}, agent.LoopDeps{
		Intake:     rt.Intake,
		Decision:   rt.Decision,
		Executor:   executor,
		Perception: agent.NewPerceptionEncoder(cfg.Agent.SnapshotMaxChars),
		Worker:     rt.Worker,
		Bus:        rt.Bus,
		Recorder:   store.Recorder{Journal: journal},
		Metrics:    metrics,
	}, logger)

	return rt, nil
}

func (rt *agentRuntime) registerMetrics() (*observability.Metrics, error) {
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "webpilot",
			Name:      "events_dropped_total",
			Help:      "Events not delivered to a subscriber whose buffer was full.",
		}, func() float64 { return float64(rt.Bus.Dropped()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "webpilot",
			Name:      "event_subscribers",
			Help:      "Current event bus subscribers.",
		}, func() float64 { return float64(rt.Bus.SubscriberCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "webpilot",
			Name:      "command_pending",
			Help:      "1 when a command is waiting in the intake slot.",
		}, func() float64 {
			if rt.Intake.Pending() {
				return 1
			}
			return 0
		}),
	)
	return observability.NewMetrics(rt.Registry)
}

// Close releases the browser and the journal and closes the event bus.
// Stop the worker and the loop first.
func (rt *agentRuntime) Close() error {
	var errs []error
	rt.Bus.Close()
	if rt.Session != nil {
		if err := rt.Session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	if rt.Journal != nil {
		if err := rt.Journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		rt.logger.Warn("Errors during shutdown", zap.Error(err))
	}
	return err
}
