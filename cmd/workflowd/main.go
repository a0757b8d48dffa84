// Package main is the entry point for workflowd.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/researchflow/internal/buildinfo"
	"github.com/nugget/researchflow/internal/config"
	"github.com/nugget/researchflow/internal/email"
	"github.com/nugget/researchflow/internal/events"
	"github.com/nugget/researchflow/internal/inbound"
	"github.com/nugget/researchflow/internal/notify"
	"github.com/nugget/researchflow/internal/opstate"
	"github.com/nugget/researchflow/internal/scheduler"
	"github.com/nugget/researchflow/internal/workflow"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("workflowd - durable event-driven research task orchestrator")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Run the orchestrator loop and maintenance scheduler")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting workflowd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"store", cfg.Store.Path,
		"schemas_dir", cfg.SchemasDir,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	schemas, err := workflow.LoadDir(cfg.SchemasDir)
	if err != nil {
		logger.Error("failed to load schemas", "dir", cfg.SchemasDir, "error", err)
		os.Exit(1)
	}

	store, err := workflow.NewStore(cfg.Store.Path, schemas)
	if err != nil {
		logger.Error("failed to open event store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("event store opened", "path", cfg.Store.Path)

	bus := events.New()

	manager := email.NewManager(cfg.Email, logger)
	defer manager.Close()

	mailer := notify.NewMailer(manager, store, logger.With("component", "mailer"))
	reader := inbound.NewReader(store, logger.With("component", "inbound"))

	handlers := workflow.NewHandlerRegistry()
	handlers.Register("ResearchApprovalRequested", researchApprovalHandler(mailer, bus))

	orchCfg := workflow.OrchestratorConfig{
		BatchSize:   cfg.Orchestrator.BatchSize,
		MaxAttempts: cfg.Orchestrator.MaxAttempts,
		IdleSleep:   cfg.Orchestrator.IdleSleep,
	}
	orch := workflow.NewOrchestrator(store, handlers, mailer, orchCfg, logger.With("component", "orchestrator"))

	opstatePath := cfg.DataDir + "/opstate.db"
	opStore, err := opstate.NewStore(opstatePath)
	if err != nil {
		logger.Error("failed to open opstate store", "path", opstatePath, "error", err)
		os.Exit(1)
	}
	defer opStore.Close()

	poller := email.NewPoller(manager, opStore, reader.Handle, logger.With("component", "poller"))

	schedStore, err := scheduler.NewStore(cfg.DataDir + "/scheduler.db")
	if err != nil {
		logger.Error("failed to open scheduler store", "error", err)
		os.Exit(1)
	}
	defer schedStore.Close()

	sched := scheduler.New(logger.With("component", "scheduler"), schedStore, maintenanceExecutor(poller, orch, bus, cfg.Scheduler.RequeueStaleAfter, logger))
	ensureMaintenanceTasks(sched, cfg.Scheduler, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("orchestrator running")
	if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("orchestrator stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("workflowd stopped")
}

// ensureMaintenanceTasks registers the poll_inbox and requeue_stale
// scheduled jobs if they don't already exist in the scheduler store,
// so a fresh deployment gets them without a separate provisioning step.
func ensureMaintenanceTasks(sched *scheduler.Scheduler, cfg config.SchedulerConfig, logger *slog.Logger) {
	ensureTask(sched, logger, "poll_inbox", scheduler.PayloadPollInbox, cfg.PollInboxInterval)
	ensureTask(sched, logger, "requeue_stale", scheduler.PayloadRequeueStale, cfg.RequeueStaleInterval)
}

func ensureTask(sched *scheduler.Scheduler, logger *slog.Logger, name string, kind scheduler.PayloadKind, interval time.Duration) {
	existing, err := sched.GetTaskByName(name)
	if err == nil && existing != nil {
		return
	}
	task := &scheduler.Task{
		Name:    name,
		Enabled: true,
		Schedule: scheduler.Schedule{
			Kind:  scheduler.ScheduleEvery,
			Every: &scheduler.Duration{Duration: interval},
		},
		Payload:   scheduler.Payload{Kind: kind},
		CreatedBy: "workflowd",
	}
	if err := sched.CreateTask(task); err != nil {
		logger.Error("failed to create maintenance task", "name", name, "error", err)
		return
	}
	logger.Info("maintenance task scheduled", "name", name, "interval", interval)
}

// maintenanceExecutor dispatches scheduler.Task payloads to the
// poll_inbox and requeue_stale maintenance jobs (§9). It is the only
// place those two concerns are wired to a schedule; the orchestrator's
// own Run loop never calls either.
func maintenanceExecutor(poller *email.Poller, orch *workflow.Orchestrator, bus *events.Bus, staleAfter time.Duration, logger *slog.Logger) scheduler.ExecuteFunc {
	return func(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution) error {
		switch task.Payload.Kind {
		case scheduler.PayloadPollInbox:
			n, err := poller.CheckNewMessages(ctx)
			if err != nil {
				return err
			}
			exec.Result = fmt.Sprintf("%d messages dispatched", n)
			bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceScheduler, Kind: events.KindTaskComplete, Data: map[string]any{"task": task.Name, "dispatched": n}})
			return nil
		case scheduler.PayloadRequeueStale:
			n, err := orch.RequeueStale(staleAfter)
			if err != nil {
				return err
			}
			exec.Result = fmt.Sprintf("%d events requeued", n)
			logger.Info("requeue_stale ran", "requeued", n)
			return nil
		default:
			return fmt.Errorf("unknown maintenance task payload kind %q", task.Payload.Kind)
		}
	}
}

// researchApprovalHandler is an illustrative handler demonstrating the
// WAITING_USER pattern (§4.6): it emails the operator for sign-off and
// suspends the event until a correlated reply resumes it. The content
// of research agents that publish ResearchApprovalRequested events is
// out of scope; this exists so the composition root has a working,
// end-to-end example event type wired through the mailer.
func researchApprovalHandler(mailer *notify.Mailer, bus *events.Bus) workflow.Handler {
	return func(ctx context.Context, event workflow.Event) (workflow.HandlerResult, error) {
		to, _ := event.Payload["approver"].(string)
		summary, _ := event.Payload["summary"].(string)
		if to == "" {
			return workflow.Failed("research approval event missing approver address"), nil
		}

		bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceOrchestrator, Kind: events.KindEventWaitingUser, Data: map[string]any{"event_id": event.EventID, "type": event.Type}})

		return workflow.WaitingUser(event.Payload, workflow.Notification{
			To:      to,
			Subject: "Research task needs your approval",
			Body:    summary,
		}), nil
	}
}
