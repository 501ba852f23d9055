package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"conductor/internal/artifact"
	"conductor/internal/config"
	"conductor/internal/dispatch"
	"conductor/internal/embedding"
	"conductor/internal/graph"
	"conductor/internal/hitl"
	"conductor/internal/logging"
	"conductor/internal/memory"
	"conductor/internal/metrics"
	"conductor/internal/scheduler"
	"conductor/internal/task"
)

var (
	tasksDir    string
	metricsAddr string
	dryRun      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the task set to completion",
	Long: `Loads task definitions, builds the dependency graph, and drives every
task to a terminal state. Exit codes: 0 all tasks DONE, 1 failures,
2 cancelled, 3 load or validation error.`,
	RunE: runTasks,
}

func init() {
	runCmd.Flags().StringVarP(&tasksDir, "tasks", "t", "tasks", "Directory of task definition YAML files")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate and print the plan without executing")
}

func runTasks(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitCode = 3
		return err
	}
	if workspace != "." {
		cfg.Workspace = workspace
	}

	if err := logging.Initialize(cfg.Workspace, logging.Options{
		Debug:      verbose || cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.Format == "json",
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return err
	}
	defer logging.Shutdown()

	loader := &task.Loader{KnownRoles: dispatch.KnownRoles()}
	defs, err := loader.LoadDir(tasksDir)
	if err != nil {
		exitCode = 3
		return fmt.Errorf("task load failed: %w", err)
	}

	dag, err := graph.Build(defs)
	if err != nil {
		exitCode = 3
		return fmt.Errorf("graph build failed: %w", err)
	}

	if dryRun {
		return printPlan(dag)
	}

	stateDir := filepath.Join(cfg.Workspace, ".conductor", "tasks")
	store, err := task.Open(stateDir)
	if err != nil {
		exitCode = 3
		return err
	}
	defer store.Close()
	for _, def := range defs {
		if err := store.Register(def); err != nil {
			exitCode = 3
			return err
		}
	}

	mem, err := openMemoryEngine(cfg)
	if err != nil {
		logger.Warn("memory engine unavailable, running without context retrieval", zap.Error(err))
	}
	if mem != nil {
		defer mem.Close()
	}

	composer, err := dispatch.NewComposer(mem, cfg.Dispatch)
	if err != nil {
		exitCode = 3
		return err
	}

	registry := dispatch.NewRegistry()
	for _, role := range dispatch.Roles {
		if err := registry.RegisterExecutor(role, func(role string) dispatch.Executor {
			return &simulatedExecutor{role: role}
		}); err != nil {
			return err
		}
	}

	tools := dispatch.NewToolRegistry()
	registerBuiltinTools(tools, mem, cfg.Dispatch)

	writer := artifact.NewWriter(store)
	dispatcher := dispatch.NewDispatcher(registry, tools, composer, writer, store, cfg.Dispatch)
	qa := dispatch.NewQAChecker(store)

	history, err := hitl.OpenHistory(filepath.Join(cfg.Workspace, ".conductor", "history"), cfg.HITL.FailureDecayHalfLifeDuration())
	if err != nil {
		logger.Warn("failure history unavailable", zap.Error(err))
	}
	if history != nil {
		defer history.Close()
	}

	review := hitl.NewEngine(store, history, cfg.HITL)

	decisionDir := cfg.HITL.DecisionDir
	if decisionDir == "" {
		decisionDir = filepath.Join(cfg.Workspace, ".conductor", "decisions")
	}
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		if err := hitl.NewDecisionWatcher(review, decisionDir).Run(watchCtx); err != nil && watchCtx.Err() == nil {
			logger.Warn("decision watcher stopped", zap.Error(err))
		}
	}()

	sched := scheduler.New(store, dag, dispatcher, qa, review, history, cfg.Scheduler)

	var memSource metrics.MemorySource
	if mem != nil {
		memSource = mem
	}
	emitter := metrics.NewEmitter(store, sched, review, memSource)
	emitter.SetReviewItemLookup(func(id string) (string, bool) {
		item, ok := review.Item(id)
		return string(item.State), ok
	})
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := reg.Register(metrics.NewCollector(emitter)); err != nil {
			return err
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		s, ok := <-sig
		if !ok {
			return
		}
		logger.Info("signal received, draining", zap.String("signal", s.String()))
		cancel()
	}()

	exitCode = sched.Run(ctx)

	snap := emitter.Snapshot()
	logger.Info("run finished",
		zap.Int("exit_code", exitCode),
		zap.Int("done", snap.Global.Done),
		zap.Int("failed", snap.Global.Failed),
		zap.Int("cancelled", snap.Global.Cancelled),
		zap.Float64("health", snap.Global.HealthScore))
	return nil
}

func printPlan(dag *graph.DAG) error {
	fmt.Printf("%d tasks in %d layers\n", dag.Size(), len(dag.Layers()))
	for i, layer := range dag.Layers() {
		fmt.Printf("  layer %d: %v\n", i, layer)
	}
	fmt.Printf("critical path: %v (%v)\n", dag.CriticalPath(), dag.CriticalPathDuration())
	return nil
}

func openMemoryEngine(cfg *config.Config) (*memory.Engine, error) {
	if cfg.Memory.StorePath == "" {
		cfg.Memory.StorePath = filepath.Join(cfg.Workspace, ".conductor", "memory")
	}
	embedder, err := embedding.NewEngine(cfg.Memory.Embedding)
	if err != nil {
		return nil, err
	}
	return memory.New(cfg.Memory, embedder)
}

// registerBuiltinTools wires the built-in tool constructors and applies the
// configured capability bindings. Without explicit bindings, the memory
// tools bind to their own capability names.
func registerBuiltinTools(tools *dispatch.ToolRegistry, mem *memory.Engine, cfg config.DispatchConfig) {
	if mem == nil {
		return
	}
	tools.RegisterConstructor("memory_read", func() (dispatch.Tool, error) {
		return &dispatch.MemoryReadTool{Engine: mem}, nil
	})
	tools.RegisterConstructor("memory_write", func() (dispatch.Tool, error) {
		return &dispatch.MemoryWriteTool{Engine: mem}, nil
	})

	bindings := cfg.ToolBindings
	if bindings == nil {
		bindings = map[string]string{
			"memory_read":  "memory_read",
			"memory_write": "memory_write",
		}
	}
	for capability, constructor := range bindings {
		if err := tools.Bind(capability, constructor); err != nil {
			logger.Warn("tool binding skipped", zap.String("capability", capability), zap.Error(err))
		}
	}
}
