package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/artpar/convoy/internal/core/compose"
	"github.com/artpar/convoy/internal/core/deployment"
	"github.com/artpar/convoy/internal/shell/docker"
	"github.com/artpar/convoy/internal/shell/orchestrator"
	"github.com/artpar/convoy/internal/shell/store"
)

// =============================================================================
// Shared Flags
// =============================================================================

type commonFlags struct {
	file    string
	envFile string
	project string
	config  string
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	f := &commonFlags{}
	fs.StringVar(&f.file, "f", "convoy.yaml", "stack declaration file")
	fs.StringVar(&f.envFile, "env-file", ".env", "variable source file")
	fs.StringVar(&f.project, "p", "", "project name")
	fs.StringVar(&f.config, "config", "", "convoy config file")
	return f
}

// =============================================================================
// Stack Loading
// =============================================================================

// loadedStack is everything the commands need: validated declaration with
// parameters resolved, the dependency graph, and the raw content digest.
type loadedStack struct {
	cfg     *Config
	logger  *slog.Logger
	project string
	spec    *compose.StackSpec
	graph   *deployment.ServiceGraph
	digest  string
}

// loadStack reads and validates the declaration, loads variables, resolves
// parameters, and builds the service graph. Every error here is a
// configuration error; nothing has been launched.
func loadStack(f *commonFlags) (*loadedStack, error) {
	cfg, err := LoadConfig(f.config)
	if err != nil {
		return nil, err
	}
	logger := SetupLogger(cfg)

	content, err := os.ReadFile(f.file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.file, err)
	}
	sum := sha256.Sum256(content)

	variables, err := loadVariables(f.envFile)
	if err != nil {
		return nil, err
	}
	for _, name := range missingVariables(string(content), variables) {
		logger.Warn("variable is not set, empty string applies where no default is declared",
			"variable", name, "env_file", f.envFile)
	}

	spec, err := compose.ParseStackSpec(string(content))
	if err != nil {
		return nil, err
	}

	spec, err = deployment.ResolveSpec(spec, variables)
	if err != nil {
		return nil, err
	}

	graph, err := deployment.BuildGraph(spec.Services)
	if err != nil {
		return nil, err
	}

	project := f.project
	if project == "" {
		abs, err := filepath.Abs(f.file)
		if err != nil {
			return nil, err
		}
		project = filepath.Base(filepath.Dir(abs))
	}

	return &loadedStack{
		cfg:     cfg,
		logger:  logger,
		project: project,
		spec:    spec,
		graph:   graph,
		digest:  hex.EncodeToString(sum[:]),
	}, nil
}

// loadVariables reads the variable source file. A missing default file is
// fine; an explicitly unreadable one is not.
func loadVariables(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	defer file.Close()
	return deployment.ParseVariables(file)
}

// missingVariables lists declaration placeholders with no value in the
// variable set, in order of first appearance.
func missingVariables(content string, variables map[string]string) []string {
	var missing []string
	for _, name := range compose.ExtractVariables(content) {
		if _, ok := variables[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// =============================================================================
// Application Wiring
// =============================================================================

// app bundles the I/O dependencies a command needs.
type app struct {
	docker    *docker.DockerClient
	launcher  *docker.Launcher
	resources *docker.ResourceManager
	history   store.Store
}

// newApp connects to Docker and opens the run-history store. The store is
// optional: convoy still orchestrates when it cannot be opened.
func newApp(ls *loadedStack) (*app, error) {
	client, err := docker.NewDockerClient(ls.cfg.Docker.Host)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(context.Background()); err != nil {
		client.Close()
		return nil, err
	}

	var history store.Store
	if dsn := ls.cfg.Database.DSN; dsn != "" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err == nil {
			if s, err := store.NewSQLiteStore(dsn); err == nil {
				history = s
			} else {
				ls.logger.Warn("run history unavailable", "dsn", dsn, "error", err)
			}
		}
	}

	return &app{
		docker:    client,
		launcher:  docker.NewLauncher(client, ls.project, ls.cfg.Orchestrator.StopTimeout, ls.logger),
		resources: docker.NewResourceManager(client, ls.project, ls.logger),
		history:   history,
	}, nil
}

func (a *app) close() {
	if a.history != nil {
		a.history.Close()
	}
	a.docker.Close()
}

func (a *app) newOrchestrator(ls *loadedStack, rec *orchestrator.Recorder) *orchestrator.Orchestrator {
	oc := ls.cfg.Orchestrator
	return orchestrator.New(orchestrator.Config{
		Project:            ls.project,
		DependencyTimeout:  oc.DependencyTimeout,
		RestartBackoffBase: oc.RestartBackoffBase,
		RestartBackoffMax:  oc.RestartBackoffMax,
		MaxRestarts:        oc.MaxRestarts,
		SupervisePoll:      oc.SupervisePoll,
		Notify:             printTransition,
	}, ls.spec, ls.graph, a.launcher, a.resources, rec, ls.logger)
}

// printTransition streams per-service state transitions to stdout.
func printTransition(service string, from, to orchestrator.RuntimeState, detail string) {
	if detail != "" {
		fmt.Printf("%-20s %s (%s)\n", service, to, detail)
		return
	}
	fmt.Printf("%-20s %s\n", service, to)
}

// =============================================================================
// up
// =============================================================================

func runUp(args []string) int {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	f := registerCommon(fs)
	detach := fs.Bool("d", false, "detach after the stack is ready")
	if err := fs.Parse(args); err != nil {
		return ExitConfigError
	}

	ls, err := loadStack(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	a, err := newApp(ls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "docker error: %v\n", err)
		return ExitDockerError
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var rec *orchestrator.Recorder
	if a.history != nil {
		rec = orchestrator.NewRecorder(ctx, a.history, ls.project, ls.digest, ls.logger)
	}

	orch := a.newOrchestrator(ls, rec)
	result, err := orch.Up(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		cancel()
		orch.Wait()
		return exitCodeFor(err)
	}

	fmt.Printf("stack %s up: %d services ready\n", ls.project, len(result.Services))

	if *detach {
		cancel()
		orch.Wait()
		return ExitSuccess
	}

	// Foreground mode: supervise until interrupted, then stop the stack.
	<-ctx.Done()
	orch.Wait()
	ls.logger.Info("shutting down stack", "project", ls.project)
	if err := orch.Down(context.Background(), false); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		return exitCodeFor(err)
	}
	return ExitSuccess
}

// =============================================================================
// down
// =============================================================================

func runDown(args []string) int {
	fs := flag.NewFlagSet("down", flag.ExitOnError)
	f := registerCommon(fs)
	volumes := fs.Bool("volumes", false, "also remove the project's named volumes and networks")
	if err := fs.Parse(args); err != nil {
		return ExitConfigError
	}

	ls, err := loadStack(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	a, err := newApp(ls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "docker error: %v\n", err)
		return ExitDockerError
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orch := a.newOrchestrator(ls, nil)
	if err := orch.Down(ctx, *volumes); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		return exitCodeFor(err)
	}

	fmt.Printf("stack %s down\n", ls.project)
	return ExitSuccess
}

// =============================================================================
// status
// =============================================================================

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	f := registerCommon(fs)
	history := fs.Bool("history", false, "show recent runs instead of live state")
	runID := fs.String("run", "", "show the state transitions of one recorded run")
	if err := fs.Parse(args); err != nil {
		return ExitConfigError
	}

	ls, err := loadStack(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	a, err := newApp(ls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "docker error: %v\n", err)
		return ExitDockerError
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *runID != "" {
		return showRun(ctx, a.history, *runID)
	}
	if *history {
		return showHistory(ctx, a.history, ls.project)
	}

	statuses, err := orchestrator.Status(ctx, ls.spec, a.launcher, a.history, ls.project)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status error: %v\n", err)
		return ExitDockerError
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tROLE\tSTATE\tCONTAINER\tDETAIL")
	for _, s := range statuses {
		id := s.ContainerID
		if len(id) > 12 {
			id = id[:12]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Service, s.Role, s.State, id, s.Detail)
	}
	w.Flush()

	fmt.Printf("\nstack health: %s\n", orchestrator.StackHealth(statuses))
	return ExitSuccess
}

// showHistory lists the project's recorded runs, newest first.
func showHistory(ctx context.Context, history store.Store, project string) int {
	if history == nil {
		fmt.Fprintln(os.Stderr, "run history unavailable")
		return ExitDatabaseError
	}

	runs, err := history.ListRuns(ctx, project, store.DefaultListOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "history error: %v\n", err)
		return ExitDatabaseError
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tOUTCOME\tSTARTED\tFINISHED")
	for _, run := range runs {
		finished := "-"
		if run.FinishedAt != nil {
			finished = run.FinishedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", run.ID, run.Outcome, run.StartedAt.Format(time.RFC3339), finished)
	}
	w.Flush()
	return ExitSuccess
}

// showRun prints one recorded run's state transitions in order.
func showRun(ctx context.Context, history store.Store, runID string) int {
	if history == nil {
		fmt.Fprintln(os.Stderr, "run history unavailable")
		return ExitDatabaseError
	}

	run, err := history.GetRun(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history error: %v\n", err)
		return ExitDatabaseError
	}
	fmt.Printf("run %s (%s, started %s)\n\n", run.ID, run.Outcome, run.StartedAt.Format(time.RFC3339))

	transitions, err := history.ListTransitions(ctx, run.ID, "", store.DefaultListOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "history error: %v\n", err)
		return ExitDatabaseError
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSERVICE\tFROM\tTO\tDETAIL")
	for _, tr := range transitions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			tr.CreatedAt.Format(time.RFC3339), tr.Service, tr.FromState, tr.ToState, tr.Detail)
	}
	w.Flush()
	return ExitSuccess
}
