package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-phase-orchestrator/internal/approval"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/batch"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/breaker"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/budget"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/events"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/ledger"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/plan"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/policy"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/recovery"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/statestore"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/step"
	"github.com/hochfrequenz/claude-phase-orchestrator/web/api"
)

var (
	runID      string
	resumePlan string
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run PLAN",
		Short: "Execute a plan as a new run",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runID, "run-id", "", "run id (generated if empty)")
	rootCmd.AddCommand(runCmd)

	// resume command
	resumeCmd := &cobra.Command{
		Use:   "resume RUN_ID",
		Short: "Resume an interrupted run from its saved state",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
	resumeCmd.Flags().StringVar(&resumePlan, "plan", "", "plan file (defaults to the one recorded in the run)")
	rootCmd.AddCommand(resumeCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status [RUN_ID]",
		Short: "Show run status",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// proposals command
	proposalsCmd := &cobra.Command{
		Use:   "proposals",
		Short: "List scope-reduction proposals awaiting approval",
		RunE:  runProposals,
	}
	rootCmd.AddCommand(proposalsCmd)

	// approve command
	approveCmd := &cobra.Command{
		Use:   "approve PROPOSAL_ID",
		Short: "Approve a proposal and unblock its phase",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprove,
	}
	rootCmd.AddCommand(approveCmd)

	// reject command
	rejectCmd := &cobra.Command{
		Use:   "reject PROPOSAL_ID",
		Short: "Reject a proposal, leaving its phase blocked",
		Args:  cobra.ExactArgs(1),
		RunE:  runReject,
	}
	rootCmd.AddCommand(rejectCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the status server, approval watcher, and batch scheduler",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// runtime bundles the long-lived components a command wires together
type runtime struct {
	cfg      *config.Config
	ledger   *ledger.Store
	store    *statestore.Store
	breakers *breaker.Registry
	policy   *policy.Policy
	budget   *budget.Tracker
	recovery *recovery.Coordinator
	pool     *events.Pool
	runner   *step.Runner
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	led, err := ledger.New(cfg.General.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	store, err := statestore.New(cfg.General.StateDir, led)
	if err != nil {
		led.Close()
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          time.Duration(cfg.Breaker.TimeoutSecs) * time.Second,
	}).WithPersistence(led, time.Duration(cfg.Breaker.PersistTTLSecs)*time.Second)

	runner := step.NewRunner(step.Config{
		Command:        cfg.Step.Command,
		Model:          cfg.Step.Model,
		EscalatedModel: cfg.Step.EscalatedModel,
		Timeout:        time.Duration(cfg.Step.TimeoutSecs) * time.Second,
		LogsDir:        filepath.Join(cfg.General.ArtifactsDir, "logs"),
	})

	rt := &runtime{
		cfg:      cfg,
		ledger:   led,
		store:    store,
		breakers: breakers,
		policy: policy.New(policy.Config{
			MaxIterationsPerPhase:      cfg.Policy.MaxIterationsPerPhase,
			MaxEscalationsPerPhase:     cfg.Policy.MaxEscalationsPerPhase,
			BudgetWarningThreshold:     cfg.Policy.BudgetWarningThreshold,
			ConsecutiveFailuresTrigger: cfg.Policy.ConsecutiveFailuresTrigger,
		}),
		budget: budget.NewTracker(cfg.Budget.MaxCostUSD),
		pool:   events.NewPool(4, 64),
		runner: runner,
	}
	rt.recovery = recovery.NewCoordinator(
		&stepCorrector{runner: runner},
		led,
		cfg.General.ArtifactsDir,
		cfg.Recovery.MinBudgetFraction,
	)
	return rt, nil
}

func (rt *runtime) close() {
	rt.pool.Close()
	rt.breakers.PersistAll()
	rt.ledger.Close()
}

func (rt *runtime) notifier() notify.Notifier {
	var notifiers []notify.Notifier
	if rt.cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if rt.cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(rt.cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

func (rt *runtime) newOrchestrator(p *plan.Plan) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Deps{
		Store:    rt.store,
		Breakers: rt.breakers,
		Policy:   rt.policy,
		Recovery: rt.recovery,
		Budget:   rt.budget,
		Events:   rt.pool,
		Runner:   rt.runner,
		Plan:     p,
	})
}

// stepCorrector runs one-off patch corrections through the same
// external command as regular phase attempts
type stepCorrector struct {
	runner *step.Runner
}

func (c *stepCorrector) Correct(ctx context.Context, originalInput, errorDetail string) (string, error) {
	result := c.runner.Run(ctx, step.Request{
		RunID:   "recovery",
		PhaseID: fmt.Sprintf("correction-%d", time.Now().UnixNano()),
		Prompt: fmt.Sprintf("A previous change failed to apply.\n\nOriginal input:\n%s\n\nError:\n%s\n\nProduce a corrected version of the change.",
			originalInput, errorDetail),
	})
	if !result.Success {
		return "", fmt.Errorf("correction step failed: %s", result.ErrorMessage)
	}
	return result.Output, nil
}

// signalContext cancels on SIGINT or SIGTERM so in-flight state gets
// persisted before exit
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func executePlan(ctx context.Context, rt *runtime, planPath, id string) error {
	p, err := plan.Load(planPath)
	if err != nil {
		return err
	}

	projectID := rt.cfg.General.ProjectID
	if projectID == "" {
		projectID = p.Project
	}
	if id == "" {
		id = fmt.Sprintf("run-%s", time.Now().UTC().Format("20060102-150405"))
	}

	state, err := rt.store.CreateState(id, projectID, p, rt.cfg.Hash())
	if err != nil {
		return err
	}
	state.Metadata["plan_path"] = planPath
	if err := rt.store.SaveState(state); err != nil {
		return err
	}

	summary, err := rt.newOrchestrator(p).Run(ctx, state)
	if err != nil {
		return err
	}
	fmt.Println(summary.String())
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()
	rt.pool.Subscribe(notify.EventHandler(rt.notifier()))

	ctx, cancel := signalContext()
	defer cancel()

	return executePlan(ctx, rt, args[0], runID)
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()
	rt.pool.Subscribe(notify.EventHandler(rt.notifier()))

	state, err := rt.store.LoadState(args[0])
	if err != nil {
		return err
	}

	planPath := resumePlan
	if planPath == "" {
		planPath = state.Metadata["plan_path"]
	}
	if planPath == "" {
		return fmt.Errorf("run %s has no recorded plan, pass --plan", state.RunID)
	}
	p, err := plan.Load(planPath)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	summary, err := rt.newOrchestrator(p).Run(ctx, state)
	if err != nil {
		return err
	}
	fmt.Println(summary.String())
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := statestore.New(cfg.General.StateDir, nil)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		return printRunDetail(store, args[0])
	}

	ids, err := store.ListRuns()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tPHASES\tUPDATED")
	for _, id := range ids {
		state, err := store.LoadState(id)
		if err != nil {
			fmt.Fprintf(w, "%s\tunreadable\t-\t-\n", id)
			continue
		}
		done := 0
		for i := range state.Phases {
			if state.Phases[i].Status == domain.PhaseCompleted {
				done++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n",
			state.RunID, state.Status, done, len(state.Phases),
			state.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func printRunDetail(store *statestore.Store, id string) error {
	state, err := store.LoadState(id)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s (%s): %s\n\n", state.RunID, state.ProjectID, state.Status)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tNAME\tSTATUS\tATTEMPTS\tLAST ERROR")
	for i := range state.Phases {
		p := &state.Phases[i]
		lastErr := "-"
		if last := p.LatestAttempt(); last != nil && last.ErrorMessage != "" {
			lastErr = last.ErrorMessage
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			p.PhaseID, p.Name, p.Status, p.AttemptCount(), p.MaxAttempts, lastErr)
	}
	return w.Flush()
}

// proposalLister builds a coordinator that only reads artifacts
func proposalLister(cfg *config.Config) *recovery.Coordinator {
	return recovery.NewCoordinator(nil, nil, cfg.General.ArtifactsDir, 0)
}

func runProposals(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	list, err := proposalLister(cfg).ListProposals()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No proposals found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROPOSAL\tRUN\tPHASE\tDROPPED\tCREATED")
	for _, p := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			p.ProposalID, p.RunID, p.PhaseID, len(p.DroppedItems),
			p.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// writeMarker records a verdict as a marker file next to the proposal
// artifact, which a running serve process also picks up
func writeMarker(cfg *config.Config, proposalID, verdict string) error {
	dir := filepath.Join(cfg.General.ArtifactsDir, "proposals")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(dir, proposalID+"."+verdict)
	return os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644)
}

func runApprove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := writeMarker(cfg, args[0], "approved"); err != nil {
		return err
	}

	store, err := statestore.New(cfg.General.StateDir, nil)
	if err != nil {
		return err
	}
	if err := applyApproval(cfg, store, args[0]); err != nil {
		return err
	}
	fmt.Printf("Approved %s\n", args[0])
	return nil
}

func runReject(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := writeMarker(cfg, args[0], "rejected"); err != nil {
		return err
	}
	fmt.Printf("Rejected %s, phase stays blocked\n", args[0])
	return nil
}

// applyApproval unblocks the phase named by an approved proposal
func applyApproval(cfg *config.Config, store *statestore.Store, proposalID string) error {
	list, err := proposalLister(cfg).ListProposals()
	if err != nil {
		return err
	}
	for _, p := range list {
		if p.ProposalID != proposalID {
			continue
		}
		state, err := store.LoadState(p.RunID)
		if err != nil {
			return err
		}
		return store.UnblockPhase(state, p.PhaseID)
	}
	return fmt.Errorf("proposal %s not found", proposalID)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signalContext()
	defer cancel()

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(rt.store, rt.breakers, rt.recovery, rt.budget, addr)
	rt.pool.Subscribe(server.EventHandler())
	rt.pool.Subscribe(notify.EventHandler(rt.notifier()))

	watcher, err := approval.NewWatcher(cfg.General.ArtifactsDir, func(v approval.Verdict) {
		if !v.Approved {
			fmt.Printf("Proposal %s rejected\n", v.ProposalID)
			return
		}
		if err := applyApproval(cfg, rt.store, v.ProposalID); err != nil {
			fmt.Fprintf(os.Stderr, "applying approval %s: %v\n", v.ProposalID, err)
		}
	})
	if err != nil {
		return err
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	if len(cfg.Batches) > 0 {
		sched, err := batch.NewScheduler(cfg.Batches)
		if err != nil {
			return err
		}
		sched.Start(func(bc config.BatchConfig) error {
			return executePlan(ctx, rt, bc.PlanPath, "")
		})
		defer sched.Stop()
	}

	fmt.Printf("Serving on http://%s\n", addr)
	return server.Start()
}
