package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/carewire/handoff/internal/casestore"
	"github.com/carewire/handoff/internal/config"
	"github.com/carewire/handoff/internal/observability"
	"github.com/carewire/handoff/model"
)

// closeGrace bounds the terminal close after a runner's own context has
// expired or been canceled.
const closeGrace = 5 * time.Second

// pipeline orders the workflow's phases. Steps within a phase run
// concurrently; a phase starts only after the previous one finished.
var pipeline = [][]string{
	{model.StepParse},
	{model.StepCoordinate},
	{model.StepShelter, model.StepSocial},
	{model.StepTransport},
	{model.StepResource, model.StepPharmacy, model.StepEligibility, model.StepAnalytics},
}

// requiredSteps must complete for a case to end coordinated. Every other
// step may fail without failing the case.
var requiredSteps = []string{model.StepParse, model.StepShelter, model.StepTransport}

// startDescriptions announce each step before its executor runs.
var startDescriptions = map[string]string{
	model.StepParse:       "Parsing discharge paperwork",
	model.StepCoordinate:  "Drafting the care plan",
	model.StepShelter:     "Searching for a shelter bed",
	model.StepSocial:      "Reaching out to social services",
	model.StepTransport:   "Scheduling discharge transport",
	model.StepResource:    "Scanning assistance programs",
	model.StepPharmacy:    "Routing prescriptions",
	model.StepEligibility: "Verifying coverage eligibility",
	model.StepAnalytics:   "Compiling the coordination summary",
}

func startDescription(step string) string {
	if d, ok := startDescriptions[step]; ok {
		return d
	}
	return "Running " + step
}

// Coordinator owns the workflow runners, one goroutine per active case, plus
// the stale-case sweeper. A failed step stays visible and the pipeline keeps
// going; the required-step policy is applied once every phase has run.
type Coordinator struct {
	store    casestore.Store
	journal  *Journal
	executor *Executor
	cfg      config.WorkflowConfig
	logger   *zap.Logger
	metrics  *observability.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	running map[string]struct{}

	runnerWg sync.WaitGroup
	sweepWg  sync.WaitGroup
}

// NewCoordinator builds a coordinator. metrics may be nil in tests.
func NewCoordinator(store casestore.Store, journal *Journal, executor *Executor, cfg config.WorkflowConfig, logger *zap.Logger, metrics *observability.Metrics) *Coordinator {
	if cfg.CaseTimeout <= 0 {
		cfg.CaseTimeout = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:    store,
		journal:  journal,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		baseCtx:  baseCtx,
		cancel:   cancel,
		running:  make(map[string]struct{}),
	}
}

// StartCase launches the runner goroutine for a case. The runner context is
// detached from the submitting request so closing that connection never
// cancels coordination; only the correlation id carries over. The runner is
// bounded by the case timeout. Starting a case that is already running is a
// no-op.
func (c *Coordinator) StartCase(ctx context.Context, caseID string) {
	select {
	case <-c.baseCtx.Done():
		c.logger.Warn("coordinator stopped, not starting case", zap.String("case_id", caseID))
		return
	default:
	}

	c.mu.Lock()
	if _, ok := c.running[caseID]; ok {
		c.mu.Unlock()
		return
	}
	c.running[caseID] = struct{}{}
	c.mu.Unlock()

	runCtx := c.baseCtx
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		runCtx = model.WithRequestContext(runCtx, rctx)
	}
	runCtx, cancel := context.WithTimeout(runCtx, c.cfg.CaseTimeout)

	c.runnerWg.Add(1)
	go func() {
		defer c.runnerWg.Done()
		defer cancel()
		defer c.finish(caseID)
		c.run(runCtx, caseID)
	}()
}

func (c *Coordinator) finish(caseID string) {
	c.mu.Lock()
	delete(c.running, caseID)
	c.mu.Unlock()
}

func (c *Coordinator) isRunning(caseID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[caseID]
	return ok
}

// run drives one case through the pipeline. Each phase works from a fresh
// snapshot so the final phases see earlier events, and so a case deleted or
// swept mid-run is abandoned instead of written to.
func (c *Coordinator) run(ctx context.Context, caseID string) {
	log := c.logger.With(zap.String("case_id", caseID))
	ctx, span := observability.StartSpan(ctx, "workflow.run", observability.AttrCaseID.String(caseID))
	defer span.End()

	if err := c.store.UpdateStatus(ctx, caseID, model.CaseStatusInProgress); err != nil {
		log.Warn("case cannot start coordination", zap.Error(err))
		return
	}
	log.Info("coordination started")

	start := time.Now()
	reports := make(map[string]StepReport, len(startDescriptions))
	var mu sync.Mutex

	for _, phase := range pipeline {
		cas, err := c.store.Get(ctx, caseID)
		if err != nil {
			log.Warn("abandoning run, case unavailable", zap.Error(err))
			return
		}
		if model.TerminalCaseStatus(cas.Status) {
			log.Info("case already terminal, abandoning run", zap.String("status", cas.Status))
			return
		}

		g, phaseCtx := errgroup.WithContext(ctx)
		for _, step := range phase {
			g.Go(func() error {
				if err := c.announce(phaseCtx, caseID, step); err != nil {
					return fmt.Errorf("announcing step %s: %w", step, err)
				}
				report := c.executor.Run(phaseCtx, cas, step)
				mu.Lock()
				reports[step] = report
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			log.Warn("abandoning run", zap.Error(err))
			return
		}
	}

	status := model.CaseStatusCoordinated
	var failure string
	for _, step := range requiredSteps {
		rep, ok := reports[step]
		if ok && rep.Completed {
			continue
		}
		status = model.CaseStatusError
		if ok {
			failure = fmt.Sprintf("%s: %s", step, rep.Failure)
		} else {
			failure = fmt.Sprintf("%s: step did not run", step)
		}
		break
	}

	// The runner context may have hit the case timeout; the terminal close
	// still has to land.
	closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), closeGrace)
	defer cancelClose()
	if err := c.journal.Close(closeCtx, caseID, status, failure); err != nil {
		log.Error("closing case", zap.Error(err))
		return
	}
	if c.metrics != nil {
		c.metrics.RecordCaseCompletion(status)
	}
	log.Info("coordination finished",
		zap.String("status", status),
		zap.Duration("duration", time.Since(start)))
}

// announce appends the in_progress event that precedes a step's execution.
func (c *Coordinator) announce(ctx context.Context, caseID, step string) error {
	_, err := c.journal.Append(ctx, caseID, model.TimelineEvent{
		Step:        step,
		Status:      model.StepStatusInProgress,
		Kind:        model.KindTimelineUpdate,
		Description: startDescription(step),
		Agent:       agentForStep(step),
	})
	return err
}

// StartSweeper launches the stale-case sweeper, which fails cases idle past
// the case timeout. It stops when the coordinator shuts down.
func (c *Coordinator) StartSweeper() {
	c.sweepWg.Add(1)
	go func() {
		defer c.sweepWg.Done()
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.baseCtx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *Coordinator) sweep() {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.SweepInterval)
	defer cancel()

	cutoff := time.Now().Add(-c.cfg.CaseTimeout)
	stale, err := c.store.FindStale(ctx, cutoff)
	if err != nil {
		c.logger.Error("sweep: finding stale cases", zap.Error(err))
		return
	}
	for _, id := range stale {
		if c.isRunning(id) {
			continue
		}
		c.timeoutCase(ctx, id)
	}
}

func (c *Coordinator) timeoutCase(ctx context.Context, caseID string) {
	log := c.logger.With(zap.String("case_id", caseID))
	cas, err := c.store.Get(ctx, caseID)
	if err != nil {
		log.Warn("sweep: loading stale case", zap.Error(err))
		return
	}
	if model.TerminalCaseStatus(cas.Status) {
		return
	}

	if _, err := c.journal.Append(ctx, caseID, model.TimelineEvent{
		Step:        cas.CurrentStep,
		Status:      model.StepStatusFailed,
		Kind:        model.KindTimelineUpdate,
		Description: "Coordination timed out",
		Logs:        []string{fmt.Sprintf("no progress since %s", cas.UpdatedAt.UTC().Format(time.RFC3339))},
		Agent:       "sweeper",
	}); err != nil {
		log.Warn("sweep: recording timeout", zap.Error(err))
	}
	if err := c.journal.Close(ctx, caseID, model.CaseStatusError, "coordination timed out"); err != nil {
		log.Error("sweep: closing case", zap.Error(err))
		return
	}
	if c.metrics != nil {
		c.metrics.RecordCaseSweepTimeout()
	}
	log.Info("swept stale case")
}

// Shutdown waits for in-flight runners up to ctx's deadline, then cancels
// whatever is still going and stops the sweeper.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.runnerWg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.cancel()
	c.sweepWg.Wait()
	return err
}
