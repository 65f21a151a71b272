package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/carewire/handoff/internal/collab"
	"github.com/carewire/handoff/internal/observability"
	"github.com/carewire/handoff/model"
)

// Collaborator interfaces consumed by the step bindings. Satisfied by
// internal/collab's typed clients and by test mocks.
type (
	DocparseService interface {
		Parse(ctx context.Context, submission map[string]any) (*collab.ParseResult, error)
	}
	ExtractService interface {
		Extract(ctx context.Context, text string, fields []string) (*collab.ExtractResult, error)
	}
	VoiceService interface {
		Call(ctx context.Context, req collab.CallRequest) (*collab.CallResult, error)
	}
	DirectoryService interface {
		Shelters(ctx context.Context, query map[string]string) ([]collab.Facility, error)
		Transport(ctx context.Context, query map[string]string) ([]collab.Facility, error)
		Pharmacies(ctx context.Context, query map[string]string) ([]collab.Facility, error)
		Resources(ctx context.Context, query map[string]string) ([]collab.Facility, error)
	}
)

// Services groups the collaborator clients the step bindings call.
type Services struct {
	Docparse  DocparseService
	Extract   ExtractService
	Voice     VoiceService
	Directory DirectoryService
}

// StepOutcome is what a step binding produces on success. Activities and
// Transcripts become agent_log and conversation_log events appended before
// the single completed outcome event.
type StepOutcome struct {
	Description string
	Logs        []string
	Resource    *model.Resource
	Activities  []Activity
	Transcripts []Transcript
}

// Activity is one agent_log entry recorded while a step ran.
type Activity struct {
	Agent       string
	Description string
	Logs        []string
}

// Transcript is one conversation_log entry: the line-by-line record of an
// automated call placed during a step.
type Transcript struct {
	Agent       string
	Description string
	Lines       []string
}

// StepReport tells the coordinator how a step ended. Failure carries the
// message already recorded in the failed event's log lines.
type StepReport struct {
	Step      string
	Completed bool
	Failure   string
}

// Executor runs one workflow step at a time: one collaborator interaction
// bounded by the step timeout, exactly one outcome event through the
// journal. It never panics outward and never propagates collaborator errors;
// the coordinator's policy decides case-level consequences from the report.
type Executor struct {
	journal  *Journal
	services Services
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewExecutor builds an executor. metrics may be nil in tests.
func NewExecutor(journal *Journal, services Services, stepTimeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Executor {
	if stepTimeout <= 0 {
		stepTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		journal:  journal,
		services: services,
		timeout:  stepTimeout,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run executes the named step against the case snapshot and records its
// outcome. The collaborator call is bounded by the step timeout; journal
// appends use the longer-lived runner context so a slow step still gets its
// failure recorded.
func (e *Executor) Run(ctx context.Context, cas *model.Case, step string) StepReport {
	log := e.logger.With(zap.String("case_id", cas.ID), zap.String("step", step))
	ctx, span := observability.StartSpan(ctx, "step.execute",
		observability.AttrCaseID.String(cas.ID),
		observability.AttrStep.String(step))
	defer span.End()

	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, e.timeout)
	outcome, err := e.invoke(stepCtx, cas, step)
	cancel()
	duration := time.Since(start)

	agent := agentForStep(step)
	if err != nil {
		observability.EndSpanWithError(span, err)
		log.Warn("step failed", zap.Error(err), zap.Duration("duration", duration))
		if e.metrics != nil {
			e.metrics.RecordStepOutcome(step, model.StepStatusFailed, duration)
		}
		if _, appendErr := e.journal.Append(ctx, cas.ID, model.TimelineEvent{
			Step:        step,
			Status:      model.StepStatusFailed,
			Kind:        model.KindTimelineUpdate,
			Description: failureDescription(step),
			Logs:        []string{err.Error()},
			Agent:       agent,
		}); appendErr != nil {
			log.Error("recording step failure", zap.Error(appendErr))
		}
		return StepReport{Step: step, Failure: err.Error()}
	}

	for _, act := range outcome.Activities {
		if act.Agent == "" {
			act.Agent = agent
		}
		if _, err := e.journal.Append(ctx, cas.ID, model.TimelineEvent{
			Step:        step,
			Status:      model.StepStatusInProgress,
			Kind:        model.KindAgentLog,
			Description: act.Description,
			Logs:        act.Logs,
			Agent:       act.Agent,
		}); err != nil {
			log.Error("recording agent activity", zap.Error(err))
		}
	}
	for _, tr := range outcome.Transcripts {
		if tr.Agent == "" {
			tr.Agent = agent
		}
		if _, err := e.journal.Append(ctx, cas.ID, model.TimelineEvent{
			Step:        step,
			Status:      model.StepStatusInProgress,
			Kind:        model.KindConversationLog,
			Description: tr.Description,
			Logs:        tr.Lines,
			Agent:       tr.Agent,
		}); err != nil {
			log.Error("recording call transcript", zap.Error(err))
		}
	}

	if _, err := e.journal.Append(ctx, cas.ID, model.TimelineEvent{
		Step:        step,
		Status:      model.StepStatusCompleted,
		Kind:        model.KindTimelineUpdate,
		Description: outcome.Description,
		Logs:        outcome.Logs,
		Agent:       agent,
		Resource:    outcome.Resource,
	}); err != nil {
		log.Error("recording step outcome", zap.Error(err))
		return StepReport{Step: step, Failure: fmt.Sprintf("recording outcome: %v", err)}
	}
	if e.metrics != nil {
		e.metrics.RecordStepOutcome(step, model.StepStatusCompleted, duration)
	}
	log.Info("step completed", zap.Duration("duration", duration))
	return StepReport{Step: step, Completed: true}
}

// invoke dispatches to the step binding, converting panics into errors.
func (e *Executor) invoke(ctx context.Context, cas *model.Case, step string) (outcome *StepOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = fmt.Errorf("step %s panicked: %v", step, r)
		}
	}()

	switch step {
	case model.StepParse:
		return e.runParse(ctx, cas)
	case model.StepCoordinate:
		return e.runCoordinate(ctx, cas)
	case model.StepShelter:
		return e.runShelter(ctx, cas)
	case model.StepSocial:
		return e.runSocial(ctx, cas)
	case model.StepTransport:
		return e.runTransport(ctx, cas)
	case model.StepResource:
		return e.runResource(ctx, cas)
	case model.StepPharmacy:
		return e.runPharmacy(ctx, cas)
	case model.StepEligibility:
		return e.runEligibility(ctx, cas)
	case model.StepAnalytics:
		return e.runAnalytics(ctx, cas)
	default:
		return nil, fmt.Errorf("no executor bound to step %q", step)
	}
}

// agentForStep names the agent label carried on events for a step.
func agentForStep(step string) string {
	switch step {
	case model.StepParse:
		return "parser"
	case model.StepCoordinate:
		return "planner"
	case model.StepShelter:
		return "housing"
	case model.StepSocial:
		return "social_worker"
	case model.StepTransport:
		return "dispatch"
	case model.StepResource:
		return "resources"
	case model.StepPharmacy:
		return "pharmacy"
	case model.StepEligibility:
		return "benefits"
	case model.StepAnalytics:
		return "analytics"
	default:
		return step
	}
}

func failureDescription(step string) string {
	switch step {
	case model.StepParse:
		return "Discharge paperwork could not be parsed"
	case model.StepCoordinate:
		return "Care plan could not be drafted"
	case model.StepShelter:
		return "No shelter bed could be confirmed"
	case model.StepSocial:
		return "Social services outreach failed"
	case model.StepTransport:
		return "Discharge transport could not be scheduled"
	case model.StepResource:
		return "Assistance program scan failed"
	case model.StepPharmacy:
		return "Prescription routing failed"
	case model.StepEligibility:
		return "Coverage eligibility check failed"
	case model.StepAnalytics:
		return "Coordination summary could not be compiled"
	default:
		return step + " step failed"
	}
}
