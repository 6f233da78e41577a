package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"foreman/internal/broadcast"
	"foreman/internal/logging"
	"foreman/internal/strategy"
	"foreman/internal/workorder"
)

// ErrTimeout marks a run aborted by the wall-clock deadline.
var ErrTimeout = errors.New("run wall-clock deadline exceeded")

// Orchestrator drives the per-run iteration loop: snapshot, agent, verify,
// then ask the strategy whether to continue. One orchestrator instance
// serves one run at a time.
type Orchestrator struct {
	agent     AgentRunner
	verifier  Verifier
	workspace Workspace
	store     Persistence
	publisher Publisher
	logger    logging.Logger
	metrics   *Metrics
	tracer    trace.Tracer
}

// New wires an orchestrator. publisher may be nil.
func New(agent AgentRunner, verifier Verifier, workspace Workspace, store Persistence, publisher Publisher, logger logging.Logger) *Orchestrator {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Orchestrator{
		agent:     agent,
		verifier:  verifier,
		workspace: workspace,
		store:     store,
		publisher: publisher,
		logger:    logging.OrNop(logger),
		metrics:   defaultMetrics(),
		tracer:    otel.Tracer("foreman/orchestrator"),
	}
}

// SetMetrics overrides the default metrics instance (tests use a fresh registry).
func (o *Orchestrator) SetMetrics(m *Metrics) {
	o.metrics = m
}

// Outcome summarizes a finished run.
type Outcome struct {
	RunState   workorder.RunState
	Result     workorder.RunResult
	Decision   strategy.Decision
	Iterations int
	Err        error
}

// RunLoop executes the iteration loop for one leased run. The run's state
// machine is advanced through each stage; every iteration persists an
// IterationData record even when the agent crashes. Cancellation is observed
// between stages; the wall-clock budget aborts the in-flight iteration.
func (o *Orchestrator) RunLoop(ctx context.Context, wo *workorder.WorkOrder, run *workorder.Run, strat strategy.Strategy) Outcome {
	machine := workorder.NewRunMachine(run.State)

	if wo.MaxWallClockSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(wo.MaxWallClockSeconds)*time.Second)
		defer cancel()
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(
			attribute.String("work_order.id", wo.ID),
			attribute.String("run.id", run.ID),
		))
	defer span.End()

	start := time.Now()
	o.publish(broadcast.EventRunStarted, wo.ID, map[string]any{"run_id": run.ID})

	loopCtx := &strategy.IterationContext{State: run.State}
	strat.OnLoopStart(loopCtx)

	var (
		decision     strategy.Decision
		history      []*workorder.IterationData
		previousOut  string
		iteration    = 1
		timedOut     bool
		canceled     bool
		lastPassed   bool
		loopFinished bool
	)

	for !loopFinished {
		run.Iteration = iteration
		iterStart := time.Now()
		data := &workorder.IterationData{
			RunID:     run.ID,
			Iteration: iteration,
			StartedAt: iterStart,
			ErrorType: workorder.ErrNone,
		}

		iterCtx := &strategy.IterationContext{
			Iteration: iteration,
			History:   history,
		}
		strat.OnIterationStart(iterCtx)

		snapshot, agentResult, verification, stageErr := o.runStages(ctx, machine, wo, run, iteration, data)

		// The current iteration joins the history before the strategy decides.
		history = append(history, data)
		iterCtx.History = history

		switch {
		case stageErr == nil:
			iterCtx.Snapshot = snapshot
			iterCtx.Verification = verification
			if agentResult != nil {
				iterCtx.AgentOutput = agentResult.Output
				iterCtx.CommitMessage = agentResult.CommitMessage
			}
			iterCtx.State = run.State
			lastPassed = verification != nil && verification.Passed
			decision = strat.ShouldContinue(iterCtx)
		case errors.Is(stageErr, context.DeadlineExceeded):
			timedOut = true
			data.ErrorType = workorder.ErrTimeout
			data.ErrorMessage = ErrTimeout.Error()
			decision = strategy.Abort("Wall-clock deadline exceeded")
		default:
			canceled = true
			data.ErrorType = workorder.ErrSystemError
			data.ErrorMessage = "canceled"
			decision = strategy.Abort("Canceled")
		}

		o.finishIteration(data, iterStart)
		o.persistIteration(data)
		o.publishProgress(wo, run, data, agentResult, previousOut, decision)
		if agentResult != nil {
			previousOut = agentResult.Output
		}
		strat.OnIterationEnd(iterCtx, decision)
		o.metrics.IncIterations()

		if !decision.ShouldContinue {
			loopFinished = true
			loopCtx = iterCtx
			break
		}

		if err := machine.TransitionTo(workorder.RunFeedback); err != nil {
			o.logger.Warn("Run %s feedback transition: %v", run.ID, err)
		}
		run.State = machine.Current()
		iteration++
	}

	strat.OnLoopEnd(loopCtx, decision)

	outcome := o.settle(machine, wo, run, decision, lastPassed, timedOut, canceled)
	outcome.Iterations = iteration
	o.metrics.ObserveRunDuration(time.Since(start))
	o.metrics.IncRuns(string(outcome.Result))
	span.SetAttributes(
		attribute.Int("run.iterations", iteration),
		attribute.String("run.result", string(outcome.Result)),
	)
	return outcome
}

// runStages advances snapshot -> agent -> verify, checking cancellation
// between stages. Agent and verifier failures are classified into data's
// error fields; a stage error from the context aborts the iteration.
func (o *Orchestrator) runStages(
	ctx context.Context,
	machine *workorder.RunMachine,
	wo *workorder.WorkOrder,
	run *workorder.Run,
	iteration int,
	data *workorder.IterationData,
) (*workorder.Snapshot, *AgentResult, *workorder.VerificationReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}
	o.transition(machine, run, workorder.RunSnapshotting)
	snapshot, err := o.workspace.Snapshot(ctx, iteration)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, nil, ctxErr
		}
		data.ErrorType = workorder.ErrSystemError
		data.ErrorMessage = err.Error()
		return nil, nil, nil, nil
	}
	data.SnapshotID = snapshot.AfterSha

	if err := ctx.Err(); err != nil {
		return snapshot, nil, nil, err
	}
	o.transition(machine, run, workorder.RunBuilding)
	agentResult, err := o.agent.Execute(ctx, wo, iteration)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return snapshot, nil, nil, ctxErr
		}
		data.ErrorType = workorder.ErrAgentCrash
		data.ErrorMessage = err.Error()
		return snapshot, nil, nil, nil
	}
	o.recordAgent(data, agentResult)
	if !agentResult.Success {
		data.ErrorType = workorder.ErrAgentFailure
	}

	if err := ctx.Err(); err != nil {
		return snapshot, agentResult, nil, err
	}
	o.transition(machine, run, workorder.RunVerifying)
	verifyStart := time.Now()
	verification, err := o.verifier.Verify(ctx, snapshot)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return snapshot, agentResult, nil, ctxErr
		}
		data.ErrorType = workorder.ErrSystemError
		data.ErrorMessage = err.Error()
		return snapshot, agentResult, nil, nil
	}
	o.recordVerification(data, verification, time.Since(verifyStart))
	if !verification.Passed && data.ErrorType == workorder.ErrNone {
		data.ErrorType = workorder.ErrVerificationFailed
	}
	if data.AgentSuccess && verification.Passed {
		data.ErrorType = workorder.ErrNone
	}
	return snapshot, agentResult, verification, nil
}

func (o *Orchestrator) transition(machine *workorder.RunMachine, run *workorder.Run, target workorder.RunState) {
	if err := machine.TransitionTo(target); err != nil {
		o.logger.Warn("Run %s: %v", run.ID, err)
		return
	}
	run.State = machine.Current()
}

func (o *Orchestrator) recordAgent(data *workorder.IterationData, result *AgentResult) {
	data.SessionID = result.SessionID
	data.Model = result.Model
	data.TokensIn = result.TokensIn
	data.TokensOut = result.TokensOut
	data.Cost = result.Cost
	data.AgentSuccess = result.Success
	data.AgentOutput = result.Output
}

func (o *Orchestrator) recordVerification(data *workorder.IterationData, report *workorder.VerificationReport, elapsed time.Duration) {
	for _, lvl := range report.Levels {
		if !lvl.Skipped {
			data.VerificationLevels = append(data.VerificationLevels, lvl.Level)
		}
	}
	data.VerificationPassed = report.Passed
	data.VerificationDuration = elapsed.Milliseconds()
}

func (o *Orchestrator) finishIteration(data *workorder.IterationData, start time.Time) {
	now := time.Now()
	data.CompletedAt = &now
	data.DurationMs = now.Sub(start).Milliseconds()
}

func (o *Orchestrator) persistIteration(data *workorder.IterationData) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveIteration(data); err != nil {
		o.logger.Error("Persist iteration %d of run %s: %v", data.Iteration, data.RunID, err)
	}
}

func (o *Orchestrator) publishProgress(wo *workorder.WorkOrder, run *workorder.Run, data *workorder.IterationData, agentResult *AgentResult, previousOut string, decision strategy.Decision) {
	fields := map[string]any{
		"run_id":     run.ID,
		"iteration":  data.Iteration,
		"error_type": string(data.ErrorType),
		"reason":     decision.Reason,
	}
	if agentResult != nil {
		fields["output_churn"] = OutputChurn(previousOut, agentResult.Output)
		o.publish(broadcast.EventAgentOutput, wo.ID, map[string]any{
			"run_id":    run.ID,
			"iteration": data.Iteration,
			"output":    agentResult.Output,
		})
	}
	o.publish(broadcast.EventProgressUpdate, wo.ID, fields)
}

// settle transitions the run to its terminal state and maps the strategy
// decision to a result: abort fails the run, stop with partialAccept
// succeeds, plain stop follows the verification outcome.
func (o *Orchestrator) settle(machine *workorder.RunMachine, wo *workorder.WorkOrder, run *workorder.Run, decision strategy.Decision, lastPassed, timedOut, canceled bool) Outcome {
	outcome := Outcome{Decision: decision}

	switch {
	case canceled:
		outcome.RunState = workorder.RunCanceled
		outcome.Result = workorder.ResultCancelled
	case timedOut:
		outcome.RunState = workorder.RunFailed
		outcome.Result = workorder.ResultError
		outcome.Err = ErrTimeout
	case decision.Action == strategy.ActionAbort:
		outcome.RunState = workorder.RunFailed
		outcome.Result = workorder.ResultFailed
	case decision.PartialAccept || lastPassed:
		outcome.RunState = workorder.RunSucceeded
		outcome.Result = workorder.ResultPassed
	default:
		outcome.RunState = workorder.RunFailed
		outcome.Result = workorder.ResultFailed
	}

	if err := machine.TransitionTo(outcome.RunState); err != nil {
		o.logger.Warn("Run %s terminal transition: %v", run.ID, err)
	}
	run.State = machine.Current()
	run.Result = outcome.Result
	now := time.Now()
	run.CompletedAt = &now

	if o.store != nil {
		if err := o.store.SaveRun(run); err != nil {
			o.logger.Error("Persist run %s: %v", run.ID, err)
		}
	}

	eventType := broadcast.EventRunCompleted
	if outcome.Result != workorder.ResultPassed {
		eventType = broadcast.EventRunFailed
	}
	o.publish(eventType, wo.ID, map[string]any{
		"run_id": run.ID,
		"state":  string(run.State),
		"result": string(run.Result),
		"reason": decision.Reason,
	})
	o.logger.Info("Run %s finished: state=%s result=%s reason=%q", run.ID, run.State, run.Result, decision.Reason)
	return outcome
}

func (o *Orchestrator) publish(t broadcast.EventType, workOrderID string, data map[string]any) {
	o.publisher.Publish(broadcast.Event{
		ID:          uuid.NewString(),
		Type:        t,
		WorkOrderID: workOrderID,
		Timestamp:   time.Now(),
		Data:        data,
	})
}
