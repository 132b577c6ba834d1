// Copyright 2025 The Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package executor drives runs through their lifecycle: it asks the planner
// for the next step, has the critic check it, dispatches it through the
// router, and commits the finalized step before moving on. Every stop
// condition ends the run with a durable status and machine-readable reason.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/bus"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/metrics"
	"github.com/loomctl/loom/internal/protocol"
	"github.com/loomctl/loom/internal/router"
	"github.com/loomctl/loom/internal/store"
	looerrors "github.com/loomctl/loom/pkg/errors"
	"github.com/loomctl/loom/pkg/planner"
)

// criticStuckThreshold is how many consecutive identical critique codes end
// the run with critic_stuck.
const criticStuckThreshold = 3

// unlimitedWall stands in for "no wall budget" when building the router's
// run context, which treats a non-positive remaining wall as exhausted.
const unlimitedWall = 365 * 24 * time.Hour

// StepRouter places one validated, policy-gated tool call. The router
// implements it.
type StepRouter interface {
	Dispatch(ctx context.Context, req router.Request) (*protocol.ToolResultEnvelope, error)
}

// ToolSource lists the tools callable right now, for the planner's benefit.
type ToolSource interface {
	QualifiedToolNames() []string
}

// BlobStore persists tool-produced artefacts by content address.
type BlobStore interface {
	Put(data []byte, mediaType string) (string, error)
}

// EventSink receives run events as they are persisted.
type EventSink interface {
	Publish(e *store.Event)
}

// approvalSignal wakes a run paused on an approval gate.
type approvalSignal struct {
	approvalID string
	decision   store.Decision
}

// runHandle is the executor's in-memory handle on one active run.
type runHandle struct {
	cancel     context.CancelFunc
	approvalCh chan approvalSignal
	done       chan struct{}
}

// Executor owns the run loops. One goroutine per active run; all durable
// state lives in the store, so a restarted process recovers from there.
type Executor struct {
	cfg    *config.Config
	store  store.Store
	blobs  BlobStore
	sink   EventSink
	router StepRouter
	tools  ToolSource

	planner planner.Planner
	critic  planner.Critic
	logger  *slog.Logger

	mu   sync.Mutex
	runs map[string]*runHandle
	wg   sync.WaitGroup
}

// New builds an executor. blobs may be nil, in which case inline artefacts
// are dropped with a warning instead of stored.
func New(cfg *config.Config, st store.Store, blobs BlobStore, sink EventSink, rt StepRouter, tools ToolSource, pl planner.Planner, cr planner.Critic, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:     cfg,
		store:   st,
		blobs:   blobs,
		sink:    sink,
		router:  rt,
		tools:   tools,
		planner: pl,
		critic:  cr,
		logger:  log.WithComponent(logger, "executor"),
		runs:    make(map[string]*runHandle),
	}
}

// Launch starts executing the run on its own goroutine.
func (e *Executor) Launch(runID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Execute(context.Background(), runID); err != nil {
			e.logger.Error("run execution aborted",
				slog.String("run_id", runID),
				slog.Any("error", err))
		}
	}()
}

// Cancel aborts a running or paused run. Returns false when the executor
// holds no handle for the run.
func (e *Executor) Cancel(runID string) bool {
	e.mu.Lock()
	h, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// NotifyApproval wakes a run waiting on the given approval. The decision
// must already be durable; the executor only reacts to it. Returns false
// when the run is not executing here.
func (e *Executor) NotifyApproval(runID, approvalID string, decision store.Decision) bool {
	e.mu.Lock()
	h, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case h.approvalCh <- approvalSignal{approvalID: approvalID, decision: decision}:
		return true
	case <-h.done:
		return false
	}
}

// Running reports whether the executor holds a live handle for the run.
func (e *Executor) Running(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[runID]
	return ok
}

// Shutdown cancels every active run and waits for their loops to commit a
// terminal status.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	for _, h := range e.runs {
		h.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// runState is the loop's working set for one run. The store holds the
// durable copy; this is rebuilt from it on resume.
type runState struct {
	run    *store.Run
	handle *runHandle
	logger *slog.Logger

	totals    store.Totals
	completed []planner.StepOutcome
	approved  map[string]bool

	// begin marks when this execution started; consumed is wall time spent
	// in previous executions of the same run.
	begin    time.Time
	consumed time.Duration

	seq int64
}

func (s *runState) elapsed() time.Duration {
	return s.consumed + time.Since(s.begin)
}

// termination is a decided terminal status plus its reason.
type termination struct {
	status store.RunStatus
	reason store.StopReason
}

// Execute runs the loop for one run until a terminal status commits. The
// returned error reports store failures that prevented even that; the
// normal outcome, including a failed run, returns nil.
func (e *Executor) Execute(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &runHandle{
		cancel:     cancel,
		approvalCh: make(chan approvalSignal, 4),
		done:       make(chan struct{}),
	}
	e.mu.Lock()
	if _, exists := e.runs[runID]; exists {
		e.mu.Unlock()
		cancel()
		return looerrors.Internal(fmt.Sprintf("run %s is already executing", runID), nil)
	}
	e.runs[runID] = h
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runs, runID)
		e.mu.Unlock()
		close(h.done)
		cancel()
	}()

	st, err := e.restore(ctx, run, h)
	if err != nil {
		return err
	}

	if run.Status == store.StatusQueued {
		if err := e.setStatus(ctx, st, store.StatusRunning, ""); err != nil {
			return err
		}
	}
	metrics.RunStarted()
	defer metrics.RunDone()

	term, err := e.loop(ctx, st)
	if err != nil {
		return err
	}
	metrics.RunFinished(string(term.reason))
	return e.setStatus(ctx, st, term.status, term.reason)
}

// restore rebuilds the loop state from the store so a resumed run carries
// on exactly where its last committed step left it.
func (e *Executor) restore(ctx context.Context, run *store.Run, h *runHandle) (*runState, error) {
	steps, err := e.store.Steps(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	completed := make([]planner.StepOutcome, 0, len(steps))
	for _, s := range steps {
		completed = append(completed, planner.StepOutcome{
			Ordinal:       s.Ordinal,
			QualifiedName: s.ServerID + "." + s.ToolName,
			Output:        s.Output,
			Error:         s.Error,
			Cost:          s.Cost,
			ArtefactRefs:  s.ArtefactRefs,
		})
	}

	var seq int64
	events, err := e.store.EventsSince(ctx, run.RunID, 0)
	if err != nil {
		return nil, err
	}
	if n := len(events); n > 0 {
		seq = events[n-1].Sequence
	}

	return &runState{
		run:       run,
		handle:    h,
		logger:    log.WithRunContext(e.logger, run.RunID),
		totals:    run.Totals,
		completed: completed,
		approved:  make(map[string]bool),
		begin:     time.Now(),
		consumed:  time.Duration(run.Totals.WallMS) * time.Millisecond,
		seq:       seq,
	}, nil
}

// loop is the planner/critic/dispatch cycle. It returns the termination to
// commit; store failures abort with an error instead.
func (e *Executor) loop(ctx context.Context, st *runState) (*termination, error) {
	budgets := st.run.Budgets
	emptyIters := 0
	stuckCode := ""
	stuckCount := 0

	noProgress := e.cfg.Runs.Stop.NoProgressThreshold
	if noProgress <= 0 {
		noProgress = 2
	}

	for {
		select {
		case <-ctx.Done():
			return &termination{store.StatusCancelled, store.ReasonCancelled}, nil
		default:
		}

		if budgets.MaxWallMS > 0 && st.elapsed() >= budgets.MaxWall() {
			return &termination{store.StatusFailed, store.ReasonWallBudgetExhausted}, nil
		}
		if budgets.MaxCost > 0 && st.totals.Cost >= budgets.MaxCost {
			return &termination{store.StatusFailed, store.ReasonCostBudgetExhausted}, nil
		}
		if budgets.MaxSteps > 0 && st.totals.Steps >= budgets.MaxSteps {
			return &termination{store.StatusSucceeded, store.ReasonStepBudgetReached}, nil
		}

		input := planner.PlanInput{
			RunID:          st.run.RunID,
			Plan:           st.run.Plan,
			Completed:      st.completed,
			AvailableTools: e.tools.QualifiedToolNames(),
		}
		proposals, err := e.planner.PlanNext(ctx, input)
		if err != nil {
			st.logger.Error("planner failed", slog.Any("error", err))
			return &termination{store.StatusFailed, store.ReasonStepFailed}, nil
		}
		if len(proposals) == 0 {
			emptyIters++
			if emptyIters >= noProgress {
				return &termination{store.StatusSucceeded, store.ReasonPlanExhausted}, nil
			}
			continue
		}
		emptyIters = 0

		// One step per iteration; later proposals are re-planned against
		// the updated progress next time around.
		proposal := proposals[0]

		verdict := e.critic.Review(ctx, proposal, input)
		if !verdict.OK {
			if verdict.Code == stuckCode {
				stuckCount++
			} else {
				stuckCode, stuckCount = verdict.Code, 1
			}
			st.logger.Warn("critic rejected step",
				slog.String("tool", proposal.QualifiedName),
				slog.String("code", verdict.Code),
				slog.String("reason", verdict.Reason))
			if stuckCount >= criticStuckThreshold {
				return &termination{store.StatusFailed, store.ReasonCriticStuck}, nil
			}
			continue
		}
		stuckCode, stuckCount = "", 0

		term, err := e.runStep(ctx, st, proposal)
		if err != nil {
			return nil, err
		}
		if term != nil {
			return term, nil
		}
	}
}

// runStep dispatches one approved proposal, retrying retriable failures,
// pausing on the approval gate, and committing the finalized step record.
// A nil termination means the loop continues.
func (e *Executor) runStep(ctx context.Context, st *runState, proposal planner.ProposedStep) (*termination, error) {
	budgets := st.run.Budgets
	ordinal := st.totals.Steps + 1
	stepID := uuid.New().String()
	startedAt := time.Now()

	stepLog := log.WithStepContext(e.logger, st.run.RunID, stepID)
	stepLog.Debug("dispatching step",
		slog.String("tool", proposal.QualifiedName),
		slog.Int("ordinal", ordinal))

	e.emit(ctx, st, bus.KindStepStarted, map[string]any{
		"step_id": stepID,
		"ordinal": ordinal,
		"tool":    proposal.QualifiedName,
	})

	maxAttempts := e.cfg.Runs.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var (
		envelope *protocol.ToolResultEnvelope
		lastErr  error
		attempts []store.Attempt
	)

	for len(attempts) < maxAttempts {
		select {
		case <-ctx.Done():
			return e.commitCancelled(st, proposal, stepID, ordinal, startedAt, attempts)
		default:
		}

		remainingWall := unlimitedWall
		if budgets.MaxWallMS > 0 {
			remainingWall = budgets.MaxWall() - st.elapsed()
		}
		req := router.Request{
			QualifiedName: proposal.QualifiedName,
			Arguments:     proposal.Input,
			Run: router.RunContext{
				RunID:         st.run.RunID,
				AllowTools:    st.run.AllowTools,
				RemainingWall: remainingWall,
				RemainingCost: budgets.MaxCost - st.totals.Cost,
				CostBudgeted:  budgets.MaxCost > 0,
				Approved:      st.approved,
			},
		}

		attemptStart := time.Now()
		env, err := e.router.Dispatch(ctx, req)
		if err == nil {
			attempts = append(attempts, store.Attempt{
				Number:     len(attempts) + 1,
				StartedAt:  attemptStart,
				FinishedAt: time.Now(),
			})
			envelope = env
			lastErr = nil
			break
		}

		// A cancel that lands mid-call surfaces as the dispatch error.
		if ctx.Err() != nil {
			attempts = append(attempts, store.Attempt{
				Number:     len(attempts) + 1,
				Error:      err.Error(),
				StartedAt:  attemptStart,
				FinishedAt: time.Now(),
			})
			return e.commitCancelled(st, proposal, stepID, ordinal, startedAt, attempts)
		}

		// The approval gate is not a dispatch attempt: nothing was called.
		if looerrors.KindOf(err) == looerrors.KindRequiresApproval {
			term, serr := e.awaitApproval(ctx, st, proposal, stepID, ordinal)
			if serr != nil || term != nil {
				return term, serr
			}
			continue
		}

		attempts = append(attempts, store.Attempt{
			Number:     len(attempts) + 1,
			Error:      err.Error(),
			StartedAt:  attemptStart,
			FinishedAt: time.Now(),
		})
		lastErr = err

		if looerrors.IsTerminalForCall(err) || len(attempts) >= maxAttempts {
			break
		}
		if werr := e.retryWait(ctx, len(attempts)); werr != nil {
			return e.commitCancelled(st, proposal, stepID, ordinal, startedAt, attempts)
		}
	}

	if lastErr != nil {
		return e.commitErrored(st, proposal, stepID, ordinal, startedAt, attempts, lastErr)
	}
	return nil, e.commitSucceeded(st, proposal, stepID, ordinal, startedAt, attempts, envelope)
}

// awaitApproval records the pending approval, pauses the run, and blocks
// until a decision or cancellation. A nil, nil return means the step was
// approved and should be re-dispatched.
func (e *Executor) awaitApproval(ctx context.Context, st *runState, proposal planner.ProposedStep, stepID string, ordinal int) (*termination, error) {
	approval := &store.Approval{
		ApprovalID:    uuid.New().String(),
		RunID:         st.run.RunID,
		StepID:        stepID,
		QualifiedName: proposal.QualifiedName,
		Reason:        fmt.Sprintf("step %d calls %s, which is gated on approval", ordinal, proposal.QualifiedName),
		RequestedAt:   time.Now(),
		Decision:      store.DecisionPending,
	}
	if err := e.store.CreateApproval(ctx, approval); err != nil {
		return nil, err
	}
	if err := e.setStatus(ctx, st, store.StatusPausedForApproval, ""); err != nil {
		return nil, err
	}
	e.emit(ctx, st, bus.KindApprovalRequested, map[string]any{
		"approval_id": approval.ApprovalID,
		"step_id":     stepID,
		"ordinal":     ordinal,
		"tool":        proposal.QualifiedName,
	})
	metrics.ApprovalRequested()

	for {
		select {
		case <-ctx.Done():
			return &termination{store.StatusCancelled, store.ReasonCancelled}, nil
		case sig := <-st.handle.approvalCh:
			if sig.approvalID != approval.ApprovalID {
				continue
			}
			metrics.ApprovalResolved(string(sig.decision))
			if sig.decision != store.DecisionApproved {
				return &termination{store.StatusFailed, store.ReasonApprovalRejected}, nil
			}
			st.approved[proposal.QualifiedName] = true
			if err := e.setStatus(ctx, st, store.StatusRunning, ""); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}
}

// retryWait sleeps the exponential backoff before the next attempt:
// base doubled per prior attempt, with 20% jitter either way.
func (e *Executor) retryWait(ctx context.Context, attempted int) error {
	delay := e.cfg.Runs.Retry.BaseRetryDelay()
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	for i := 1; i < attempted; i++ {
		delay *= 2
	}
	delay = time.Duration(float64(delay) * (1 + (rand.Float64()*0.4 - 0.2)))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// commitSucceeded stores artefacts, commits the step with its citations,
// and advances totals.
func (e *Executor) commitSucceeded(st *runState, proposal planner.ProposedStep, stepID string, ordinal int, startedAt time.Time, attempts []store.Attempt, env *protocol.ToolResultEnvelope) error {
	ctx := context.Background() // commits outlast run cancellation
	serverID, toolName := splitQualified(proposal.QualifiedName)

	refs, err := e.storeArtefacts(st, env.Artefacts)
	if err != nil {
		return err
	}
	citations := make([]*store.Citation, 0, len(env.Citations))
	for _, c := range env.Citations {
		citation := &store.Citation{
			CitationID:  uuid.New().String(),
			RunID:       st.run.RunID,
			StepID:      stepID,
			ExternalRef: c.ExternalRef,
			Locator:     c.Locator,
		}
		if c.Artefact >= 0 && c.Artefact < len(refs) {
			citation.ArtefactID = refs[c.Artefact]
		}
		citations = append(citations, citation)
	}

	finished := time.Now()
	step := &store.Step{
		StepID:       stepID,
		RunID:        st.run.RunID,
		Ordinal:      ordinal,
		ServerID:     serverID,
		ToolName:     toolName,
		Input:        proposal.Input,
		Output:       env.Output,
		StartedAt:    startedAt,
		FinishedAt:   &finished,
		Attempts:     len(attempts),
		AttemptLog:   attempts,
		Cost:         env.Cost,
		ArtefactRefs: refs,
	}
	if err := e.store.AppendStep(ctx, step, citations); err != nil {
		return err
	}
	metrics.StepCommitted("ok", finished.Sub(startedAt))

	st.totals.Steps = ordinal
	st.totals.Cost += env.Cost
	st.totals.WallMS = st.elapsed().Milliseconds()
	if err := e.store.UpdateRunTotals(ctx, st.run.RunID, st.totals); err != nil {
		return err
	}
	st.completed = append(st.completed, planner.StepOutcome{
		Ordinal:       ordinal,
		QualifiedName: proposal.QualifiedName,
		Output:        env.Output,
		Cost:          env.Cost,
		ArtefactRefs:  refs,
	})

	e.emit(ctx, st, bus.KindStepFinished, map[string]any{
		"step_id": stepID,
		"ordinal": ordinal,
		"tool":    proposal.QualifiedName,
		"cost":    env.Cost,
	})
	return nil
}

// commitErrored commits the failed step and decides the run's fate: an
// unreachable server fails the run as tool_unreachable, anything else as
// step_failed.
func (e *Executor) commitErrored(st *runState, proposal planner.ProposedStep, stepID string, ordinal int, startedAt time.Time, attempts []store.Attempt, dispatchErr error) (*termination, error) {
	kind := looerrors.KindOf(dispatchErr)
	if err := e.commitFailedStep(st, proposal, stepID, ordinal, startedAt, attempts, dispatchErr.Error(), string(kind)); err != nil {
		return nil, err
	}

	switch kind {
	case looerrors.KindTransportBroken, looerrors.KindTransportUnavailable,
		looerrors.KindServerUnavailable, looerrors.KindDeadlineExceeded:
		return &termination{store.StatusFailed, store.ReasonToolUnreachable}, nil
	default:
		return &termination{store.StatusFailed, store.ReasonStepFailed}, nil
	}
}

// commitCancelled commits an interrupted step and ends the run cancelled.
func (e *Executor) commitCancelled(st *runState, proposal planner.ProposedStep, stepID string, ordinal int, startedAt time.Time, attempts []store.Attempt) (*termination, error) {
	if err := e.commitFailedStep(st, proposal, stepID, ordinal, startedAt, attempts, "run cancelled", string(looerrors.KindCancelled)); err != nil {
		return nil, err
	}
	return &termination{store.StatusCancelled, store.ReasonCancelled}, nil
}

func (e *Executor) commitFailedStep(st *runState, proposal planner.ProposedStep, stepID string, ordinal int, startedAt time.Time, attempts []store.Attempt, errMsg, errKind string) error {
	ctx := context.Background()
	serverID, toolName := splitQualified(proposal.QualifiedName)

	finished := time.Now()
	step := &store.Step{
		StepID:     stepID,
		RunID:      st.run.RunID,
		Ordinal:    ordinal,
		ServerID:   serverID,
		ToolName:   toolName,
		Input:      proposal.Input,
		Error:      errMsg,
		ErrorKind:  errKind,
		StartedAt:  startedAt,
		FinishedAt: &finished,
		Attempts:   len(attempts),
		AttemptLog: attempts,
	}
	if err := e.store.AppendStep(ctx, step, nil); err != nil {
		return err
	}
	metrics.StepCommitted("error", finished.Sub(startedAt))

	st.totals.Steps = ordinal
	st.totals.WallMS = st.elapsed().Milliseconds()
	if err := e.store.UpdateRunTotals(ctx, st.run.RunID, st.totals); err != nil {
		return err
	}
	st.completed = append(st.completed, planner.StepOutcome{
		Ordinal:       ordinal,
		QualifiedName: proposal.QualifiedName,
		Error:         errMsg,
	})

	e.emit(ctx, st, bus.KindStepFinished, map[string]any{
		"step_id": stepID,
		"ordinal": ordinal,
		"tool":    proposal.QualifiedName,
		"error":   errMsg,
	})
	return nil
}

// storeArtefacts persists the envelope's inline artefacts and returns
// their content addresses, in envelope order.
func (e *Executor) storeArtefacts(st *runState, payloads []protocol.ArtefactPayload) ([]string, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	if e.blobs == nil {
		st.logger.Warn("dropping inline artefacts, no artefact store configured",
			slog.Int("count", len(payloads)))
		return nil, nil
	}
	refs := make([]string, 0, len(payloads))
	for _, p := range payloads {
		id, err := e.blobs.Put(p.Data, p.MediaType)
		if err != nil {
			return nil, err
		}
		refs = append(refs, id)
	}
	return refs, nil
}

// setStatus commits the status move and announces it. Commits run on a
// fresh context so a cancelled run can still reach its terminal status.
func (e *Executor) setStatus(ctx context.Context, st *runState, to store.RunStatus, reason store.StopReason) error {
	var endedAt *time.Time
	if to.Terminal() {
		now := time.Now()
		endedAt = &now
		st.totals.WallMS = st.elapsed().Milliseconds()
		if err := e.store.UpdateRunTotals(context.Background(), st.run.RunID, st.totals); err != nil {
			return err
		}
	}
	if err := e.store.UpdateRunStatus(context.Background(), st.run.RunID, to, reason, endedAt); err != nil {
		return err
	}
	st.run.Status = to
	st.run.Reason = reason
	payload := map[string]any{"status": string(to)}
	if reason != "" {
		payload["reason"] = string(reason)
	}
	e.emit(ctx, st, bus.KindRunStatusChanged, payload)
	return nil
}

// emit persists one run event and fans it out. Event loss here must not
// kill the run, so store failures are logged and swallowed.
func (e *Executor) emit(_ context.Context, st *runState, kind string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err))
	}
	st.seq++
	event := &store.Event{
		RunID:    st.run.RunID,
		Sequence: st.seq,
		At:       time.Now(),
		Kind:     kind,
		Payload:  raw,
	}
	if err := e.store.AppendEvent(context.Background(), event); err != nil {
		st.logger.Warn("event not persisted",
			slog.String("kind", kind),
			slog.Any("error", err))
	}
	if e.sink != nil {
		e.sink.Publish(event)
	}
}

func splitQualified(qualified string) (string, string) {
	serverID, toolName, _ := strings.Cut(qualified, ".")
	return serverID, toolName
}
