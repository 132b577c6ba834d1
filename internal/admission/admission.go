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

// Package admission is the coordination core's front door for runs: it
// validates submissions, bounds concurrency, recovers interrupted runs on
// startup, and serves durable event streams with cursor replay.
package admission

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/bus"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/executor"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/store"
	looerrors "github.com/loomctl/loom/pkg/errors"
)

// SubmitRequest is one run submission.
type SubmitRequest struct {
	Submitter  string
	Plan       json.RawMessage
	AllowTools []string

	// Budgets overrides the configured defaults where non-zero.
	Budgets store.Budgets
}

// RunView is a run with its committed progress.
type RunView struct {
	Run              *store.Run
	Steps            []*store.Step
	PendingApprovals []*store.Approval
}

// Service admits, schedules, and observes runs.
type Service struct {
	cfg    *config.Config
	store  store.Store
	bus    *bus.Bus
	exec   *executor.Executor
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup
}

// New builds the admission service over the executor.
func New(cfg *config.Config, st store.Store, b *bus.Bus, exec *executor.Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := cfg.Runs.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:    cfg,
		store:  st,
		bus:    b,
		exec:   exec,
		logger: log.WithComponent(logger, "admission"),
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// StartRun validates and persists the submission, then schedules it. The
// run stays queued until a concurrency slot frees.
func (s *Service) StartRun(ctx context.Context, req SubmitRequest) (*store.Run, error) {
	if err := validatePlan(req.Plan); err != nil {
		return nil, err
	}

	budgets := req.Budgets
	defaults := s.cfg.Runs.DefaultBudgets
	if budgets.MaxSteps == 0 {
		budgets.MaxSteps = defaults.MaxSteps
	}
	if budgets.MaxWallMS == 0 {
		budgets.MaxWallMS = defaults.MaxWallMS
	}
	if budgets.MaxCost == 0 {
		budgets.MaxCost = defaults.MaxCost
	}

	run := &store.Run{
		RunID:      uuid.New().String(),
		Submitter:  req.Submitter,
		Plan:       req.Plan,
		AllowTools: req.AllowTools,
		Status:     store.StatusQueued,
		Budgets: store.Budgets{
			MaxSteps:  budgets.MaxSteps,
			MaxWallMS: budgets.MaxWallMS,
			MaxCost:   budgets.MaxCost,
		},
		SubmittedAt: time.Now(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.emitStatus(ctx, run.RunID, store.StatusQueued, "")
	s.logger.Info("run admitted",
		slog.String("run_id", run.RunID),
		slog.String("submitter", run.Submitter))

	s.schedule(run.RunID)
	return run, nil
}

// CancelRun aborts the run whether it is queued, running, or paused.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	// A live handle means the executor owns the terminal commit.
	if s.exec.Cancel(runID) {
		return nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return &looerrors.StateError{
			Kind:     looerrors.KindAlreadyTerminal,
			Resource: "run",
			ID:       runID,
		}
	}

	now := time.Now()
	if err := s.store.UpdateRunStatus(ctx, runID, store.StatusCancelled, store.ReasonCancelled, &now); err != nil {
		// The run may have been picked up between the check and the write.
		if s.exec.Cancel(runID) {
			return nil
		}
		return err
	}
	s.emitStatus(ctx, runID, store.StatusCancelled, store.ReasonCancelled)
	return nil
}

// ResolveApproval records the decision and wakes the paused run.
func (s *Service) ResolveApproval(ctx context.Context, approvalID string, approve bool) (*store.Approval, error) {
	decision := store.DecisionRejected
	if approve {
		decision = store.DecisionApproved
	}
	approval, err := s.store.ResolveApproval(ctx, approvalID, decision, time.Now())
	if err != nil {
		return nil, err
	}
	if !s.exec.NotifyApproval(approval.RunID, approvalID, decision) {
		// The run is not executing here; the decision is durable and a
		// resumed run would consult it, so this is not an error.
		s.logger.Warn("approval resolved for a run with no live handle",
			slog.String("run_id", approval.RunID),
			slog.String("approval_id", approvalID))
	}
	return approval, nil
}

// GetRun returns the run with its committed steps and pending approvals.
func (s *Service) GetRun(ctx context.Context, runID string) (*RunView, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.Steps(ctx, runID)
	if err != nil {
		return nil, err
	}
	approvals, err := s.store.PendingApprovals(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunView{Run: run, Steps: steps, PendingApprovals: approvals}, nil
}

// StreamEvents replays the run's persisted events after the cursor, then
// follows live. Gaps from a lagging live feed are refilled from the store,
// so the stream is gapless and strictly ordered by sequence. The returned
// stop function must be called when done.
func (s *Service) StreamEvents(ctx context.Context, runID string, after int64) (<-chan *store.Event, func(), error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, nil, err
	}
	sub := s.bus.Subscribe(bus.Filter{RunID: runID})
	out := make(chan *store.Event, 64)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer sub.Cancel()

		last := after
		flush := func() bool {
			events, err := s.store.EventsSince(ctx, runID, last)
			if err != nil {
				s.logger.Warn("event replay failed",
					slog.String("run_id", runID), slog.Any("error", err))
				return false
			}
			for _, e := range events {
				select {
				case out <- e:
					last = e.Sequence
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		if !flush() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				if msg.Lagged > 0 {
					if !flush() {
						return
					}
					continue
				}
				e := msg.Event
				if e.Sequence <= last {
					continue
				}
				if e.Sequence > last+1 {
					// The subscriber attached mid-run; refill from the store.
					if !flush() {
						return
					}
					continue
				}
				select {
				case out <- e:
					last = e.Sequence
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, sub.Cancel, nil
}

// Recover reconciles runs the last process left behind: interrupted runs
// fail with crash_recovery, queued runs are rescheduled.
func (s *Service) Recover(ctx context.Context) error {
	runs, err := s.store.NonTerminalRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		switch run.Status {
		case store.StatusQueued:
			s.logger.Info("rescheduling queued run", slog.String("run_id", run.RunID))
			s.schedule(run.RunID)

		case store.StatusRunning, store.StatusPausedForApproval:
			// The in-flight step's fate is unknowable; the run log stays
			// truthful by failing the run rather than guessing.
			now := time.Now()
			if err := s.store.UpdateRunStatus(ctx, run.RunID, store.StatusFailed, store.ReasonCrashRecovery, &now); err != nil {
				return err
			}
			s.emitStatus(ctx, run.RunID, store.StatusFailed, store.ReasonCrashRecovery)
			s.logger.Warn("run interrupted by restart, failed",
				slog.String("run_id", run.RunID),
				slog.String("last_status", string(run.Status)))
		}
	}
	return nil
}

// Close stops scheduling and cancels active runs; each commits a durable
// cancelled status before Close returns.
func (s *Service) Close() {
	s.cancel()
	s.exec.Shutdown()
	s.wg.Wait()
}

// schedule queues the run for execution behind the concurrency cap.
func (s *Service) schedule(runID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		defer func() { <-s.sem }()

		if err := s.exec.Execute(s.ctx, runID); err != nil {
			s.logger.Error("run execution aborted",
				slog.String("run_id", runID),
				slog.Any("error", err))
		}
	}()
}

// emitStatus appends a status event with the run's next sequence number.
// Only called when the executor holds no handle for the run, so there is
// no competing writer.
func (s *Service) emitStatus(ctx context.Context, runID string, status store.RunStatus, reason store.StopReason) {
	events, err := s.store.EventsSince(ctx, runID, 0)
	if err != nil {
		s.logger.Warn("status event not persisted",
			slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	var seq int64
	if n := len(events); n > 0 {
		seq = events[n-1].Sequence
	}
	payload := map[string]any{"status": string(status)}
	if reason != "" {
		payload["reason"] = string(reason)
	}
	raw, _ := json.Marshal(payload)
	event := &store.Event{
		RunID:    runID,
		Sequence: seq + 1,
		At:       time.Now(),
		Kind:     bus.KindRunStatusChanged,
		Payload:  raw,
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.logger.Warn("status event not persisted",
			slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	s.bus.Publish(event)
}

// validatePlan checks the submitted plan is a parseable, non-empty JSON
// document.
func validatePlan(plan json.RawMessage) error {
	if len(plan) == 0 {
		return &looerrors.RoutingError{
			Kind:   looerrors.KindInvalidArguments,
			Detail: "plan must not be empty",
		}
	}
	var decoded any
	if err := json.Unmarshal(plan, &decoded); err != nil {
		return &looerrors.RoutingError{
			Kind:   looerrors.KindInvalidArguments,
			Detail: "plan is not valid JSON",
		}
	}
	return nil
}
