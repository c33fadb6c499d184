// Package worker implements the Project Worker component (spec §4.7): the
// merge state machine for one (project, target-branch) pair. It consumes
// MR Views, drives a Git Worktree and Forge Client, and is the sole
// arbiter of retry-vs-abort policy (spec §7 "Propagation").
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/marge/internal/batch"
	"github.com/randalmurphal/marge/internal/embargo"
	margeerrors "github.com/randalmurphal/marge/internal/errors"
	"github.com/randalmurphal/marge/internal/forge"
	"github.com/randalmurphal/marge/internal/gitwork"
	"github.com/randalmurphal/marge/internal/mrview"
	"github.com/randalmurphal/marge/internal/trailer"
)

// State names the worker's position in the PREPARE/PUSH/REAPPROVE/
// AWAIT_CI/FINALISE state machine for whatever candidate is currently
// in flight (spec §4.7). Idle means no candidate is selected.
type State string

const (
	StateIdle      State = "idle"
	StatePrepare   State = "prepare"
	StatePush      State = "push"
	StateReapprove State = "reapprove"
	StateAwaitCI   State = "await_ci"
	StateFinalise  State = "finalise"
)

// ForgeClient is the subset of forge.Client the worker needs. Narrowed to
// an interface so tests can supply a fake without an HTTP server.
type ForgeClient interface {
	GetProject(ctx context.Context, projectID int64) (*forge.Project, error)
	ListAssignedMRs(ctx context.Context, projectID, userID int64) ([]forge.MergeRequest, error)
	GetMR(ctx context.Context, projectID, iid int64) (*forge.MergeRequest, error)
	GetPipelineForMR(ctx context.Context, projectID, iid int64, sourceBranch, sha string) (*forge.Pipeline, error)
	GetBranch(ctx context.Context, projectID int64, branch string) (*forge.Branch, error)
	AcceptMR(ctx context.Context, projectID, iid int64, opts forge.AcceptOptions) error
	ApproveMR(ctx context.Context, projectID, iid int64, asUsername string) error
	PostNote(ctx context.Context, projectID, iid int64, body string) error
	SetAssignees(ctx context.Context, projectID, iid int64, userIDs []int64) error
}

// GitWorktree is the subset of gitwork.Worktree the worker drives.
type GitWorktree interface {
	Fetch(remote string) error
	EnsureLocalBranch(remote, branch string) error
	RebaseOnto(target, sourceRef string, rewrite func(base string) error) error
	MergeOnto(target, sourceRef string, rewrite func(base string) error) error
	Push(remote, ref string, forceWithLease bool) error
}

// Rewriter is the subset of trailer.Rewriter the worker needs to turn
// trailer.Options into a rewrite callback RebaseOnto/MergeOnto accept.
type Rewriter interface {
	RewriteCallback(opts trailer.Options) func(base string) error
}

// Config is everything about policy the worker needs that doesn't come
// from the forge itself (spec §6 flags, §4.7 cadence/timeouts).
type Config struct {
	BotUser forge.User
	Remote  string // e.g. "origin"

	AddReviewers         bool
	AddTested            bool
	AddPartOf            bool
	TesterName           string
	ImpersonateApprovers bool
	ApprovalResetTimeout time.Duration // 0 = no timeout (spec §4.7 state 3)

	CITimeout time.Duration // default 15m (spec §4.7 state 4)

	PollActive time.Duration // ~0.5-2s, sleep between polls while work is in flight
	PollIdle   time.Duration // ~30-60s, sleep when no candidate is selected

	Order                    mrview.OrderPolicy
	SourceBranchPattern      string
	TargetBranchPattern      string
	Batch                    batch.Config
	UseMergeStrategy         bool // spec §9 (c): secondary/experimental to rebase
	FinaliseRetryBudget      int  // small retry budget before declaring terminal (spec §4.7 state 5)
	FinaliseLockedRetryDelay time.Duration
	RestartBudget            int // bounded PREPARE restarts before giving up on a batch (spec §4.7 state 5)
}

// DefaultConfig returns the cadence/timeout defaults named in spec §4.7/§5.
func DefaultConfig() Config {
	return Config{
		Remote:                   "origin",
		CITimeout:                15 * time.Minute,
		PollActive:               time.Second,
		PollIdle:                 45 * time.Second,
		Order:                    mrview.OrderOldestCreatedFirst,
		FinaliseRetryBudget:      3,
		FinaliseLockedRetryDelay: 5 * time.Second,
		RestartBudget:            3,
	}
}

// Worker is the merge state machine for one (project, target-branch) pair
// (spec §3 Lifecycles: "the Project Worker lives as long as the bot is a
// member of the project").
type Worker struct {
	cfg          Config
	targetBranch string

	client   ForgeClient
	wt       GitWorktree
	rewriter Rewriter
	cal      *embargo.Calendar
	logger   *slog.Logger

	mu      sync.RWMutex
	project forge.Project
	state   State
	lastErr error
}

// New builds a worker for one (project, target-branch) pair. project must
// already be populated (the caller typically just called GetProject);
// cal may be nil to mean "no embargo". logger defaults to slog.Default()
// when nil, matching the Fleet Coordinator's own default (spec: logging
// threads explicitly down to each Project Worker, never a package global).
func New(cfg Config, project forge.Project, targetBranch string, client ForgeClient, wt GitWorktree, rewriter Rewriter, cal *embargo.Calendar, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:          cfg,
		targetBranch: targetBranch,
		client:       client,
		wt:           wt,
		rewriter:     rewriter,
		cal:          cal,
		logger:       logger.With("project", project.Path, "target_branch", targetBranch),
		project:      project,
		state:        StateIdle,
	}
}

// State returns the worker's current state machine position.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// LastError returns the most recent error that ended a worker iteration,
// or nil.
func (w *Worker) LastError() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.logger.Debug("state transition", "state", s)
}

func (w *Worker) setErr(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

// Run drives the worker until ctx is cancelled or a project-terminal/fatal
// error occurs (spec §7: only those categories end the worker; everything
// else is handled by restart/retry within the loop). A nil return means
// ctx was cancelled cleanly; shutdown is cooperative (spec §5
// "Cancellation") — an in-flight FINALISE is allowed to finish, but no new
// candidate is started once ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			w.setState(StateIdle)
			return nil
		}

		if w.cal != nil {
			now := time.Now()
			if w.cal.InEmbargo(now) {
				if !sleepCtx(ctx, w.cal.WaitUntilClear(now)) {
					return nil
				}
				continue
			}
		}

		candidates, views, err := w.selectCandidates(ctx)
		if err != nil {
			w.setErr(err)
			return err
		}

		if len(candidates) == 0 {
			w.setState(StateIdle)
			if !sleepCtx(ctx, w.cfg.PollIdle) {
				return nil
			}
			continue
		}

		plan := batch.Build(candidates, w.cfg.Batch)
		w.logger.Info("batch plan built", "plan_id", plan.ID, "mr_count", len(plan.MRIIDs))
		if err := w.runPlan(ctx, plan, views); err != nil {
			w.logger.Error("project worker stopping", "plan_id", plan.ID, "error", err)
			w.setErr(err)
			return err
		}

		if !sleepCtx(ctx, w.cfg.PollActive) {
			return nil
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled, reporting which
// happened, so every suspension point in the loop stays cancellable
// (spec §5 "Suspension points").
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// classify separates a component failure into "retryable later" (logged
// and swallowed so the worker's tick loop continues) versus "ends this
// worker" (project-terminal or fatal, per spec §7). Per-candidate
// MR-terminal outcomes are handled inline by noting and unassigning; an
// MR-terminal error that does reach this function (e.g. a not-found from
// the project lookup) is treated as retryable later.
func classify(err error) (fatal error, retryLater bool) {
	if err == nil {
		return nil, false
	}
	me := margeerrors.AsMargeError(err)
	switch me.Category() {
	case margeerrors.CategoryTransient:
		return nil, true
	case margeerrors.CategoryMRTerminal:
		return nil, true
	default:
		return fmt.Errorf("project worker: %w", err), false
	}
}
