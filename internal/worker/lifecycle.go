package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/marge/internal/batch"
	margeerrors "github.com/randalmurphal/marge/internal/errors"
	"github.com/randalmurphal/marge/internal/forge"
	"github.com/randalmurphal/marge/internal/gitwork"
	"github.com/randalmurphal/marge/internal/mrview"
	"github.com/randalmurphal/marge/internal/trailer"
)

// errShrink is what a prepare attempt reports to batch.Shrink when this id
// set cannot land; whatever MR-terminal consequence caused it (conflict,
// hook rejection) has already been applied (note + unassign) before it is
// returned, so Shrink only needs it as a plain failure signal.
var errShrink = errors.New("prepare attempt needs to shrink")

var (
	errCIFailed  = errors.New("ci failed")
	errCITimeout = errors.New("ci timed out")

	// errRestartFromPrepare signals that the target branch moved out from
	// under the batch — either the tip advanced while CI was running, or
	// FINALISE's pinned-sha accept was rejected as no-longer-fresh — and
	// the whole batch must be rebuilt from PREPARE rather than retried
	// in place (spec §4.7 state 4/5, §8 Freshness).
	errRestartFromPrepare = errors.New("target branch moved, restart from prepare")
)

// runPlan drives PREPARE through FINALISE for one batch plan (spec §4.6,
// §4.7), restarting from PREPARE whenever the target branch moves out from
// under it, up to a bounded number of attempts before giving up on
// whatever candidates still remain (spec §4.7 state 5: "restart from
// PREPARE, up to a small retry budget before declaring terminal"). A
// non-nil return means a project-terminal or fatal failure ended the
// worker; every other outcome is fully handled inline (note + unassign)
// and reported back as nil, so the caller's Run loop simply moves on to
// the next tick.
func (w *Worker) runPlan(ctx context.Context, plan batch.Plan, views map[int64]*mrview.View) error {
	if len(plan.MRIIDs) == 0 {
		return nil
	}

	budget := w.cfg.RestartBudget
	if budget <= 0 {
		budget = 3
	}

	ids := plan.MRIIDs
	for attempt := 1; attempt <= budget; attempt++ {
		var (
			fatalErr error
			prepared []forge.MergeRequest
		)

		landed, _ := batch.Shrink(batch.Plan{ID: plan.ID, MRIIDs: ids}, func(shrinkIDs []int64) error {
			ordered, ok, err := w.prepare(ctx, shrinkIDs, views)
			if err != nil {
				fatalErr = err
				return err
			}
			if !ok {
				return errShrink
			}
			prepared = ordered
			return nil
		})
		if fatalErr != nil {
			return fatalErr
		}
		if len(landed.MRIIDs) == 0 || len(prepared) == 0 {
			w.logger.Info("batch plan abandoned, nothing left to land", "plan_id", plan.ID)
			return nil
		}

		restart, err := w.land(ctx, prepared)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}

		w.logger.Info("target branch moved mid-batch, restarting from prepare", "plan_id", plan.ID, "attempt", attempt)
		ids = landed.MRIIDs
	}

	w.logger.Warn("exhausted restart budget, abandoning batch plan", "plan_id", plan.ID)
	for _, id := range ids {
		if v, ok := views[id]; ok {
			w.noteAndUnassign(ctx, v.MR(), "the target branch kept moving out from under this batch; giving up for now")
		}
	}
	return nil
}

// prepare runs the PREPARE state for a candidate id set (spec §4.7 state
// 1): fetch, reset each branch to the remote's freshest content, then
// chain-rebase (or merge) every MR's source branch onto the result of the
// one before it, so a multi-MR batch's combined tree is exercised as a
// unit. ok is false when an MR-terminal outcome was hit and fully handled
// (note/unassign already applied); err is non-nil only for a
// project-terminal/fatal failure.
func (w *Worker) prepare(ctx context.Context, ids []int64, views map[int64]*mrview.View) ([]forge.MergeRequest, bool, error) {
	w.setState(StatePrepare)

	if err := w.wt.Fetch(w.cfg.Remote); err != nil {
		return nil, false, nil // transient network failure; retried next tick
	}
	if err := w.wt.EnsureLocalBranch(w.cfg.Remote, w.targetBranch); err != nil {
		return nil, false, nil
	}

	onto := w.targetBranch
	ordered := make([]forge.MergeRequest, 0, len(ids))

	for i, id := range ids {
		v, ok := views[id]
		if !ok {
			return nil, false, nil
		}
		mr := v.MR()
		isBatchTip := i == len(ids)-1

		if err := w.wt.EnsureLocalBranch(w.cfg.Remote, mr.SourceBranch); err != nil {
			return nil, false, nil
		}

		rewrite := w.rewriteCallbackFor(mr, isBatchTip)

		var rebaseErr error
		if w.cfg.UseMergeStrategy {
			rebaseErr = w.wt.MergeOnto(onto, mr.SourceBranch, rewrite)
		} else {
			rebaseErr = w.wt.RebaseOnto(onto, mr.SourceBranch, rewrite)
		}

		switch {
		case rebaseErr == nil:
			ordered = append(ordered, mr)
			onto = mr.SourceBranch

		case errors.Is(rebaseErr, gitwork.ErrEmptyDiff):
			w.note(ctx, mr, "no changes remain once rebased onto "+w.targetBranch+"; nothing to merge")
			return nil, false, nil

		default:
			var conflict *gitwork.RebaseConflictError
			var hook *gitwork.HookRejectedError
			switch {
			case errors.As(rebaseErr, &conflict):
				w.noteAndUnassign(ctx, mr, fmt.Sprintf("rebase onto %s conflicted:\n%s", w.targetBranch, conflict.Diagnostic))
			case errors.As(rebaseErr, &hook):
				w.noteAndUnassign(ctx, mr, "a local hook rejected the rewritten commits: "+hook.Output)
			}
			return nil, false, nil
		}
	}

	return ordered, true, nil
}

// land drives PUSH through FINALISE for a prepared, ordered chain of MRs
// (spec §4.7 states 2-5). Each MR is pushed in order (later ones already
// carry earlier ones' content from the chained rebase in prepare), CI is
// resolved once against the combined tip (spec §4.6: "resolves approvals
// and CI on the single combined tip"), and on success every MR in the
// chain is finalised in order. restart reports whether the target branch
// moved out from under the batch during CI or FINALISE, meaning the
// caller should rebuild everything from PREPARE rather than treat this
// attempt as done.
func (w *Worker) land(ctx context.Context, ordered []forge.MergeRequest) (restart bool, err error) {
	w.setState(StatePush)

	// Captured before push: by the time FINALISE runs, reset_approvals_on_push
	// has already cleared the server-side approval list, so reapprove must
	// work from this pre-push snapshot rather than a refreshed MR (spec §3
	// invariant 3: "restored to its pre-push membership").
	priorApprovers := make(map[int64][]forge.User, len(ordered))
	for _, mr := range ordered {
		priorApprovers[mr.IID] = mr.Approvals.By
	}

	pushed := make([]forge.MergeRequest, 0, len(ordered))
	for _, mr := range ordered {
		if err := w.wt.Push(w.cfg.Remote, mr.SourceBranch, true); err != nil {
			w.handlePushRejection(ctx, mr, err)
			break
		}

		refreshed, err := w.client.GetMR(ctx, mr.ProjectID, mr.IID)
		if err != nil {
			break // transient; whatever landed so far is abandoned for this tick
		}
		pushed = append(pushed, *refreshed)
	}
	if len(pushed) == 0 {
		return false, nil
	}

	if w.cfg.ImpersonateApprovers && w.project.ResetApprovalsOnPush {
		w.setState(StateReapprove)
		for _, mr := range pushed {
			if aborted := w.reapprove(ctx, mr, priorApprovers[mr.IID]); aborted {
				return false, nil
			}
		}
	}

	tip := pushed[len(pushed)-1]
	targetSHA := ""
	if branch, err := w.client.GetBranch(ctx, tip.ProjectID, w.targetBranch); err == nil {
		targetSHA = branch.SHA
	}

	w.setState(StateAwaitCI)
	switch ciErr := w.awaitCI(ctx, tip, targetSHA); {
	case ciErr == nil:
		// fall through to finalise
	case errors.Is(ciErr, errRestartFromPrepare):
		return true, nil
	default:
		return false, nil // MR-terminal (failed/timeout), already noted
	}

	w.setState(StateFinalise)
	// FINALISE is not interrupted by cancellation: once started, every
	// accept (and its lock retries) runs to completion.
	ctx = context.WithoutCancel(ctx)
	for _, mr := range pushed {
		if err := w.finalise(ctx, mr); err != nil {
			if errors.Is(err, errRestartFromPrepare) {
				return true, nil
			}
			return false, nil
		}
	}
	return false, nil
}

// reapprove re-approves a pushed MR as each of priorApprovers via admin
// impersonation (spec §4.7 state 3). priorApprovers must be the MR's
// approval set captured before the push went out — the forge may have
// already cleared mr.Approvals.By server-side by the time this runs. A
// failed impersonation is skipped, not fatal — the forge's own approval
// gate at FINALISE is the backstop. When approval-reset-timeout is
// configured and approvals are still short of threshold once it elapses,
// the MR is aborted with a note and aborted is true.
func (w *Worker) reapprove(ctx context.Context, mr forge.MergeRequest, priorApprovers []forge.User) (aborted bool) {
	for _, approver := range priorApprovers {
		if approver.ID == mr.Author.ID {
			continue
		}
		_ = w.client.ApproveMR(ctx, mr.ProjectID, mr.IID, approver.Username)
	}

	if w.cfg.ApprovalResetTimeout <= 0 {
		return false
	}

	deadline := time.Now().Add(w.cfg.ApprovalResetTimeout)
	for {
		refreshed, err := w.client.GetMR(ctx, mr.ProjectID, mr.IID)
		if err == nil {
			v := mrview.New(*refreshed)
			if v.IsApproved(w.project, w.cfg.BotUser) {
				return false
			}
		}
		if time.Now().After(deadline) {
			w.noteAndUnassign(ctx, mr, "approvals were not restored within the configured timeout after re-push")
			return true
		}
		if !sleepCtx(ctx, w.cfg.PollActive) {
			return true
		}
	}
}

// awaitCI polls for the pipeline on tip's pushed sha (spec §4.7 state 4),
// restarting from PREPARE if the target branch advances while CI is still
// running — a rebase computed against a tip that is no longer current is
// stale, and landing it would defeat the bot's whole purpose (spec §8
// Freshness). targetSHA is the target branch's tip at the moment CI
// polling began ("" if the lookup failed, in which case this check is
// skipped and awaitCI falls back to the source-sha check below). A nil
// return means CI succeeded (or was intentionally skipped); errRestartFromPrepare
// means the caller should rebuild the batch from scratch; any other
// non-nil return is an MR-terminal outcome that has already been noted.
func (w *Worker) awaitCI(ctx context.Context, tip forge.MergeRequest, targetSHA string) error {
	deadline := time.Now().Add(w.cfg.CITimeout)
	cur := tip

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if targetSHA != "" {
			if branch, err := w.client.GetBranch(ctx, cur.ProjectID, w.targetBranch); err == nil && branch.SHA != targetSHA {
				return errRestartFromPrepare
			}
		}

		refreshed, err := w.client.GetMR(ctx, cur.ProjectID, cur.IID)
		if err == nil {
			if refreshed.SHA != cur.SHA {
				return errRestartFromPrepare
			}
			cur = *refreshed
		}

		pipe, err := w.client.GetPipelineForMR(ctx, cur.ProjectID, cur.IID, cur.SourceBranch, cur.SHA)
		if err == nil && pipe != nil {
			switch pipe.Status {
			case forge.PipelineSuccess, forge.PipelineSkipped:
				return nil
			case forge.PipelineFailed, forge.PipelineCanceled:
				w.noteAndUnassign(ctx, cur, fmt.Sprintf("CI %s on %s: %s", pipe.Status, shortSHA(cur.SHA), pipe.WebURL))
				return errCIFailed
			}
			// created/pending/running/manual: keep polling.
		}

		if time.Now().After(deadline) {
			w.noteAndUnassign(ctx, cur, "timed out waiting for CI on "+shortSHA(cur.SHA))
			return errCITimeout
		}
		if !sleepCtx(ctx, w.cfg.PollActive) {
			return ctx.Err()
		}
	}
}

// finalise calls accept with the pushed sha pinned (spec §4.7 state 5). A
// 422 lock (a concurrent merge in flight) is expected to clear on its own
// and is retried in place; a sha-mismatch, not-mergeable, or
// no-longer-approved rejection means the pinned sha can never be accepted
// again and errRestartFromPrepare is returned so the caller rebuilds the
// batch from PREPARE instead of re-accepting the same stale sha (spec
// §4.7 state 5). Only once the retry budget is exhausted without either
// succeeding or hitting a restart condition is the MR noted and
// unassigned so the worker picks a fresh candidate next tick.
func (w *Worker) finalise(ctx context.Context, mr forge.MergeRequest) error {
	budget := w.cfg.FinaliseRetryBudget
	if budget <= 0 {
		budget = 3
	}

	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		err := w.client.AcceptMR(ctx, mr.ProjectID, mr.IID, forge.AcceptOptions{SHA: mr.SHA})
		if err == nil {
			return nil
		}
		lastErr = err

		switch margeerrors.AsMargeError(err).Code {
		case margeerrors.CodeForgeConflict, margeerrors.CodeForgeNotMergeable, margeerrors.CodeForgeUnapproved:
			return errRestartFromPrepare
		}

		if !sleepCtx(ctx, w.cfg.FinaliseLockedRetryDelay) {
			return ctx.Err()
		}
	}

	w.noteAndUnassign(ctx, mr, fmt.Sprintf("could not finalise the merge after %d attempts: %v", budget, lastErr))
	return fmt.Errorf("finalise %d: %w", mr.IID, lastErr)
}

func (w *Worker) handlePushRejection(ctx context.Context, mr forge.MergeRequest, err error) {
	var rejected *gitwork.PushRejectedError
	if errors.As(err, &rejected) && rejected.Reason == gitwork.RejectProtected {
		w.noteAndUnassign(ctx, mr, "push to "+rejected.Branch+" was rejected: branch is protected")
		return
	}
	// Stale (target moved under us) and hook/network rejections are
	// transient from the worker's perspective: the next tick re-fetches,
	// re-prepares, and tries again (spec §4.7 state 2).
}

func (w *Worker) rewriteCallbackFor(mr forge.MergeRequest, isBatchTip bool) func(base string) error {
	opts := trailer.Options{
		EnableReviewers: w.cfg.AddReviewers,
		EnableTested:    w.cfg.AddTested && isBatchTip,
		TesterName:      w.cfg.TesterName,
		EnablePartOf:    w.cfg.AddPartOf,
		MRURL:           mr.WebURL,
	}
	if w.cfg.AddReviewers {
		opts.Approvers = make([]trailer.Approver, 0, len(mr.Approvals.By))
		for _, u := range mr.Approvals.By {
			opts.Approvers = append(opts.Approvers, trailer.Approver{Name: u.Name, Email: u.Email, Username: u.Username})
		}
	}
	return w.rewriter.RewriteCallback(opts)
}

func (w *Worker) note(ctx context.Context, mr forge.MergeRequest, reason string) {
	w.logger.Info("posting note", "mr_iid", mr.IID, "reason", reason)
	body := fmt.Sprintf("Marge: %s (sha %s)", reason, shortSHA(mr.SHA))
	_ = w.client.PostNote(ctx, mr.ProjectID, mr.IID, body)
}

func (w *Worker) noteAndUnassign(ctx context.Context, mr forge.MergeRequest, reason string) {
	w.note(ctx, mr, reason)

	remaining := make([]int64, 0, len(mr.Assignees))
	for _, a := range mr.Assignees {
		if a.ID != w.cfg.BotUser.ID {
			remaining = append(remaining, a.ID)
		}
	}
	_ = w.client.SetAssignees(ctx, mr.ProjectID, mr.IID, remaining)
}

func shortSHA(sha string) string {
	if len(sha) <= 8 {
		return sha
	}
	return sha[:8]
}
