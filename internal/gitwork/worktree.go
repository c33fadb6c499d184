package gitwork

import (
	"errors"
	"fmt"
	"strings"
)

// RejectReason classifies why a push was rejected.
type RejectReason string

const (
	RejectProtected RejectReason = "protected"
	RejectStale     RejectReason = "stale"
	RejectHook      RejectReason = "hook"
)

// PushRejectedError is returned by Worktree.Push when the remote refused
// the push for a reason the worker can reason about (as opposed to a
// NetworkError, which is purely transient).
type PushRejectedError struct {
	Reason RejectReason
	Branch string
	Err    error
}

func (e *PushRejectedError) Error() string {
	return fmt.Sprintf("push to %s rejected (%s): %v", e.Branch, e.Reason, e.Err)
}

func (e *PushRejectedError) Unwrap() error { return e.Err }

// NetworkError wraps a transient network/auth failure on a remote operation.
type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// RebaseConflictError carries a diagnostic summary of a failed rebase.
type RebaseConflictError struct{ Diagnostic string }

func (e *RebaseConflictError) Error() string { return "rebase conflict: " + e.Diagnostic }

// ErrEmptyDiff indicates the rebase produced no changes relative to target.
var ErrEmptyDiff = errors.New("rebase produced an empty diff")

// HookRejectedError carries the output of a server-side or local hook rejection.
type HookRejectedError struct{ Output string }

func (e *HookRejectedError) Error() string { return "hook rejected: " + e.Output }

// Worktree is the Git Worktree component (spec: a long-lived local clone
// dedicated to one (project, target-branch) pair). It identifies itself to
// the remote solely via the SSH key and committer identity supplied to its
// underlying Context (WithSSHKey/WithCommitterIdentity) — it never
// consults ambient ssh-agent or ~/.ssh.
type Worktree struct {
	ctx               *Context
	protectedBranches []string
}

// NewWorktree wraps an existing Context with the protected-branch policy
// that guards Push.
func NewWorktree(ctx *Context, protectedBranches []string) *Worktree {
	return &Worktree{ctx: ctx, protectedBranches: protectedBranches}
}

// IsProtectedBranch reports whether branch is in the protected set.
func (w *Worktree) IsProtectedBranch(branch string) bool {
	for _, b := range w.protectedBranches {
		if b == branch {
			return true
		}
	}
	return false
}

// Fetch prunes and fetches from remote. Fatal (a NetworkError) on auth/network failure.
func (w *Worktree) Fetch(remote string) error {
	if err := w.ctx.Fetch(remote); err != nil {
		return &NetworkError{Err: err}
	}
	return nil
}

// RebaseOnto rebases sourceRef onto target in the working tree, then
// rewrites each resulting commit to carry newTrailers via rewrite (the
// Commit Rewriter, injected by the caller so this package stays
// trailer-agnostic). Returns RebaseConflictError, ErrEmptyDiff, or a
// HookRejectedError.
func (w *Worktree) RebaseOnto(target, sourceRef string, rewrite func(base string) error) error {
	if _, err := w.ctx.RunGit("checkout", sourceRef); err != nil {
		return fmt.Errorf("checkout source %s: %w", sourceRef, err)
	}

	diff, err := w.ctx.RunGit("diff", target+"..."+sourceRef)
	if err == nil && strings.TrimSpace(diff) == "" {
		return ErrEmptyDiff
	}

	if _, err := w.ctx.RunGit("rebase", target); err != nil {
		diag, _ := w.ctx.RunGit("status", "--short")
		_, _ = w.ctx.RunGit("rebase", "--abort")
		if isHookRejection(err) {
			return &HookRejectedError{Output: diag}
		}
		return &RebaseConflictError{Diagnostic: diag}
	}

	if rewrite != nil {
		if err := rewrite(target); err != nil {
			_, _ = w.ctx.RunGit("rebase", "--abort")
			return err
		}
	}

	diff, err = w.ctx.RunGit("diff", target+"..."+sourceRef)
	if err == nil && strings.TrimSpace(diff) == "" {
		return ErrEmptyDiff
	}
	return nil
}

// MergeOnto is the merge-commit alternative to RebaseOnto (spec §9 (c):
// experimental, secondary to the rebase path). It produces a single merge
// commit on sourceRef that brings in target, preserving branch history.
func (w *Worktree) MergeOnto(target, sourceRef string, rewrite func(base string) error) error {
	if _, err := w.ctx.RunGit("checkout", sourceRef); err != nil {
		return fmt.Errorf("checkout source %s: %w", sourceRef, err)
	}
	if _, err := w.ctx.RunGit("merge", "--no-ff", target); err != nil {
		diag, _ := w.ctx.RunGit("status", "--short")
		_, _ = w.ctx.RunGit("merge", "--abort")
		if isHookRejection(err) {
			return &HookRejectedError{Output: diag}
		}
		return &RebaseConflictError{Diagnostic: diag}
	}
	if rewrite != nil {
		return rewrite(target)
	}
	return nil
}

// Push force-with-lease pushes ref to remote. On rejection the error
// classifies as protected (never attempted, returned before the git call),
// stale (remote moved, lease failed), or hook (server-side hook refusal).
func (w *Worktree) Push(remote, ref string, forceWithLease bool) error {
	if w.IsProtectedBranch(ref) {
		return &PushRejectedError{Reason: RejectProtected, Branch: ref, Err: ErrProtectedBranch}
	}

	args := []string{"push"}
	if forceWithLease {
		args = append(args, "--force-with-lease")
	}
	args = append(args, remote, ref)

	_, err := w.ctx.runner.RunEnv(w.ctx.workDir, w.ctx.remoteEnv(), "git", args...)
	if err == nil {
		return nil
	}

	if IsNonFastForwardError(err) {
		return &PushRejectedError{Reason: RejectStale, Branch: ref, Err: err}
	}
	if isHookRejection(err) {
		return &PushRejectedError{Reason: RejectHook, Branch: ref, Err: err}
	}
	return &NetworkError{Err: err}
}

// EnsureLocalBranch makes branch exist locally and resets it hard to
// remote/branch, so a subsequent RebaseOnto/MergeOnto always starts from
// the freshest remote content and never carries over stale local state
// (spec §3 invariant 4: "the working clone never retains stale local
// branches across iterations").
func (w *Worktree) EnsureLocalBranch(remote, branch string) error {
	remoteRef := remote + "/" + branch
	if w.ctx.BranchExists(branch) {
		if _, err := w.ctx.RunGit("checkout", branch); err != nil {
			return fmt.Errorf("checkout %s: %w", branch, err)
		}
		if _, err := w.ctx.RunGit("reset", "--hard", remoteRef); err != nil {
			return fmt.Errorf("reset %s to %s: %w", branch, remoteRef, err)
		}
		return nil
	}
	if _, err := w.ctx.RunGit("checkout", "-B", branch, remoteRef); err != nil {
		return fmt.Errorf("checkout -B %s %s: %w", branch, remoteRef, err)
	}
	return nil
}

// CommitSHAs enumerates the commits in rangeSpec (e.g. "target..source"),
// oldest first, for trailer verification.
func (w *Worktree) CommitSHAs(rangeSpec string) ([]string, error) {
	out, err := w.ctx.RunGit("rev-list", "--reverse", rangeSpec)
	if err != nil {
		return nil, fmt.Errorf("rev-list %s: %w", rangeSpec, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CurrentBranch returns the branch checked out in this worktree.
func (w *Worktree) CurrentBranch() (string, error) {
	return w.ctx.CurrentBranch()
}

// RemoteBranchExists checks if branch exists on remote.
func (w *Worktree) RemoteBranchExists(remote, branch string) (bool, error) {
	out, err := w.ctx.runner.RunEnv(w.ctx.workDir, w.ctx.remoteEnv(), "git",
		"ls-remote", "--heads", remote, "refs/heads/"+branch)
	if err != nil {
		return false, fmt.Errorf("ls-remote: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// IsNonFastForwardError checks if a push error is due to non-fast-forward
// (divergent history): the lease failed because the remote moved under us.
func IsNonFastForwardError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "non-fast-forward") ||
		strings.Contains(errStr, "stale info") ||
		(strings.Contains(errStr, "rejected") && strings.Contains(errStr, "fetch first"))
}

func isHookRejection(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "pre-receive hook declined") ||
		strings.Contains(errStr, "hook declined") ||
		strings.Contains(errStr, "rejected by hook")
}
