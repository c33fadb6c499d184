package trailer

import (
	"fmt"

	"github.com/randalmurphal/marge/internal/gitwork"
)

// Rewriter drives Rewrite across a whole commit range through the Git
// Worktree's plumbing primitives, reconstructing each commit via
// commit-tree so parent topology, author identity, and author date are
// preserved and only the committer and message change (spec §4.4).
type Rewriter struct {
	wt *gitwork.Worktree
}

// NewRewriter binds a Rewriter to the worktree it will read commits from
// and write rewritten commits into.
func NewRewriter(wt *gitwork.Worktree) *Rewriter {
	return &Rewriter{wt: wt}
}

// RewriteRange rewrites every commit in rangeSpec (oldest first) with
// opts and returns the new tip sha. It does not move any branch ref —
// the caller (Git Worktree's RebaseOnto/MergeOnto, via the rewrite
// callback) decides when to land the result with ResetHard.
func (r *Rewriter) RewriteRange(rangeSpec string, opts Options) (string, error) {
	commits, err := r.wt.CommitsInRange(rangeSpec)
	if err != nil {
		return "", fmt.Errorf("list commits in %s: %w", rangeSpec, err)
	}
	if len(commits) == 0 {
		return "", gitwork.ErrEmptyDiff
	}

	var parent string
	if len(commits[0].Parents) > 0 {
		parent = commits[0].Parents[0]
	}

	var tip string
	for i, c := range commits {
		isTip := i == len(commits)-1
		newMsg, err := Rewrite(c.Message, opts, isTip)
		if err != nil {
			return "", err
		}

		sha, err := r.wt.RewriteCommit(c, parent, newMsg)
		if err != nil {
			return "", fmt.Errorf("rewrite commit %s: %w", c.SHA, err)
		}
		parent = sha
		tip = sha
	}
	return tip, nil
}

// RewriteCallback returns a function matching Worktree.RebaseOnto's
// rewrite signature, rewriting base..HEAD with opts and landing the result
// via ResetHard.
func (r *Rewriter) RewriteCallback(opts Options) func(base string) error {
	return func(base string) error {
		tip, err := r.RewriteRange(base+"..HEAD", opts)
		if err != nil {
			return err
		}
		return r.wt.ResetHard(tip)
	}
}
