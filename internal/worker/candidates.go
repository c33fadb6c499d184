package worker

import (
	"context"

	"github.com/randalmurphal/marge/internal/batch"
	"github.com/randalmurphal/marge/internal/forge"
	"github.com/randalmurphal/marge/internal/mrview"
)

// selectCandidates implements the candidate-selection pass (spec §4.7):
// refresh the project, fetch assigned MRs for this target branch, discard
// disqualified MRs, and order the remainder. It returns batch.Candidates
// in selection order alongside the View each candidate was built from, so
// later phases can look one up by iid without refetching.
func (w *Worker) selectCandidates(ctx context.Context) ([]batch.Candidate, map[int64]*mrview.View, error) {
	project, err := w.client.GetProject(ctx, w.project.ID)
	if err != nil {
		if fatal, retryLater := classify(err); !retryLater {
			return nil, nil, fatal
		}
		return nil, nil, nil
	}
	w.mu.Lock()
	w.project = *project
	w.mu.Unlock()

	mrs, err := w.client.ListAssignedMRs(ctx, project.ID, w.cfg.BotUser.ID)
	if err != nil {
		if fatal, retryLater := classify(err); !retryLater {
			return nil, nil, fatal
		}
		return nil, nil, nil
	}

	views := make(map[int64]*mrview.View)
	var kept []*mrview.View
	for _, mr := range mrs {
		if mr.TargetBranch != w.targetBranch {
			continue
		}
		if !w.qualifies(*project, mr) {
			continue
		}
		v := mrview.New(mr)
		kept = append(kept, v)
		views[mr.IID] = v
	}

	mrview.Sort(kept, w.cfg.Order)

	candidates := make([]batch.Candidate, len(kept))
	for i, v := range kept {
		candidates[i] = batch.Candidate{
			IID:    v.MR().IID,
			FFOnly: project.MergeMethod == forge.MergeMethodFastForward,
		}
	}
	return candidates, views, nil
}

// qualifies applies the candidate-selection discard list (spec §4.7):
// state, WIP, branch filters, unresolved discussions, locked, the
// reviewer-equals-author guard, and the approval threshold.
//
// "reviewer-equals-author on the tip after hypothetical rewrite" is
// evaluated against the bot's own identity: once the Commit Rewriter
// lands, the tip's committer is always this bot (internal/trailer sets
// the committer, never the author), so the post-rewrite guard reduces to
// excluding the author — which ReviewerIsAuthor/IsApproved already do when
// given the bot as the stand-in "top commit committer".
func (w *Worker) qualifies(project forge.Project, mr forge.MergeRequest) bool {
	v := mrview.New(mr)

	if !v.IsOpen() || v.IsWorkInProgress() || v.IsLocked() {
		return false
	}
	if v.HasUnresolvedDiscussions() || v.IsTrivialSourceBranch() {
		return false
	}

	if excluded, err := mrview.ExcludedByPattern(w.cfg.SourceBranchPattern, mr.SourceBranch); err != nil || excluded {
		return false
	}
	if excluded, err := mrview.ExcludedByPattern(w.cfg.TargetBranchPattern, mr.TargetBranch); err != nil || excluded {
		return false
	}

	if v.ReviewerIsAuthor(w.cfg.BotUser) {
		return false
	}
	if !v.IsApproved(project, w.cfg.BotUser) {
		return false
	}

	return true
}
