// Package batch implements the Batch Planner component (spec §4.6): turns
// an ordered candidate list into a merge-train plan whose combined
// rebased tree is tested and finalised as a unit, shrinking on conflict
// and falling back to single-MR runs.
package batch

import "github.com/google/uuid"

// Candidate is the minimal batch-planning data the Project Worker
// supplies per candidate (spec §4.6, §4.7): its MR iid, and whether its
// project's merge_method is ff-only (the planner must be able to shrink
// an ff-only batch on conflict; non-ff-only merge methods tolerate a
// batch that merges cleanly even if individual members would conflict
// pairwise under rebase).
type Candidate struct {
	IID    int64
	FFOnly bool
}

// Config controls batching (spec §6 batch flag). No flag sets MaxSize.
type Config struct {
	Enabled bool
	MaxSize int
}

// Plan is an ordered prefix of the candidate list whose combined rebase
// is attempted atomically; a Plan of size 1 is always legal (spec §3). ID
// correlates every log line and note belonging to one attempt, including
// the ones emitted after Shrink has dropped members from the original set.
type Plan struct {
	ID     string
	MRIIDs []int64
}

// Build produces the initial plan from the ordered candidates: an empty
// Plan (no ID, no members) when there are no candidates, a plan of size 1
// when batching is disabled, else a prefix bounded by cfg.MaxSize (0 or
// negative means unbounded).
func Build(candidates []Candidate, cfg Config) Plan {
	if len(candidates) == 0 {
		return Plan{}
	}
	if !cfg.Enabled {
		return Plan{ID: uuid.NewString(), MRIIDs: []int64{candidates[0].IID}}
	}

	max := cfg.MaxSize
	if max <= 0 || max > len(candidates) {
		max = len(candidates)
	}

	ids := make([]int64, 0, max)
	for i := 0; i < max; i++ {
		ids = append(ids, candidates[i].IID)
	}
	return Plan{ID: uuid.NewString(), MRIIDs: ids}
}

// TryFunc attempts to land the combined rebase/merge of the given MR
// iids as a single unit (PREPARE through the tip-building step, not
// FINALISE) and reports whether it succeeded.
type TryFunc func(ids []int64) error

// Shrink drives the ff-only conflict-shrink rule (spec §4.6): it calls
// try with the full plan, and on failure drops the most recently added
// member and retries, until try succeeds or only one MR remains. The
// returned Plan is the one try last succeeded on (or the single-MR
// residue plan and its error, if even that failed); the caller is
// expected to fall back to running any MR dropped along the way
// individually, in order (spec §4.6 "falls back to single-MR runs").
func Shrink(plan Plan, try TryFunc) (Plan, error) {
	if len(plan.MRIIDs) == 0 {
		return plan, nil
	}

	for len(plan.MRIIDs) > 1 {
		if err := try(plan.MRIIDs); err == nil {
			return plan, nil
		}
		plan.MRIIDs = plan.MRIIDs[:len(plan.MRIIDs)-1]
	}

	if err := try(plan.MRIIDs); err != nil {
		return plan, err
	}
	return plan, nil
}

// Remaining returns the candidates not included in plan, preserving
// their original relative order, so the worker can queue them for
// subsequent iterations after a batch lands or is abandoned.
func Remaining(candidates []Candidate, plan Plan) []Candidate {
	included := make(map[int64]bool, len(plan.MRIIDs))
	for _, id := range plan.MRIIDs {
		included[id] = true
	}

	var rest []Candidate
	for _, c := range candidates {
		if !included[c.IID] {
			rest = append(rest, c)
		}
	}
	return rest
}
