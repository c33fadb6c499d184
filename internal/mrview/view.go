// Package mrview provides the MR View component (spec §4.3): a read-only
// projection of one merge request's forge state with convenience
// predicates (mergeable? approved? CI green on sha?). Views are created
// per poll cycle and discarded (spec §3 Lifecycles) — this package never
// caches or mutates forge state itself.
package mrview

import (
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/randalmurphal/marge/internal/forge"
)

// View wraps one MergeRequest snapshot with the predicates the Project
// Worker's candidate-selection pass needs (spec §4.7).
type View struct {
	mr forge.MergeRequest
}

// New wraps a forge.MergeRequest snapshot.
func New(mr forge.MergeRequest) *View {
	return &View{mr: mr}
}

// MR returns the underlying read-only snapshot.
func (v *View) MR() forge.MergeRequest {
	return v.mr
}

// IsAssignedTo reports whether user is currently in the assignee set
// (spec §4.3: supports single or multi-assignee forges).
func (v *View) IsAssignedTo(user forge.User) bool {
	for _, a := range v.mr.Assignees {
		if a.ID == user.ID {
			return true
		}
	}
	return false
}

// IsOpen reports whether the MR is still in the opened state.
func (v *View) IsOpen() bool {
	return v.mr.State == forge.MRStateOpened
}

// IsWorkInProgress reports the MR's draft/WIP flag.
func (v *View) IsWorkInProgress() bool {
	return v.mr.WorkInProgress
}

// IsLocked reports whether the forge has locked the MR (spec §9 open
// question (a): locked is treated as transient by the Project Worker, not
// disqualifying here).
func (v *View) IsLocked() bool {
	return v.mr.State == forge.MRStateLocked
}

// HasUnresolvedDiscussions reports whether any discussion thread remains
// unresolved (spec §4.7 candidate-selection discard list).
func (v *View) HasUnresolvedDiscussions() bool {
	return v.mr.HasUnresolvedDiscussions
}

// IsApproved reports whether the approval count meets the project's
// threshold, excluding the author and topCommitCommitter from the
// qualifying approvers (spec §4.3 "reviewer ≠ author" guard). required is
// the larger of the project's configured threshold and the MR's own
// approval-rule requirement.
func (v *View) IsApproved(project forge.Project, topCommitCommitter forge.User) bool {
	required := project.ApprovalsRequired
	if v.mr.Approvals.Required > required {
		required = v.mr.Approvals.Required
	}
	if required <= 0 {
		required = 1
	}

	count := 0
	for _, u := range v.mr.Approvals.By {
		if u.ID == v.mr.Author.ID {
			continue
		}
		if topCommitCommitter.ID != 0 && u.ID == topCommitCommitter.ID {
			continue
		}
		count++
	}
	return count >= required
}

// ReviewerIsAuthor reports the disqualifying case where, after excluding
// the author, no approver remains distinct from the tip commit's
// committer — i.e. the sole approval would effectively be self-approval
// (spec §4.3, §8 invariant "Reviewer ≠ author").
func (v *View) ReviewerIsAuthor(topCommitCommitter forge.User) bool {
	for _, u := range v.mr.Approvals.By {
		if u.ID != v.mr.Author.ID && u.ID != topCommitCommitter.ID {
			return false
		}
	}
	return true
}

// IsTrivialSourceBranch reports whether the source branch is the target
// branch itself — a guard the candidate-selection pass must refuse (spec
// §4.3).
func (v *View) IsTrivialSourceBranch() bool {
	return v.mr.SourceBranch == v.mr.TargetBranch
}

// SourceBranchMatches reports whether the source branch matches pattern,
// which may be a regular expression or a doublestar glob (spec §6
// branch-regexp; spec §2 DOMAIN STACK wires doublestar alongside regexp so
// operators can write "feature/**" as well as a regex).
func (v *View) SourceBranchMatches(pattern string) (bool, error) {
	return matchPattern(pattern, v.mr.SourceBranch)
}

// TargetBranchMatches reports whether the target branch matches pattern
// (spec §6 project-regexp/branch-regexp philosophy applied to the target).
func (v *View) TargetBranchMatches(pattern string) (bool, error) {
	return matchPattern(pattern, v.mr.TargetBranch)
}

// matchPattern tries pattern as a doublestar glob first (the common case
// for "feature/**"-style operator config), then, whenever the glob does not
// match, as a regular expression; the pattern matches if either succeeds.
func matchPattern(pattern, value string) (bool, error) {
	if pattern == "" {
		return true, nil
	}

	if ok, err := doublestar.Match(pattern, value); err == nil && ok {
		return true, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		// Not a valid regex either; fall back to the (possibly false)
		// glob result rather than erroring the whole candidate pass.
		ok, globErr := doublestar.Match(pattern, value)
		if globErr != nil {
			return false, globErr
		}
		return ok, nil
	}
	return re.MatchString(value), nil
}

// ExcludedByPattern reports whether value should be excluded given an
// optional include pattern (empty = include everything) using the
// combined glob/regex matcher above, trimmed of surrounding whitespace.
func ExcludedByPattern(pattern, value string) (bool, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false, nil
	}
	matched, err := matchPattern(pattern, value)
	if err != nil {
		return false, err
	}
	return !matched, nil
}
