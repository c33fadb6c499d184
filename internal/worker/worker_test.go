package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/marge/internal/batch"
	margeerrors "github.com/randalmurphal/marge/internal/errors"
	"github.com/randalmurphal/marge/internal/forge"
	"github.com/randalmurphal/marge/internal/gitwork"
	"github.com/randalmurphal/marge/internal/trailer"
)

// fakeForge is a minimal in-memory ForgeClient double.
type fakeForge struct {
	project      forge.Project
	mrs          map[int64]forge.MergeRequest
	pipelines    map[string]forge.Pipeline // keyed by sha
	notes        []string
	assignments  map[int64][]int64
	acceptCalls  []forge.AcceptOptions
	acceptErrOnN int   // fail the first N accept calls with a retry-in-place error
	acceptErr    error // when set, every accept call fails with this error instead

	// branchMoving, when true, makes every GetBranch call return a
	// distinct sha, simulating a target branch that never settles.
	// Otherwise GetBranch always returns branchSHA ("" by default, which
	// skips the freshness check).
	branchMoving bool
	branchSHA    string
	branchCalls  int
}

func (f *fakeForge) GetProject(ctx context.Context, projectID int64) (*forge.Project, error) {
	p := f.project
	return &p, nil
}

func (f *fakeForge) ListAssignedMRs(ctx context.Context, projectID, userID int64) ([]forge.MergeRequest, error) {
	var out []forge.MergeRequest
	for _, mr := range f.mrs {
		out = append(out, mr)
	}
	return out, nil
}

func (f *fakeForge) GetMR(ctx context.Context, projectID, iid int64) (*forge.MergeRequest, error) {
	mr, ok := f.mrs[iid]
	if !ok {
		return nil, assertError("no such mr")
	}
	return &mr, nil
}

func (f *fakeForge) GetPipelineForMR(ctx context.Context, projectID, iid int64, sourceBranch, sha string) (*forge.Pipeline, error) {
	p, ok := f.pipelines[sha]
	if !ok {
		return &forge.Pipeline{SHA: sha, Status: forge.PipelinePending}, nil
	}
	return &p, nil
}

func (f *fakeForge) AcceptMR(ctx context.Context, projectID, iid int64, opts forge.AcceptOptions) error {
	f.acceptCalls = append(f.acceptCalls, opts)
	if f.acceptErr != nil {
		return f.acceptErr
	}
	if f.acceptErrOnN > 0 {
		f.acceptErrOnN--
		return margeerrors.ErrUnprocessable("a concurrent merge is in flight")
	}
	mr := f.mrs[iid]
	mr.State = forge.MRStateMerged
	f.mrs[iid] = mr
	return nil
}

func (f *fakeForge) ApproveMR(ctx context.Context, projectID, iid int64, asUsername string) error {
	return nil
}

func (f *fakeForge) GetBranch(ctx context.Context, projectID int64, branch string) (*forge.Branch, error) {
	if !f.branchMoving {
		return &forge.Branch{Name: branch, SHA: f.branchSHA}, nil
	}
	f.branchCalls++
	return &forge.Branch{Name: branch, SHA: fmt.Sprintf("tip-%d", f.branchCalls)}, nil
}

func (f *fakeForge) PostNote(ctx context.Context, projectID, iid int64, body string) error {
	f.notes = append(f.notes, body)
	return nil
}

func (f *fakeForge) SetAssignees(ctx context.Context, projectID, iid int64, userIDs []int64) error {
	if f.assignments == nil {
		f.assignments = make(map[int64][]int64)
	}
	f.assignments[iid] = userIDs
	return nil
}

type assertError string

func (e assertError) Error() string { return string(e) }

// fakeWorktree is a minimal in-memory GitWorktree double that always
// "succeeds" without touching any real git state.
type fakeWorktree struct {
	fetchErr        error
	rebaseErr       error
	pushErr         error
	rewriteCalled   []string
	currentBranches []string
}

func (f *fakeWorktree) Fetch(remote string) error                       { return f.fetchErr }
func (f *fakeWorktree) EnsureLocalBranch(remote, branch string) error   { return nil }
func (f *fakeWorktree) Push(remote, ref string, forceWithLease bool) error {
	return f.pushErr
}

func (f *fakeWorktree) RebaseOnto(target, sourceRef string, rewrite func(base string) error) error {
	f.currentBranches = append(f.currentBranches, sourceRef)
	if f.rebaseErr != nil {
		return f.rebaseErr
	}
	if rewrite != nil {
		return rewrite(target)
	}
	return nil
}

func (f *fakeWorktree) MergeOnto(target, sourceRef string, rewrite func(base string) error) error {
	return f.RebaseOnto(target, sourceRef, rewrite)
}

type fakeRewriter struct{ calls []trailer.Options }

func (f *fakeRewriter) RewriteCallback(opts trailer.Options) func(base string) error {
	f.calls = append(f.calls, opts)
	return func(base string) error { return nil }
}

func baseMR(iid int64, targetBranch string) forge.MergeRequest {
	return forge.MergeRequest{
		ID:           iid,
		IID:          iid,
		ProjectID:    1,
		SourceBranch: "feature/x",
		TargetBranch: targetBranch,
		SHA:          "abc123",
		Author:       forge.User{ID: 10, Username: "author"},
		Assignees:    []forge.User{{ID: 99, Username: "marge-bot"}},
		Approvals: forge.Approvals{
			By:       []forge.User{{ID: 20, Username: "reviewer", Name: "Reviewer", Email: "r@example.com"}},
			Required: 1,
		},
		State:     forge.MRStateOpened,
		CreatedAt: time.Now().Add(-time.Hour),
		UpdatedAt: time.Now().Add(-time.Hour),
	}
}

func newTestWorker(t *testing.T, fc *fakeForge, wt *fakeWorktree) *Worker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BotUser = forge.User{ID: 99, Username: "marge-bot"}
	cfg.CITimeout = 50 * time.Millisecond
	cfg.PollActive = time.Millisecond
	cfg.FinaliseLockedRetryDelay = time.Millisecond
	return New(cfg, fc.project, "main", fc, wt, &fakeRewriter{}, nil, nil)
}

func TestSelectCandidatesFiltersDisqualified(t *testing.T) {
	qualifying := baseMR(1, "main")
	wip := baseMR(2, "main")
	wip.WorkInProgress = true
	wrongTarget := baseMR(3, "other")
	unapproved := baseMR(4, "main")
	unapproved.Approvals = forge.Approvals{}

	fc := &fakeForge{
		project: forge.Project{ID: 1, ApprovalsRequired: 1, MergeMethod: forge.MergeMethodRebaseMerge},
		mrs: map[int64]forge.MergeRequest{
			1: qualifying, 2: wip, 3: wrongTarget, 4: unapproved,
		},
	}
	w := newTestWorker(t, fc, &fakeWorktree{})

	candidates, views, err := w.selectCandidates(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, int64(1), candidates[0].IID)
	assert.Contains(t, views, int64(1))
}

func TestSelectCandidatesOrdersOldestCreatedFirst(t *testing.T) {
	older := baseMR(1, "main")
	older.CreatedAt = time.Now().Add(-48 * time.Hour)
	newer := baseMR(2, "main")
	newer.CreatedAt = time.Now().Add(-2 * time.Hour)

	fc := &fakeForge{
		project: forge.Project{ID: 1, ApprovalsRequired: 1},
		mrs:     map[int64]forge.MergeRequest{1: newer, 2: older},
	}
	w := newTestWorker(t, fc, &fakeWorktree{})

	candidates, _, err := w.selectCandidates(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, int64(1), candidates[0].IID) // older MR (iid 1) first
}

func TestRunPlanHappyPathFinalisesCandidate(t *testing.T) {
	mr := baseMR(1, "main")
	fc := &fakeForge{
		project: forge.Project{ID: 1, ApprovalsRequired: 1, MergeMethod: forge.MergeMethodRebaseMerge},
		mrs:     map[int64]forge.MergeRequest{1: mr},
		pipelines: map[string]forge.Pipeline{
			"abc123": {SHA: "abc123", Status: forge.PipelineSuccess},
		},
	}
	wt := &fakeWorktree{}
	w := newTestWorker(t, fc, wt)

	candidates, views, err := w.selectCandidates(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	plan := batch.Plan{MRIIDs: []int64{candidates[0].IID}}
	err = w.runPlan(context.Background(), plan, views)
	require.NoError(t, err)

	require.Len(t, fc.acceptCalls, 1)
	assert.Equal(t, "abc123", fc.acceptCalls[0].SHA)
	assert.Equal(t, forge.MRStateMerged, fc.mrs[1].State)
}

func TestRunPlanCIFailureNotesAndUnassigns(t *testing.T) {
	mr := baseMR(1, "main")
	fc := &fakeForge{
		project: forge.Project{ID: 1, ApprovalsRequired: 1},
		mrs:     map[int64]forge.MergeRequest{1: mr},
		pipelines: map[string]forge.Pipeline{
			"abc123": {SHA: "abc123", Status: forge.PipelineFailed, WebURL: "https://ci/1"},
		},
	}
	wt := &fakeWorktree{}
	w := newTestWorker(t, fc, wt)

	candidates, views, err := w.selectCandidates(context.Background())
	require.NoError(t, err)

	plan := batch.Plan{MRIIDs: []int64{candidates[0].IID}}
	err = w.runPlan(context.Background(), plan, views)
	require.NoError(t, err)

	assert.Empty(t, fc.acceptCalls)
	require.Len(t, fc.notes, 1)
	assert.Contains(t, fc.notes[0], "failed")
	assert.Equal(t, []int64{}, fc.assignments[1])
}

func TestRunPlanRebaseConflictNotesAndUnassigns(t *testing.T) {
	mr := baseMR(1, "main")
	fc := &fakeForge{
		project: forge.Project{ID: 1, ApprovalsRequired: 1},
		mrs:     map[int64]forge.MergeRequest{1: mr},
	}
	wt := &fakeWorktree{rebaseErr: &gitwork.RebaseConflictError{Diagnostic: "conflict markers present"}}
	w := newTestWorker(t, fc, wt)

	candidates, views, err := w.selectCandidates(context.Background())
	require.NoError(t, err)

	plan := batch.Plan{MRIIDs: []int64{candidates[0].IID}}
	err = w.runPlan(context.Background(), plan, views)
	require.NoError(t, err)

	assert.Empty(t, fc.acceptCalls)
	require.Len(t, fc.notes, 1)
	assert.Contains(t, fc.notes[0], "conflict")
}

func TestFinaliseRetriesLockedThenSucceeds(t *testing.T) {
	mr := baseMR(1, "main")
	fc := &fakeForge{
		project:      forge.Project{ID: 1, ApprovalsRequired: 1},
		mrs:          map[int64]forge.MergeRequest{1: mr},
		acceptErrOnN: 1,
	}
	w := newTestWorker(t, fc, &fakeWorktree{})
	w.project = fc.project

	err := w.finalise(context.Background(), mr)
	require.NoError(t, err)
	assert.Len(t, fc.acceptCalls, 2)
}

func TestFinaliseShaMismatchRestartsRatherThanRetrying(t *testing.T) {
	mr := baseMR(1, "main")
	fc := &fakeForge{
		project:   forge.Project{ID: 1, ApprovalsRequired: 1},
		mrs:       map[int64]forge.MergeRequest{1: mr},
		acceptErr: margeerrors.ErrConflict("sha does not match HEAD"),
	}
	w := newTestWorker(t, fc, &fakeWorktree{})
	w.project = fc.project

	err := w.finalise(context.Background(), mr)
	require.ErrorIs(t, err, errRestartFromPrepare)
	assert.Len(t, fc.acceptCalls, 1, "a stale sha must not be retried in place")
}

func TestRunPlanRestartsFromPrepareWhenTargetMovesDuringCI(t *testing.T) {
	mr := baseMR(1, "main")
	fc := &fakeForge{
		project: forge.Project{ID: 1, ApprovalsRequired: 1},
		mrs:     map[int64]forge.MergeRequest{1: mr},
		pipelines: map[string]forge.Pipeline{
			"abc123": {SHA: "abc123", Status: forge.PipelineSuccess},
		},
		branchMoving: true,
	}
	wt := &fakeWorktree{}
	w := newTestWorker(t, fc, wt)
	w.cfg.RestartBudget = 2

	candidates, views, err := w.selectCandidates(context.Background())
	require.NoError(t, err)

	plan := batch.Plan{ID: "plan-1", MRIIDs: []int64{candidates[0].IID}}
	err = w.runPlan(context.Background(), plan, views)
	require.NoError(t, err)

	assert.Empty(t, fc.acceptCalls, "a batch whose target keeps moving must never be finalised")
	require.Len(t, fc.notes, 1)
	assert.Contains(t, fc.notes[0], "moving")
	assert.Equal(t, []int64{}, fc.assignments[1])
}
