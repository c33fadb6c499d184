package fleet

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/marge/internal/forge"
)

// fakeWorker is a projectWorker double that blocks until ctx is cancelled,
// so tests can observe spawn/retire/shutdown without any real git or HTTP
// activity.
type fakeWorker struct {
	started chan struct{}
	once    sync.Once
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{started: make(chan struct{})}
}

func (w *fakeWorker) Run(ctx context.Context) error {
	w.once.Do(func() { close(w.started) })
	<-ctx.Done()
	return nil
}

// fakeForge is a minimal ForgeClient double covering only what the
// coordinator itself calls (ListProjectsForMember, ListAssignedMRs); it
// never needs the rest of worker.ForgeClient because buildWorker is
// substituted with a fake in every test.
type fakeForge struct {
	mu       sync.Mutex
	projects []forge.Project
	mrsByID  map[int64][]forge.MergeRequest
}

func (f *fakeForge) ListProjectsForMember(ctx context.Context) ([]forge.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forge.Project(nil), f.projects...), nil
}

func (f *fakeForge) ListAssignedMRs(ctx context.Context, projectID, userID int64) ([]forge.MergeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forge.MergeRequest(nil), f.mrsByID[projectID]...), nil
}

func (f *fakeForge) setMRs(projectID int64, mrs []forge.MergeRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mrsByID == nil {
		f.mrsByID = make(map[int64][]forge.MergeRequest)
	}
	f.mrsByID[projectID] = mrs
}

// The remaining worker.ForgeClient methods are never exercised because
// every test substitutes buildWorker; they exist only to satisfy the
// interface.
func (f *fakeForge) GetProject(ctx context.Context, projectID int64) (*forge.Project, error) {
	return nil, nil
}
func (f *fakeForge) GetMR(ctx context.Context, projectID, iid int64) (*forge.MergeRequest, error) {
	return nil, nil
}
func (f *fakeForge) GetPipelineForMR(ctx context.Context, projectID, iid int64, sourceBranch, sha string) (*forge.Pipeline, error) {
	return nil, nil
}
func (f *fakeForge) AcceptMR(ctx context.Context, projectID, iid int64, opts forge.AcceptOptions) error {
	return nil
}
func (f *fakeForge) ApproveMR(ctx context.Context, projectID, iid int64, asUsername string) error {
	return nil
}
func (f *fakeForge) GetBranch(ctx context.Context, projectID int64, branch string) (*forge.Branch, error) {
	return nil, nil
}
func (f *fakeForge) PostNote(ctx context.Context, projectID, iid int64, body string) error {
	return nil
}
func (f *fakeForge) SetAssignees(ctx context.Context, projectID, iid int64, userIDs []int64) error {
	return nil
}

func openMR(iid int64, targetBranch string) forge.MergeRequest {
	return forge.MergeRequest{ID: iid, IID: iid, TargetBranch: targetBranch, State: forge.MRStateOpened}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestReconcileSpawnsOneWorkerPerGroup(t *testing.T) {
	fc := &fakeForge{projects: []forge.Project{{ID: 1, Path: "group/a"}}}
	fc.setMRs(1, []forge.MergeRequest{openMR(10, "main"), openMR(11, "main"), openMR(12, "release")})

	c := New(DefaultConfig(), fc, slog.Default())
	spawned := make(map[groupKey]*fakeWorker)
	var mu sync.Mutex
	c.buildWorker = func(project forge.Project, targetBranch string) (projectWorker, error) {
		w := newFakeWorker()
		mu.Lock()
		spawned[groupKey{projectID: project.ID, targetBranch: targetBranch}] = w
		mu.Unlock()
		return w, nil
	}

	require.NoError(t, c.reconcile(context.Background()))

	assert.ElementsMatch(t, c.ActiveGroups(), []string{"1:main", "1:release"})
	mu.Lock()
	assert.Len(t, spawned, 2)
	mu.Unlock()
}

func TestReconcileFiltersProjectsByRegexp(t *testing.T) {
	fc := &fakeForge{projects: []forge.Project{
		{ID: 1, Path: "group/keep"},
		{ID: 2, Path: "group/skip"},
	}}
	fc.setMRs(1, []forge.MergeRequest{openMR(10, "main")})
	fc.setMRs(2, []forge.MergeRequest{openMR(20, "main")})

	cfg := DefaultConfig()
	cfg.ProjectRegexp = "keep$"
	c := New(cfg, fc, slog.Default())
	c.buildWorker = func(project forge.Project, targetBranch string) (projectWorker, error) {
		return newFakeWorker(), nil
	}

	require.NoError(t, c.reconcile(context.Background()))

	assert.ElementsMatch(t, c.ActiveGroups(), []string{"1:main"})
}

func TestReconcileDoesNotRespawnExistingGroup(t *testing.T) {
	fc := &fakeForge{projects: []forge.Project{{ID: 1, Path: "group/a"}}}
	fc.setMRs(1, []forge.MergeRequest{openMR(10, "main")})

	c := New(DefaultConfig(), fc, slog.Default())
	spawnCount := 0
	var mu sync.Mutex
	c.buildWorker = func(project forge.Project, targetBranch string) (projectWorker, error) {
		mu.Lock()
		spawnCount++
		mu.Unlock()
		return newFakeWorker(), nil
	}

	require.NoError(t, c.reconcile(context.Background()))
	require.NoError(t, c.reconcile(context.Background()))

	mu.Lock()
	assert.Equal(t, 1, spawnCount)
	mu.Unlock()
}

func TestReconcileRetiresGroupWithNoAssignedMRs(t *testing.T) {
	fc := &fakeForge{projects: []forge.Project{{ID: 1, Path: "group/a"}}}
	fc.setMRs(1, []forge.MergeRequest{openMR(10, "main")})

	c := New(DefaultConfig(), fc, slog.Default())
	var built []*fakeWorker
	var mu sync.Mutex
	c.buildWorker = func(project forge.Project, targetBranch string) (projectWorker, error) {
		w := newFakeWorker()
		mu.Lock()
		built = append(built, w)
		mu.Unlock()
		return w, nil
	}

	require.NoError(t, c.reconcile(context.Background()))
	require.Len(t, c.ActiveGroups(), 1)

	mu.Lock()
	w := built[0]
	mu.Unlock()
	waitFor(t, func() bool {
		select {
		case <-w.started:
			return true
		default:
			return false
		}
	})

	fc.setMRs(1, nil)
	require.NoError(t, c.reconcile(context.Background()))

	assert.Empty(t, c.ActiveGroups())
}

func TestShutdownWaitsForWorkersToExit(t *testing.T) {
	fc := &fakeForge{projects: []forge.Project{{ID: 1, Path: "group/a"}}}
	fc.setMRs(1, []forge.MergeRequest{openMR(10, "main")})

	c := New(DefaultConfig(), fc, slog.Default())
	c.buildWorker = func(project forge.Project, targetBranch string) (projectWorker, error) {
		return newFakeWorker(), nil
	}

	require.NoError(t, c.reconcile(context.Background()))
	require.Len(t, c.ActiveGroups(), 1)

	done := make(chan struct{})
	go func() {
		c.shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	fc := &fakeForge{}
	c := New(DefaultConfig(), fc, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
