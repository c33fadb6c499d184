// Package fleet implements the Fleet Coordinator component (spec §4.8): it
// discovers projects the bot is a member of, groups assigned MRs by
// (project, target-branch), and keeps exactly one Project Worker running
// per group, spawning and retiring them as the forge's membership and
// assignment state changes on a slow clock.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/marge/internal/embargo"
	margeerrors "github.com/randalmurphal/marge/internal/errors"
	"github.com/randalmurphal/marge/internal/forge"
	"github.com/randalmurphal/marge/internal/gitwork"
	"github.com/randalmurphal/marge/internal/mrview"
	"github.com/randalmurphal/marge/internal/trailer"
	"github.com/randalmurphal/marge/internal/worker"
)

// ForgeClient is the subset of forge.Client the coordinator needs: project
// discovery plus everything a spawned worker.Worker needs (the same
// concrete *forge.Client satisfies both via structural typing).
type ForgeClient interface {
	worker.ForgeClient
	ListProjectsForMember(ctx context.Context) ([]forge.Project, error)
}

// Config is everything the coordinator needs beyond the forge client
// itself (spec §4.8, §6).
type Config struct {
	BotUser    forge.User
	Remote     string
	SSHKeyPath string
	CloneDir   string // base directory under which per-(project,branch) clones live
	Reference  string // optional local reference repo path; not passed to git clone or fetch

	DiscoveryInterval time.Duration // "slow clock", default a few minutes

	ProtectedBranches []string
	Worker            worker.Config     // template applied to every spawned worker
	Calendar          *embargo.Calendar // shared embargo windows (spec §4.5); nil means no embargo
	GitTimeout        time.Duration     // max wall time for any git operation (spec §5/§6); 0 = no bound
	ProjectRegexp     string            // include/exclude discovered projects by path (spec §6)
}

// DefaultConfig returns the discovery cadence named in spec §4.8.
func DefaultConfig() Config {
	return Config{
		Remote:            "origin",
		DiscoveryInterval: 5 * time.Minute,
		Worker:            worker.DefaultConfig(),
	}
}

type groupKey struct {
	projectID    int64
	targetBranch string
}

type runningWorker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// projectWorker is the minimal surface the coordinator drives; worker.Worker
// satisfies it implicitly, letting tests substitute a fake without building
// a real clone, Git Worktree, or Rewriter.
type projectWorker interface {
	Run(ctx context.Context) error
}

// Coordinator is the Fleet Coordinator (spec §4.8).
type Coordinator struct {
	cfg    Config
	client ForgeClient
	logger *slog.Logger

	// buildWorker constructs the Project Worker for one group. It defaults
	// to the real clone-backed builder; tests substitute a fake so
	// reconciliation logic can be exercised without shelling out to git.
	buildWorker func(project forge.Project, targetBranch string) (projectWorker, error)

	mu      sync.Mutex
	workers map[groupKey]*runningWorker
}

// New builds a coordinator. logger defaults to slog.Default() when nil.
func New(cfg Config, client ForgeClient, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		workers: make(map[groupKey]*runningWorker),
	}
	c.buildWorker = c.buildCloneBackedWorker
	return c
}

// Run discovers work on the configured interval until ctx is cancelled,
// spawning and retiring Project Workers as the discovered group set
// changes. It blocks until every spawned worker has finished its
// cooperative shutdown (spec §5 "Cancellation": an in-flight FINALISE
// completes; everything earlier aborts).
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.reconcile(ctx); err != nil {
		c.logger.Error("initial discovery failed", "error", err)
	}

	interval := c.cfg.DiscoveryInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-ticker.C:
			if err := c.reconcile(ctx); err != nil {
				c.logger.Error("discovery failed", "error", err)
			}
		}
	}
}

// reconcile lists projects and their assigned MRs, computes the desired
// worker group set, spawns workers for new groups, and retires workers for
// groups that disappeared (project access lost, or no MR assigned to this
// branch anymore) (spec §4.8).
func (c *Coordinator) reconcile(ctx context.Context) error {
	projects, err := c.client.ListProjectsForMember(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}

	desired := make(map[groupKey]forge.Project)
	for _, p := range projects {
		if excluded, err := mrview.ExcludedByPattern(c.cfg.ProjectRegexp, p.Path); err != nil {
			c.logger.Warn("invalid project-regexp", "pattern", c.cfg.ProjectRegexp, "error", err)
		} else if excluded {
			continue
		}

		mrs, err := c.client.ListAssignedMRs(ctx, p.ID, c.cfg.BotUser.ID)
		if err != nil {
			c.logger.Warn("list assigned MRs failed", "project", p.Path, "error", err)
			continue
		}
		for _, mr := range mrs {
			v := mrview.New(mr)
			if !v.IsOpen() {
				continue
			}
			desired[groupKey{projectID: p.ID, targetBranch: mr.TargetBranch}] = p
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.workers {
		if _, ok := desired[key]; !ok {
			c.retireLocked(key)
		}
	}

	for key, project := range desired {
		if _, ok := c.workers[key]; ok {
			continue
		}
		if err := c.spawnLocked(ctx, key, project); err != nil {
			c.logger.Error("spawn worker failed", "project", project.Path, "target", key.targetBranch, "error", err)
		}
	}
	return nil
}

// buildCloneBackedWorker is the default buildWorker: it materializes a
// dedicated clone, Git Worktree, and Commit Rewriter for one group (spec §5
// "Shared resources": each (project, target-branch) worker owns a distinct
// working tree).
func (c *Coordinator) buildCloneBackedWorker(project forge.Project, targetBranch string) (projectWorker, error) {
	repoPath := filepath.Join(c.cfg.CloneDir, gitwork.WorktreeDirName(project.Path, targetBranch))

	gctx, err := gitwork.EnsureClone(project.SSHURLToRepo, repoPath, c.cfg.SSHKeyPath,
		gitwork.WithCommitterIdentity(c.cfg.BotUser.Name, c.cfg.BotUser.Email),
		gitwork.WithRunner(gitwork.NewExecRunnerWithTimeout(c.cfg.GitTimeout)))
	if err != nil {
		return nil, fmt.Errorf("ensure clone for %s: %w", project.Path, err)
	}

	wt := gitwork.NewWorktree(gctx, c.cfg.ProtectedBranches)
	rewriter := trailer.NewRewriter(wt)

	return worker.New(c.cfg.Worker, project, targetBranch, c.client, wt, rewriter, c.cfg.Calendar, c.logger), nil
}

// spawnLocked builds a Project Worker for one group via buildWorker and
// starts it in its own goroutine. mu must be held by the caller.
func (c *Coordinator) spawnLocked(ctx context.Context, key groupKey, project forge.Project) error {
	w, err := c.buildWorker(project, key.targetBranch)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(ctx)
	rw := &runningWorker{cancel: cancel, done: make(chan struct{})}
	c.workers[key] = rw

	go func() {
		defer close(rw.done)
		defer cancel()
		if err := w.Run(wctx); err != nil {
			c.logger.Error("worker ended", "project", project.Path, "target", key.targetBranch, "error", margeerrors.AsMargeError(err))
			c.mu.Lock()
			delete(c.workers, key)
			c.mu.Unlock()
		}
	}()

	c.logger.Info("worker spawned", "project", project.Path, "target", key.targetBranch)
	return nil
}

// retireLocked cancels a worker so it stops taking new candidates; its
// goroutine still finishes any in-flight FINALISE before exiting (spec §5).
// mu must be held by the caller.
func (c *Coordinator) retireLocked(key groupKey) {
	rw, ok := c.workers[key]
	if !ok {
		return
	}
	rw.cancel()
	delete(c.workers, key)
	c.logger.Info("worker retired", "project", key.projectID, "target", key.targetBranch)
}

// shutdown cancels every running worker and blocks until each has finished
// its cooperative shutdown.
func (c *Coordinator) shutdown() {
	c.mu.Lock()
	group, _ := errgroup.WithContext(context.Background())
	dones := make([]chan struct{}, 0, len(c.workers))
	for _, rw := range c.workers {
		rw.cancel()
		dones = append(dones, rw.done)
	}
	c.mu.Unlock()

	for _, done := range dones {
		done := done
		group.Go(func() error {
			<-done
			return nil
		})
	}
	_ = group.Wait()
}

// ActiveGroups reports the (project id, target branch) pairs currently
// being served, for status reporting.
func (c *Coordinator) ActiveGroups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.workers))
	for key := range c.workers {
		out = append(out, fmt.Sprintf("%d:%s", key.projectID, key.targetBranch))
	}
	return out
}
