// Package forge provides typed access to a GitLab-style forge's HTTP API:
// users, projects, merge requests, pipelines, approvals, and notes (spec
// §4.1). It wraps gitlab.com/gitlab-org/api/client-go behind the narrow
// operation set the Project Worker actually needs, so version quirks and
// pagination never leak past this package.
package forge

import "time"

// Project is the immutable per-iteration snapshot of a forge project (§3).
type Project struct {
	ID                   int64
	Path                 string
	SSHURLToRepo         string
	MergeMethod          MergeMethod
	ApprovalsRequired    int
	ResetApprovalsOnPush bool
}

// MergeMethod is a project's configured merge strategy.
type MergeMethod string

const (
	MergeMethodMerge      MergeMethod = "merge"
	MergeMethodRebaseMerge MergeMethod = "rebase-merge"
	MergeMethodFastForward MergeMethod = "ff-only"
	MergeMethodSemiLinear  MergeMethod = "semi-linear"
)

// User is a forge account. Email is only populated when the client holds
// admin credentials (spec §3).
type User struct {
	ID       int64
	Name     string
	Username string
	Email    string
}

// MRState is a merge request's lifecycle state.
type MRState string

const (
	MRStateOpened MRState = "opened"
	MRStateClosed MRState = "closed"
	MRStateMerged MRState = "merged"
	MRStateLocked MRState = "locked"
)

// Approvals is the approval snapshot of one merge request.
type Approvals struct {
	By       []User
	Required int
}

// MergeRequest is the read-only forge snapshot of one MR (spec §3). The MR
// View component (internal/mrview) wraps this with convenience predicates;
// this package only ever produces the raw snapshot.
type MergeRequest struct {
	ID              int64
	IID             int64
	ProjectID       int64
	SourceProjectID int64
	SourceBranch    string
	TargetBranch    string
	SHA             string
	Title           string
	Description     string
	Assignees       []User
	Author          User
	Approvals       Approvals
	State           MRState
	WorkInProgress  bool
	WebURL          string
	UpdatedAt       time.Time
	CreatedAt       time.Time
	HasUnresolvedDiscussions bool
}

// PipelineStatus mirrors the forge's CI pipeline states (spec §3).
type PipelineStatus string

const (
	PipelineCreated  PipelineStatus = "created"
	PipelinePending  PipelineStatus = "pending"
	PipelineRunning  PipelineStatus = "running"
	PipelineSuccess  PipelineStatus = "success"
	PipelineFailed   PipelineStatus = "failed"
	PipelineCanceled PipelineStatus = "canceled"
	PipelineSkipped  PipelineStatus = "skipped"
	PipelineManual   PipelineStatus = "manual"
)

// IsTerminal reports whether a pipeline has stopped running.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case PipelineSuccess, PipelineFailed, PipelineCanceled, PipelineSkipped:
		return true
	default:
		return false
	}
}

// Pipeline is the forge's CI execution record for one commit (spec §3).
type Pipeline struct {
	ID     int64
	SHA    string
	Ref    string
	Status PipelineStatus
	WebURL string
}

// AcceptOptions parameterize accept_mr (spec §4.1): the sha is pinned so the
// forge rejects the merge if the MR moved out from under us. Merge method
// is a project-level setting the forge applies server-side, not a per-call
// parameter, so it has no place here.
type AcceptOptions struct {
	SHA                string
	RemoveSourceBranch bool
	Squash             bool
	CommitMessage      string
}

// Branch is the minimal branch snapshot the worker needs to notice the
// target branch advancing underneath an in-flight batch (spec §4.7 state
// 4, §8 Freshness).
type Branch struct {
	Name string
	SHA  string
}

// Capabilities is the version-gated capability set cached once at client
// construction (spec §4.1, §9: "forge-version differences are resolved
// through a capability set rather than attribute probing").
type Capabilities struct {
	SupportsMRPipelinesEndpoint bool
	SupportsSquash              bool
	SupportsLockedState         bool
}
