package forge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	gogitlab "gitlab.com/gitlab-org/api/client-go"
	"github.com/tidwall/gjson"

	margeerrors "github.com/randalmurphal/marge/internal/errors"
)

// DefaultTimeout is the per-call wall-clock budget (spec §4.1, §5).
const DefaultTimeout = 60 * time.Second

// mrPipelinesMinVersion is the forge version that first exposes the
// MR-indexed pipeline lookup; earlier versions fall back to a branch-ref
// lookup (spec §3, §4.1).
const mrPipelinesMinVersion = "10.5"

// Client is the Forge Client component (spec §4.1): typed access to the
// forge's HTTP API with retries, version detection, and paging contained
// entirely within this package.
type Client struct {
	gl      *gogitlab.Client
	caps    Capabilities
	timeout time.Duration
}

// NewClient constructs a Client against baseURL, authenticating with token
// (read by the caller; internal/cli uses config.ReadToken — NewClient never
// reads the token file itself, so it stays testable against a fake forge).
// Every HTTP request is bounded by DefaultTimeout. It queries the forge
// version once and caches the resulting capability set (spec §4.1).
func NewClient(ctx context.Context, baseURL, token string) (*Client, error) {
	opts := []gogitlab.ClientOptionFunc{gogitlab.WithHTTPClient(&http.Client{Timeout: DefaultTimeout})}
	if baseURL != "" {
		opts = append(opts, gogitlab.WithBaseURL(strings.TrimSuffix(baseURL, "/")+"/api/v4"))
	}

	gl, err := gogitlab.NewClient(token, opts...)
	if err != nil {
		return nil, margeerrors.ErrAuthInvalid("create forge client: " + err.Error())
	}

	c := &Client{gl: gl, timeout: DefaultTimeout}

	caps, err := c.detectCapabilities(ctx)
	if err != nil {
		return nil, margeerrors.ErrForgeIncompatible("version detection failed: " + err.Error())
	}
	c.caps = caps

	return c, nil
}

// Capabilities returns the capability set cached at construction.
func (c *Client) Capabilities() Capabilities { return c.caps }

func (c *Client) detectCapabilities(ctx context.Context) (Capabilities, error) {
	var version string
	err := withRetry(ctx, func() error {
		v, _, err := c.gl.Version.GetVersion(gogitlab.WithContext(ctx))
		if err != nil {
			return err
		}
		version = v.Version
		return nil
	})
	if err != nil {
		return Capabilities{}, err
	}

	atLeast105 := versionAtLeast(version, mrPipelinesMinVersion)
	return Capabilities{
		SupportsMRPipelinesEndpoint: atLeast105,
		SupportsSquash:              true,
		SupportsLockedState:         true,
	}, nil
}

// versionAtLeast does a coarse major.minor comparison; the forge version
// string may carry a patch/suffix (e.g. "16.3.1-ee") that we don't need to
// parse precisely to decide feature availability.
func versionAtLeast(version, min string) bool {
	vParts := strings.SplitN(version, ".", 3)
	mParts := strings.SplitN(min, ".", 3)
	for i := 0; i < 2 && i < len(mParts); i++ {
		var v, m int
		if i < len(vParts) {
			fmt.Sscanf(vParts[i], "%d", &v)
		}
		fmt.Sscanf(mParts[i], "%d", &m)
		if v != m {
			return v > m
		}
	}
	return true
}

// GetProject fetches a single project's merge configuration (spec §3: merge
// method, required approvals, reset-approvals-on-push). Called once per
// Project Worker iteration; the result is treated as immutable for that
// iteration (spec §3).
func (c *Client) GetProject(ctx context.Context, projectID int64) (*Project, error) {
	var raw *gogitlab.Project
	err := withRetry(ctx, func() error {
		p, _, err := c.gl.Projects.GetProject(projectID, nil, gogitlab.WithContext(ctx))
		if err != nil {
			return err
		}
		raw = p
		return nil
	})
	if err != nil {
		return nil, mapAPIError(err, fmt.Sprintf("get project %d", projectID))
	}
	project := mapProject(raw)
	return &project, nil
}

// ListProjectsForMember lists projects the authenticated bot user belongs
// to (spec §4.1 list_projects_for_member), used by the Fleet Coordinator to
// discover work.
func (c *Client) ListProjectsForMember(ctx context.Context) ([]Project, error) {
	var projects []Project
	opts := &gogitlab.ListProjectsOptions{
		Membership:  gogitlab.Ptr(true),
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}

	for {
		var page []*gogitlab.Project
		err := withRetry(ctx, func() error {
			p, resp, err := c.gl.Projects.ListProjects(opts, gogitlab.WithContext(ctx))
			if err != nil {
				return err
			}
			page = p
			opts.ListOptions.Page = resp.NextPage
			return nil
		})
		if err != nil {
			return nil, mapAPIError(err, "list member projects")
		}
		for _, p := range page {
			projects = append(projects, mapProject(p))
		}
		if opts.ListOptions.Page == 0 {
			break
		}
	}

	return projects, nil
}

// ListAssignedMRs lists open MRs assigned to userID within a project (spec
// §4.1 list_assigned_mrs).
func (c *Client) ListAssignedMRs(ctx context.Context, projectID int64, userID int64) ([]MergeRequest, error) {
	var mrs []MergeRequest
	opts := &gogitlab.ListProjectMergeRequestsOptions{
		AssigneeID:  gogitlab.AssigneeID(userID),
		State:       gogitlab.Ptr("opened"),
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}

	for {
		var page []*gogitlab.BasicMergeRequest
		err := withRetry(ctx, func() error {
			p, resp, err := c.gl.MergeRequests.ListProjectMergeRequests(projectID, opts, gogitlab.WithContext(ctx))
			if err != nil {
				return err
			}
			page = p
			opts.ListOptions.Page = resp.NextPage
			return nil
		})
		if err != nil {
			return nil, mapAPIError(err, "list assigned MRs")
		}
		for _, mr := range page {
			full, err := c.GetMR(ctx, projectID, mr.IID)
			if err != nil {
				return nil, err
			}
			mrs = append(mrs, *full)
		}
		if opts.ListOptions.Page == 0 {
			break
		}
	}

	return mrs, nil
}

// GetMR fetches one merge request snapshot, including its approval state
// and unresolved-discussion flag (spec §3, §4.1 get_mr).
func (c *Client) GetMR(ctx context.Context, projectID, iid int64) (*MergeRequest, error) {
	var raw *gogitlab.MergeRequest
	err := withRetry(ctx, func() error {
		mr, _, err := c.gl.MergeRequests.GetMergeRequest(projectID, iid, nil, gogitlab.WithContext(ctx))
		if err != nil {
			return err
		}
		raw = mr
		return nil
	})
	if err != nil {
		return nil, mapAPIError(err, fmt.Sprintf("get MR !%d", iid))
	}

	var approvalState *gogitlab.ApprovalState
	err = withRetry(ctx, func() error {
		a, _, err := c.gl.MergeRequestApprovals.GetApprovalState(projectID, iid, gogitlab.WithContext(ctx))
		if err != nil {
			return err
		}
		approvalState = a
		return nil
	})
	if err != nil {
		return nil, mapAPIError(err, fmt.Sprintf("get approval state for MR !%d", iid))
	}

	hasUnresolved, err := c.hasUnresolvedDiscussions(ctx, projectID, iid)
	if err != nil {
		return nil, err
	}

	result := mapMergeRequest(raw, approvalState)
	result.HasUnresolvedDiscussions = hasUnresolved
	return &result, nil
}

func (c *Client) hasUnresolvedDiscussions(ctx context.Context, projectID, iid int64) (bool, error) {
	opts := &gogitlab.ListMergeRequestDiscussionsOptions{ListOptions: gogitlab.ListOptions{PerPage: 100}}
	for {
		var page []*gogitlab.Discussion
		err := withRetry(ctx, func() error {
			d, resp, err := c.gl.Discussions.ListMergeRequestDiscussions(projectID, iid, opts, gogitlab.WithContext(ctx))
			if err != nil {
				return err
			}
			page = d
			opts.Page = resp.NextPage
			return nil
		})
		if err != nil {
			return false, mapAPIError(err, fmt.Sprintf("list discussions for MR !%d", iid))
		}
		for _, d := range page {
			for _, note := range d.Notes {
				if note.Resolvable && !note.Resolved {
					return true, nil
				}
			}
		}
		if opts.Page == 0 {
			break
		}
	}
	return false, nil
}

// GetPipelineForMR returns the latest pipeline for sha, preferring the
// MR-indexed lookup when the forge supports it (≥ v10.5) and falling back
// to a branch-ref lookup otherwise (spec §3, §4.1).
func (c *Client) GetPipelineForMR(ctx context.Context, projectID, iid int64, sourceBranch, sha string) (*Pipeline, error) {
	if c.caps.SupportsMRPipelinesEndpoint {
		var page []*gogitlab.PipelineInfo
		err := withRetry(ctx, func() error {
			p, _, err := c.gl.MergeRequests.ListMergeRequestPipelines(projectID, iid, gogitlab.WithContext(ctx))
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			return nil, mapAPIError(err, fmt.Sprintf("list pipelines for MR !%d", iid))
		}
		if p := latestPipelineForSHA(page, sha); p != nil {
			return p, nil
		}
		return nil, nil
	}

	var page []*gogitlab.PipelineInfo
	err := withRetry(ctx, func() error {
		p, _, err := c.gl.Pipelines.ListProjectPipelines(projectID, &gogitlab.ListProjectPipelinesOptions{
			Ref:         gogitlab.Ptr(sourceBranch),
			SHA:         gogitlab.Ptr(sha),
			ListOptions: gogitlab.ListOptions{PerPage: 1},
		}, gogitlab.WithContext(ctx))
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, mapAPIError(err, fmt.Sprintf("list pipelines for branch %q", sourceBranch))
	}
	if p := latestPipelineForSHA(page, sha); p != nil {
		return p, nil
	}
	return nil, nil
}

func latestPipelineForSHA(pipelines []*gogitlab.PipelineInfo, sha string) *Pipeline {
	for _, p := range pipelines {
		if p.SHA == sha {
			mapped := mapPipelineInfo(p)
			return &mapped
		}
	}
	return nil
}

// FetchUserByUsername resolves a username to a full User (spec §4.1).
func (c *Client) FetchUserByUsername(ctx context.Context, username string) (*User, error) {
	var users []*gogitlab.User
	err := withRetry(ctx, func() error {
		u, _, err := c.gl.Users.ListUsers(&gogitlab.ListUsersOptions{
			Username: gogitlab.Ptr(username),
		}, gogitlab.WithContext(ctx))
		if err != nil {
			return err
		}
		users = u
		return nil
	})
	if err != nil {
		return nil, mapAPIError(err, fmt.Sprintf("fetch user %q", username))
	}
	if len(users) == 0 {
		return nil, margeerrors.ErrNotFound(fmt.Sprintf("user %q", username))
	}
	user := mapUser(users[0])
	return &user, nil
}

// GetBranch fetches a branch's current tip, used to detect the target
// branch advancing while a batch is in flight (spec §4.7 state 4).
func (c *Client) GetBranch(ctx context.Context, projectID int64, branch string) (*Branch, error) {
	var raw *gogitlab.Branch
	err := withRetry(ctx, func() error {
		b, _, err := c.gl.Branches.GetBranch(projectID, branch, gogitlab.WithContext(ctx))
		if err != nil {
			return err
		}
		raw = b
		return nil
	})
	if err != nil {
		return nil, mapAPIError(err, fmt.Sprintf("get branch %q", branch))
	}

	sha := ""
	if raw.Commit != nil {
		sha = raw.Commit.ID
	}
	return &Branch{Name: raw.Name, SHA: sha}, nil
}

// AcceptMR finalises a merge request with the sha pinned (spec §4.7
// FINALISE: "call accept with the pushed sha pinned").
func (c *Client) AcceptMR(ctx context.Context, projectID, iid int64, opts AcceptOptions) error {
	acceptOpts := &gogitlab.AcceptMergeRequestOptions{
		SHA:                      gogitlab.Ptr(opts.SHA),
		ShouldRemoveSourceBranch: gogitlab.Ptr(opts.RemoveSourceBranch),
	}
	if opts.Squash && c.caps.SupportsSquash {
		acceptOpts.Squash = gogitlab.Ptr(true)
		if opts.CommitMessage != "" {
			acceptOpts.SquashCommitMessage = gogitlab.Ptr(opts.CommitMessage)
		}
	} else if opts.CommitMessage != "" {
		acceptOpts.MergeCommitMessage = gogitlab.Ptr(opts.CommitMessage)
	}

	err := withRetry(ctx, func() error {
		_, _, err := c.gl.MergeRequests.AcceptMergeRequest(projectID, iid, acceptOpts, gogitlab.WithContext(ctx))
		return err
	})
	if err != nil {
		return mapAPIError(err, fmt.Sprintf("accept MR !%d", iid))
	}
	return nil
}

// ApproveMR approves a merge request, optionally impersonating asUsername
// via admin sudo (spec §4.7 REAPPROVE).
func (c *Client) ApproveMR(ctx context.Context, projectID, iid int64, asUsername string) error {
	var reqOpts []gogitlab.RequestOptionFunc
	reqOpts = append(reqOpts, gogitlab.WithContext(ctx))
	if asUsername != "" {
		reqOpts = append(reqOpts, gogitlab.WithSudo(asUsername))
	}

	err := withRetry(ctx, func() error {
		_, _, err := c.gl.MergeRequestApprovals.ApproveMergeRequest(projectID, iid, nil, reqOpts...)
		return err
	})
	if err != nil {
		return mapAPIError(err, fmt.Sprintf("approve MR !%d", iid))
	}
	return nil
}

// UnapproveMR withdraws the bot's own approval.
func (c *Client) UnapproveMR(ctx context.Context, projectID, iid int64) error {
	err := withRetry(ctx, func() error {
		_, err := c.gl.MergeRequestApprovals.UnapproveMergeRequest(projectID, iid, gogitlab.WithContext(ctx))
		return err
	})
	if err != nil {
		return mapAPIError(err, fmt.Sprintf("unapprove MR !%d", iid))
	}
	return nil
}

// ResetApprovals clears all approvals on an MR after a rebase push (spec
// §4.1 reset_approvals). go-gitlab does not wrap this admin-only endpoint
// with a typed method, so this uses the client's documented escape hatch
// for unwrapped endpoints (NewRequest/Do) rather than hand-rolling an HTTP
// client.
func (c *Client) ResetApprovals(ctx context.Context, projectID, iid int64) error {
	u := fmt.Sprintf("projects/%d/merge_requests/%d/reset_approvals", projectID, iid)
	err := withRetry(ctx, func() error {
		req, err := c.gl.NewRequest("PUT", u, nil, []gogitlab.RequestOptionFunc{gogitlab.WithContext(ctx)})
		if err != nil {
			return err
		}
		_, err = c.gl.Do(req, nil)
		return err
	})
	if err != nil {
		return mapAPIError(err, fmt.Sprintf("reset approvals for MR !%d", iid))
	}
	return nil
}

// PostNote leaves a short, human-readable comment on the MR (spec §6: "the
// bot never silently drops an MR").
func (c *Client) PostNote(ctx context.Context, projectID, iid int64, body string) error {
	err := withRetry(ctx, func() error {
		_, _, err := c.gl.Notes.CreateMergeRequestNote(projectID, iid, &gogitlab.CreateMergeRequestNoteOptions{
			Body: gogitlab.Ptr(body),
		}, gogitlab.WithContext(ctx))
		return err
	})
	if err != nil {
		return mapAPIError(err, fmt.Sprintf("post note on MR !%d", iid))
	}
	return nil
}

// SetAssignees replaces the assignee set on an MR — used both to keep the
// bot assigned while it works an MR and to remove it on every abort path.
func (c *Client) SetAssignees(ctx context.Context, projectID, iid int64, userIDs []int64) error {
	err := withRetry(ctx, func() error {
		_, _, err := c.gl.MergeRequests.UpdateMergeRequest(projectID, iid, &gogitlab.UpdateMergeRequestOptions{
			AssigneeIDs: &userIDs,
		}, gogitlab.WithContext(ctx))
		return err
	})
	if err != nil {
		return mapAPIError(err, fmt.Sprintf("set assignees on MR !%d", iid))
	}
	return nil
}

// mapAPIError converts a go-gitlab error into a typed MargeError (spec
// §4.1: "4xx errors are surfaced as typed errors"). Network errors and
// unrecognised shapes surface as ErrProtocol so the caller always gets a
// *MargeError back.
func mapAPIError(err error, what string) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return margeerrors.ErrProtocol(what, err)
	}

	var glErr *gogitlab.ErrorResponse
	if errors.As(err, &glErr) && glErr.Response != nil {
		msg := errorMessage(glErr)
		switch glErr.Response.StatusCode {
		case 404:
			return margeerrors.ErrNotFound(what)
		case 401, 403:
			return margeerrors.ErrUnauthorised(what + ": " + msg)
		case 405:
			return margeerrors.ErrNotMergeable(what + ": " + msg)
		case 406:
			return margeerrors.ErrUnapproved(what + ": " + msg)
		case 409:
			return margeerrors.ErrConflict(what + ": " + msg)
		case 422:
			return margeerrors.ErrUnprocessable(msg)
		}
	}

	return margeerrors.ErrProtocol(what, err)
}

// errorMessage resolves the best available human-readable message from a
// forge error response. go-gitlab's own decode only populates Message for
// the shapes it recognises ({"message": "..."} or {"error": "..."}); when
// the body doesn't match either and Message comes back empty, gjson pulls
// whatever "message"/"error" field is actually present (including GitLab's
// {"message": ["field is invalid", ...]} array shape on 422s) without
// requiring a second typed struct per error variant.
func errorMessage(glErr *gogitlab.ErrorResponse) string {
	if glErr.Message != "" {
		return glErr.Message
	}
	if len(glErr.Body) == 0 {
		return "unknown error"
	}

	if msg := gjson.GetBytes(glErr.Body, "message"); msg.Exists() {
		if msg.IsArray() {
			parts := make([]string, 0, len(msg.Array()))
			for _, v := range msg.Array() {
				parts = append(parts, v.String())
			}
			return strings.Join(parts, "; ")
		}
		return msg.String()
	}
	if errField := gjson.GetBytes(glErr.Body, "error"); errField.Exists() {
		return errField.String()
	}
	return "unknown error"
}

func mapProject(p *gogitlab.Project) Project {
	method := MergeMethodMerge
	switch p.MergeMethod {
	case "rebase_merge":
		method = MergeMethodRebaseMerge
	case "ff":
		method = MergeMethodFastForward
	}
	if p.SquashOption == "always" || p.SquashOption == "default_on" {
		// Squash preference doesn't change merge_method classification;
		// kept here as a reminder this field exists if a future project
		// profile needs it.
		_ = p.SquashOption
	}

	return Project{
		ID:                   p.ID,
		Path:                 p.PathWithNamespace,
		SSHURLToRepo:         p.SSHURLToRepo,
		MergeMethod:          method,
		ApprovalsRequired:    p.ApprovalsBeforeMerge,
		ResetApprovalsOnPush: p.ResetApprovalsOnPush,
	}
}

func mapUser(u *gogitlab.User) User {
	return User{
		ID:       u.ID,
		Name:     u.Name,
		Username: u.Username,
		Email:    u.Email,
	}
}

func mapBasicUser(u *gogitlab.BasicUser) User {
	return User{
		ID:       u.ID,
		Name:     u.Name,
		Username: u.Username,
	}
}

func mapMergeRequest(mr *gogitlab.MergeRequest, approvalState *gogitlab.ApprovalState) MergeRequest {
	var assignees []User
	for _, a := range mr.Assignees {
		assignees = append(assignees, User{ID: a.ID, Name: a.Name, Username: a.Username})
	}

	var approvedBy []User
	required := 0
	if approvalState != nil {
		for _, rule := range approvalState.Rules {
			required += int(rule.ApprovalsRequired)
			for _, approver := range rule.ApprovedBy {
				approvedBy = append(approvedBy, mapBasicUser(approver))
			}
		}
	}

	state := MRState(mr.State)
	if mr.State == "opened" {
		state = MRStateOpened
	}

	var updatedAt time.Time
	if mr.UpdatedAt != nil {
		updatedAt = *mr.UpdatedAt
	}
	var createdAt time.Time
	if mr.CreatedAt != nil {
		createdAt = *mr.CreatedAt
	}

	return MergeRequest{
		ID:              mr.ID,
		IID:             mr.IID,
		ProjectID:       mr.ProjectID,
		SourceProjectID: mr.SourceProjectID,
		SourceBranch:    mr.SourceBranch,
		TargetBranch:    mr.TargetBranch,
		SHA:             mr.SHA,
		Title:           mr.Title,
		Description:     mr.Description,
		Assignees:       assignees,
		Author:          User{ID: mr.Author.ID, Name: mr.Author.Name, Username: mr.Author.Username},
		Approvals:       Approvals{By: approvedBy, Required: required},
		State:           state,
		WorkInProgress:  mr.Draft || mr.WorkInProgress,
		WebURL:          mr.WebURL,
		UpdatedAt:       updatedAt,
		CreatedAt:       createdAt,
	}
}

func mapPipelineInfo(p *gogitlab.PipelineInfo) Pipeline {
	return Pipeline{
		ID:     p.ID,
		SHA:    p.SHA,
		Ref:    p.Ref,
		Status: PipelineStatus(p.Status),
		WebURL: p.WebURL,
	}
}
