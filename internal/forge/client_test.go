package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	margeerrors "github.com/randalmurphal/marge/internal/errors"
)

// newTestServer wires a httptest server serving handler under /api/v4, and
// returns a Client pointed at it. The version endpoint is pre-wired so
// every test doesn't need to stub it individually.
func newTestServer(t *testing.T, version string, extra map[string]http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"version": version, "revision": "abc"})
	})
	for path, h := range extra {
		mux.HandleFunc(path, h)
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), srv.URL, "test-token")
	require.NoError(t, err)
	return client, srv
}

func TestNewClientDetectsCapabilities(t *testing.T) {
	tests := []struct {
		name                  string
		version               string
		wantMRPipelinesSupport bool
	}{
		{"modern forge", "16.3.1-ee", true},
		{"exactly 10.5", "10.5.0", true},
		{"pre-10.5", "10.4.2", false},
		{"much older", "9.0.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client, _ := newTestServer(t, tt.version, nil)
			assert.Equal(t, tt.wantMRPipelinesSupport, client.Capabilities().SupportsMRPipelinesEndpoint)
		})
	}
}

func TestGetMRMapsApprovalsAndDiscussions(t *testing.T) {
	t.Parallel()

	extra := map[string]http.HandlerFunc{
		"/api/v4/projects/1/merge_requests/42": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": 100, "iid": 42, "project_id": 1,
				"source_branch": "feat/x", "target_branch": "main", "sha": "b1",
				"title": "add x", "state": "opened",
				"author":    map[string]any{"id": 5, "username": "alice"},
				"assignees": []map[string]any{{"id": 9, "username": "marge"}},
			})
		},
		"/api/v4/projects/1/merge_requests/42/approval_state": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"rules": []map[string]any{
					{
						"approvals_required": 1,
						"approved_by": []map[string]any{
							{"user": map[string]any{"id": 5, "username": "bob"}},
						},
					},
				},
			})
		},
		"/api/v4/projects/1/merge_requests/42/discussions": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{
					"id": "d1",
					"notes": []map[string]any{
						{"id": 1, "resolvable": true, "resolved": false},
					},
				},
			})
		},
	}

	client, _ := newTestServer(t, "16.0.0", extra)

	mr, err := client.GetMR(context.Background(), 1, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), mr.IID)
	assert.Equal(t, "feat/x", mr.SourceBranch)
	assert.Equal(t, 1, mr.Approvals.Required)
	assert.True(t, mr.HasUnresolvedDiscussions)
}

func TestGetMRNotFoundMapsToTypedError(t *testing.T) {
	t.Parallel()

	extra := map[string]http.HandlerFunc{
		"/api/v4/projects/1/merge_requests/99": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "404 Not found"})
		},
	}

	client, _ := newTestServer(t, "16.0.0", extra)

	_, err := client.GetMR(context.Background(), 1, 99)
	require.Error(t, err)

	me := margeerrors.AsMargeError(err)
	require.NotNil(t, me)
	assert.Equal(t, margeerrors.CodeForgeNotFound, me.Code)
}

func TestAcceptMRPinsSHA(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	extra := map[string]http.HandlerFunc{
		"/api/v4/projects/1/merge_requests/7/merge": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 1, "iid": 7, "state": "merged"})
		},
	}

	client, _ := newTestServer(t, "16.0.0", extra)

	err := client.AcceptMR(context.Background(), 1, 7, AcceptOptions{SHA: "b1final", RemoveSourceBranch: true})
	require.NoError(t, err)
	assert.Equal(t, "b1final", gotBody["sha"])
}

func TestAcceptMRShaMismatchMapsToConflict(t *testing.T) {
	t.Parallel()

	extra := map[string]http.HandlerFunc{
		"/api/v4/projects/1/merge_requests/7/merge": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "SHA does not match HEAD"})
		},
	}

	client, _ := newTestServer(t, "16.0.0", extra)

	err := client.AcceptMR(context.Background(), 1, 7, AcceptOptions{SHA: "stale"})
	require.Error(t, err)
	me := margeerrors.AsMargeError(err)
	require.NotNil(t, me)
	assert.Equal(t, margeerrors.CodeForgeConflict, me.Code)
}

func TestPostNote(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	extra := map[string]http.HandlerFunc{
		"/api/v4/projects/1/merge_requests/7/notes": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 1, "body": gotBody["body"], "author": map[string]any{"username": "marge"}})
		},
	}

	client, _ := newTestServer(t, "16.0.0", extra)

	err := client.PostNote(context.Background(), 1, 7, "CI failed on b1: https://ci/1")
	require.NoError(t, err)
	assert.Equal(t, "CI failed on b1: https://ci/1", gotBody["body"])
}

func TestGetPipelineForMRUsesCapabilityGatedEndpoint(t *testing.T) {
	tests := []struct {
		name          string
		version       string
		mrEndpointHit bool
		branchHit     bool
	}{
		{"modern forge uses MR endpoint", "16.0.0", true, false},
		{"legacy forge falls back to branch ref", "9.0.0", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var hitMR, hitBranch bool
			extra := map[string]http.HandlerFunc{
				"/api/v4/projects/1/merge_requests/42/pipelines": func(w http.ResponseWriter, r *http.Request) {
					hitMR = true
					_ = json.NewEncoder(w).Encode([]map[string]any{
						{"id": 5, "sha": "b1", "ref": "feat/x", "status": "success"},
					})
				},
				"/api/v4/projects/1/pipelines": func(w http.ResponseWriter, r *http.Request) {
					hitBranch = true
					_ = json.NewEncoder(w).Encode([]map[string]any{
						{"id": 5, "sha": "b1", "ref": "feat/x", "status": "success"},
					})
				},
			}

			client, _ := newTestServer(t, tt.version, extra)

			p, err := client.GetPipelineForMR(context.Background(), 1, 42, "feat/x", "b1")
			require.NoError(t, err)
			require.NotNil(t, p)
			assert.Equal(t, PipelineSuccess, p.Status)
			assert.Equal(t, tt.mrEndpointHit, hitMR)
			assert.Equal(t, tt.branchHit, hitBranch)
		})
	}
}

func TestGetBranchReturnsTipSHA(t *testing.T) {
	t.Parallel()

	extra := map[string]http.HandlerFunc{
		"/api/v4/projects/1/repository/branches/main": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"name":   "main",
				"commit": map[string]any{"id": "deadbeef"},
			})
		},
	}

	client, _ := newTestServer(t, "16.0.0", extra)

	branch, err := client.GetBranch(context.Background(), 1, "main")
	require.NoError(t, err)
	assert.Equal(t, "main", branch.Name)
	assert.Equal(t, "deadbeef", branch.SHA)
}

func TestAcceptMRNotMergeableMapsToTypedError(t *testing.T) {
	t.Parallel()

	extra := map[string]http.HandlerFunc{
		"/api/v4/projects/1/merge_requests/7/merge": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusMethodNotAllowed)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "405 Method Not Allowed"})
		},
	}

	client, _ := newTestServer(t, "16.0.0", extra)

	err := client.AcceptMR(context.Background(), 1, 7, AcceptOptions{SHA: "b1"})
	require.Error(t, err)
	me := margeerrors.AsMargeError(err)
	require.NotNil(t, me)
	assert.Equal(t, margeerrors.CodeForgeNotMergeable, me.Code)
}

func TestLatestPipelineForSHAOnEmptyList(t *testing.T) {
	t.Parallel()
	assert.Nil(t, latestPipelineForSHA(nil, "b1"))
}

func TestVersionAtLeast(t *testing.T) {
	tests := []struct {
		version string
		min     string
		want    bool
	}{
		{"10.5.0", "10.5", true},
		{"10.5", "10.5", true},
		{"10.4.9", "10.5", false},
		{"11.0.0", "10.5", true},
		{"9.9.9", "10.5", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_vs_%s", tt.version, tt.min), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, versionAtLeast(tt.version, tt.min))
		})
	}
}
