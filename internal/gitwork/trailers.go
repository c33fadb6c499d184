package gitwork

import "strings"

// commitMetaSep separates fields in the --format string used to read back
// commit metadata in one process per commit. Chosen because it never
// appears in author names/emails/dates and is vanishingly unlikely inside
// a commit message.
const commitMetaSep = "\x1f"

// CommitMeta is one commit's metadata, extracted so the Commit Rewriter
// (internal/trailer) can reconstruct an equivalent commit with a rewritten
// message while preserving author identity, author date, and parent
// topology exactly (spec §4.4).
type CommitMeta struct {
	SHA         string
	Tree        string
	Parents     []string
	AuthorName  string
	AuthorEmail string
	AuthorDate  string
	Message     string
}

// CommitsInRange returns metadata for every commit in rangeSpec (e.g.
// "target..source"), oldest first (spec §4.2 commit_shas, generalized to
// carry the metadata trailer rewriting needs).
func (w *Worktree) CommitsInRange(rangeSpec string) ([]CommitMeta, error) {
	shas, err := w.CommitSHAs(rangeSpec)
	if err != nil {
		return nil, err
	}

	metas := make([]CommitMeta, 0, len(shas))
	for _, sha := range shas {
		m, err := w.commitMeta(sha)
		if err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, nil
}

func (w *Worktree) commitMeta(sha string) (CommitMeta, error) {
	format := strings.Join([]string{"%H", "%T", "%P", "%an", "%ae", "%aI", "%B"}, commitMetaSep)
	out, err := w.ctx.RunGit("show", "-s", "--format="+format, sha)
	if err != nil {
		return CommitMeta{}, err
	}

	fields := strings.SplitN(out, commitMetaSep, 7)
	if len(fields) != 7 {
		return CommitMeta{}, &MalformedCommitMetaError{SHA: sha}
	}

	var parents []string
	if p := strings.TrimSpace(fields[2]); p != "" {
		parents = strings.Fields(p)
	}

	return CommitMeta{
		SHA:         fields[0],
		Tree:        fields[1],
		Parents:     parents,
		AuthorName:  fields[3],
		AuthorEmail: fields[4],
		AuthorDate:  fields[5],
		Message:     strings.TrimRight(fields[6], "\n"),
	}, nil
}

// MalformedCommitMetaError indicates `git show` didn't return the expected
// field count for a commit — almost certainly a %B message containing the
// field separator, which should never happen in practice.
type MalformedCommitMetaError struct{ SHA string }

func (e *MalformedCommitMetaError) Error() string {
	return "malformed commit metadata for " + e.SHA
}

// RewriteCommit creates a new commit object sharing meta's tree and
// author identity/date, with parent newParent (empty for a root commit)
// and message newMessage, committed under this worktree's pinned bot
// identity. It does not move any ref; the caller advances the branch once
// the full range has been rewritten (spec §4.4: "only committer and
// message change").
func (w *Worktree) RewriteCommit(meta CommitMeta, newParent, newMessage string) (string, error) {
	args := []string{"commit-tree", meta.Tree}
	if newParent != "" {
		args = append(args, "-p", newParent)
	}
	args = append(args, "-m", newMessage)

	env := w.ctx.commitEnv()
	env = append(env,
		"GIT_AUTHOR_NAME="+meta.AuthorName,
		"GIT_AUTHOR_EMAIL="+meta.AuthorEmail,
		"GIT_AUTHOR_DATE="+meta.AuthorDate,
	)

	out, err := w.ctx.runner.RunEnv(w.ctx.workDir, env, "git", args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ResetHard moves the checked-out branch and HEAD to sha without touching
// the working tree contents otherwise — used to land a rewritten commit
// chain built via RewriteCommit.
func (w *Worktree) ResetHard(sha string) error {
	_, err := w.ctx.RunGit("reset", "--hard", sha)
	return err
}
