// Package gitwork wraps the local git clone a Project Worker drives:
// fetch, rebase/merge onto the target tip, force-with-lease push, and
// per-commit trailer inspection.
package gitwork

import (
	"path/filepath"
	"regexp"
	"strings"
)

// WorktreeDirName returns the directory name for a project+target-branch
// worker's dedicated working tree.
func WorktreeDirName(projectPath, targetBranch string) string {
	return SanitizeBranchName(projectPath) + "--" + SanitizeBranchName(targetBranch)
}

// WorktreePath returns the full path to a worker's dedicated working tree.
func WorktreePath(baseDir, projectPath, targetBranch string) string {
	return filepath.Join(baseDir, WorktreeDirName(projectPath, targetBranch))
}

var (
	nonSafeChars   = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedDashes = regexp.MustCompile(`-+`)
)

// SanitizeBranchName converts a branch or project path into a safe
// filesystem segment. Source-branch names containing "/" (e.g.
// "feature/x") and names equal to the target branch (e.g. "master") are
// both handled without special-casing: they just sanitize like any other
// string.
func SanitizeBranchName(name string) string {
	safe := strings.ReplaceAll(name, "/", "-")
	safe = strings.ToLower(safe)
	safe = nonSafeChars.ReplaceAllString(safe, "")
	safe = repeatedDashes.ReplaceAllString(safe, "-")
	return strings.Trim(safe, "-")
}
