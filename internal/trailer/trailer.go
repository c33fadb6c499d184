// Package trailer implements the Commit Rewriter component (spec §4.4):
// adding and stripping Reviewed-by/Tested-by/Part-of commit trailers while
// preserving authorship and commit order. The string-level trailer logic
// in this file is pure and independently testable; rewriter.go wires it to
// the Git Worktree's plumbing primitives to actually rewrite a commit
// range (grounded in the env-var-driven author/committer manipulation
// pattern used for squashing in the merge-bot reference examples).
package trailer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Approver identifies one MR approver for Reviewed-by trailer injection.
// Retrieving emails requires admin forge credentials (spec §4.4); an
// approver with a blank Email is a terminal error when reviewers are
// enabled, not a silently-dropped trailer.
type Approver struct {
	Name     string
	Email    string
	Username string
}

// Options configures one Rewrite call (spec §4.4).
type Options struct {
	// EnableReviewers injects one Reviewed-by trailer per entry in
	// Approvers, sorted by username, on every commit. When false, Approvers
	// is ignored.
	EnableReviewers bool
	Approvers       []Approver

	// EnableTested appends "Tested-by: TesterName MRURL" to the tip
	// commit only.
	EnableTested bool
	TesterName   string

	// EnablePartOf prepends "Part-of: MRURL" to every commit.
	EnablePartOf bool

	MRURL string
}

var (
	reviewedByLine = regexp.MustCompile(`(?m)^Reviewed-by:\s.*$\n?`)
	testedByLine   = regexp.MustCompile(`(?m)^Tested-by:\s.*$\n?`)
	partOfLine     = regexp.MustCompile(`(?m)^Part-of:\s.*$\n?`)
)

// MissingEmailError is the distinct, surfaced failure (spec §9) for an
// approver whose email the forge token cannot see.
type MissingEmailError struct{ Username string }

func (e *MissingEmailError) Error() string {
	return fmt.Sprintf("approver %q has no email visible to this token", e.Username)
}

// Rewrite strips any existing Reviewed-by/Tested-by/Part-of trailers from
// message and re-appends the trailers configured by opts. isTip controls
// whether the Tested-by trailer is added. Calling Rewrite twice with the
// same opts on its own output yields an identical message (spec §8
// "Trailer idempotence"), because stripping runs unconditionally before
// anything is re-added.
func Rewrite(message string, opts Options, isTip bool) (string, error) {
	stripped := stripTrailers(message)

	var trailers []string

	if opts.EnablePartOf && opts.MRURL != "" {
		trailers = append(trailers, fmt.Sprintf("Part-of: %s", opts.MRURL))
	}

	if opts.EnableReviewers {
		approvers := make([]Approver, len(opts.Approvers))
		copy(approvers, opts.Approvers)
		sort.Slice(approvers, func(i, j int) bool { return approvers[i].Username < approvers[j].Username })
		for _, a := range approvers {
			if a.Email == "" {
				return "", &MissingEmailError{Username: a.Username}
			}
			trailers = append(trailers, fmt.Sprintf("Reviewed-by: %s <%s>", a.Name, a.Email))
		}
	}

	if isTip && opts.EnableTested && opts.TesterName != "" && opts.MRURL != "" {
		trailers = append(trailers, fmt.Sprintf("Tested-by: %s %s", opts.TesterName, opts.MRURL))
	}

	if len(trailers) == 0 {
		return stripped, nil
	}

	out := strings.TrimRight(stripped, "\n")
	out += "\n\n" + strings.Join(trailers, "\n") + "\n"
	return out, nil
}

// stripTrailers removes any existing Reviewed-by/Tested-by/Part-of lines
// and the blank trailer-block separator left behind, so re-running Rewrite
// is idempotent regardless of how many times it has run before.
func stripTrailers(message string) string {
	out := reviewedByLine.ReplaceAllString(message, "")
	out = testedByLine.ReplaceAllString(out, "")
	out = partOfLine.ReplaceAllString(out, "")

	lines := strings.Split(out, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// ParseApprovers recovers the approver names and emails a message's
// Reviewed-by trailers encode; Username is left empty, since the trailers
// do not carry it (spec §8 round-trip: "Approver-set
// serialisation into trailers and re-parsing back recovers the original
// set"). Order is not significant to the caller; ParseApprovers returns
// them in trailer order (sorted by username, since Rewrite writes them
// that way).
func ParseApprovers(message string) []Approver {
	var approvers []Approver
	matches := regexp.MustCompile(`(?m)^Reviewed-by:\s*(.+?)\s*<(.+?)>\s*$`).FindAllStringSubmatch(message, -1)
	for _, m := range matches {
		approvers = append(approvers, Approver{Name: m[1], Email: m[2]})
	}
	return approvers
}
