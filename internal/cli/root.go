// Package cli implements Marge's command-line interface: a single root
// command carrying the flag table from spec §6, with cobra defining the
// flags and viper resolving flag/env/file precedence ahead of
// internal/config's final explicit pass.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	flagForgeURL     string
	flagTokenFile    string
	flagSSHKey       string
	flagCloneDir     string
	flagReference    string
	flagUser         string
	flagTesterName   string

	flagAddReviewers         bool
	flagAddTested            bool
	flagAddPartOf            bool
	flagImpersonateApprovers bool
	flagApprovalResetTimeout string
	flagCITimeout            string
	flagGitTimeout           string
	flagEmbargo              []string
	flagProjectRegexp        string
	flagBranchRegexp         string
	flagBatch                bool
	flagUseMergeStrategy     bool
	flagDebug                bool
)

// rootCmd is the single Marge entry point: there are no subcommands, only
// flags (spec §6: "a single executable").
var rootCmd = &cobra.Command{
	Use:   "marge",
	Short: "Marge merges GitLab merge requests one at a time, the Not Rocket Science way",
	Long: `marge watches the projects its bot account belongs to, picks up merge
requests assigned to it, rebases each onto the current target tip, waits
for CI and approvals to settle, and merges - one candidate per branch at
a time so the target is never broken by two changes landing together.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

// Execute runs the root command and returns its error, unwrapped so
// main can translate it into an exit code via margeerrors.ExitCode.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command under ctx, so RunE sees it via
// cmd.Context() and stops when ctx is cancelled (spec §5 "Cancellation").
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (simple key/value format)")

	flags.StringVar(&flagForgeURL, "forge-url", "", "forge base URL")
	flags.StringVar(&flagTokenFile, "token-file", "", "file holding the forge auth token")
	flags.StringVar(&flagSSHKey, "ssh-key", "", "SSH private key file for git push/pull")
	flags.StringVar(&flagCloneDir, "clone-dir", "", "base directory for per-project clones")
	flags.StringVar(&flagReference, "reference", "", "local reference repository path (accepted; not passed to git clone)")
	flags.StringVar(&flagUser, "user", "", "bot account username")
	flags.StringVar(&flagTesterName, "tester-name", "", "name recorded in the Tested-by trailer")

	flags.BoolVar(&flagAddReviewers, "add-reviewers", false, "enable Reviewed-by trailer injection (requires admin)")
	flags.BoolVar(&flagAddTested, "add-tested", false, "enable Tested-by trailer on tip")
	flags.BoolVar(&flagAddPartOf, "add-part-of", false, "enable Part-of trailer on every commit")
	flags.BoolVar(&flagImpersonateApprovers, "impersonate-approvers", false, "re-approve post-push as prior approvers")
	flags.StringVar(&flagApprovalResetTimeout, "approval-reset-timeout", "", "max wait for approvals to re-settle")
	flags.StringVar(&flagCITimeout, "ci-timeout", "", "max wait for CI per candidate")
	flags.StringVar(&flagGitTimeout, "git-timeout", "", "max wall time for any git operation")
	flags.StringSliceVar(&flagEmbargo, "embargo", nil, "one or more embargo windows")
	flags.StringVar(&flagProjectRegexp, "project-regexp", "", "include/exclude projects by path")
	flags.StringVar(&flagBranchRegexp, "branch-regexp", "", "include/exclude MRs by source-branch name")
	flags.BoolVar(&flagBatch, "batch", false, "enable batch merge planner")
	flags.BoolVar(&flagUseMergeStrategy, "use-merge-strategy", false, "use merge commits instead of rebasing")
	flags.BoolVar(&flagDebug, "debug", false, "verbose logging (never includes secrets)")

	for _, name := range []string{
		"forge-url", "token-file", "ssh-key", "clone-dir", "reference", "user", "tester-name",
		"add-reviewers", "add-tested", "add-part-of", "impersonate-approvers",
		"approval-reset-timeout", "ci-timeout", "git-timeout", "embargo",
		"project-regexp", "branch-regexp", "batch", "use-merge-strategy", "debug",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

// initConfig wires viper's environment and flag binding (spec §6: "every
// flag also has an equivalent environment variable"). The config file
// itself is not viper's concern: it is Marge's own simple key/value
// format, not one of viper's structured codecs, so internal/config.LoadFile
// reads it directly and resolveConfig folds the result in ahead of env
// and flags, per spec §6's explicit precedence order.
func initConfig() {
	viper.SetEnvPrefix("MARGE")
	viper.AutomaticEnv()

	if cfgFile != "" && flagDebug {
		fmt.Fprintln(os.Stderr, "using config file:", cfgFile)
	}
}
