package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/marge/internal/config"
	margeerrors "github.com/randalmurphal/marge/internal/errors"
	"github.com/randalmurphal/marge/internal/embargo"
	"github.com/randalmurphal/marge/internal/fleet"
	"github.com/randalmurphal/marge/internal/forge"
)

// newLogger picks a text handler for an interactive terminal and a JSON
// handler otherwise (log aggregators want structured lines), matching the
// teacher's split between human-facing and machine-facing output.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// resolveConfig applies spec §6's precedence chain: built-in default,
// then the config file (if any), then MARGE_* environment variables,
// then whatever flags the user actually passed on the command line.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	c := config.Default()

	if cfgFile != "" {
		warnings, err := config.LoadFile(cfgFile, c)
		if err != nil {
			return nil, margeerrors.ErrConfigInvalid("config", err.Error())
		}
		for _, w := range warnings {
			fmt.Fprintln(os.Stderr, "config:", w)
		}
	}

	if _, err := config.ApplyEnv(c); err != nil {
		return nil, margeerrors.ErrConfigInvalid("env", err.Error())
	}

	applyFlags(c, cmd)
	return c, nil
}

// applyFlags overrides c with every flag the user explicitly passed,
// cobra's Changed() distinguishing "set on the command line" from
// "still holding its zero-value default" so flags never clobber a config
// file or env value the user didn't actually override this run.
func applyFlags(c *config.Config, cmd *cobra.Command) {
	flags := cmd.Flags()
	changed := func(name string) bool { return flags.Changed(name) }

	if changed("forge-url") {
		c.ForgeURL = flagForgeURL
	}
	if changed("token-file") {
		c.TokenFile = flagTokenFile
	}
	if changed("ssh-key") {
		c.SSHKeyPath = flagSSHKey
	}
	if changed("clone-dir") {
		c.CloneDir = flagCloneDir
	}
	if changed("reference") {
		c.Reference = flagReference
	}
	if changed("user") {
		c.Username = flagUser
	}
	if changed("tester-name") {
		c.TesterName = flagTesterName
	}
	if changed("add-reviewers") {
		c.AddReviewers = flagAddReviewers
	}
	if changed("add-tested") {
		c.AddTested = flagAddTested
	}
	if changed("add-part-of") {
		c.AddPartOf = flagAddPartOf
	}
	if changed("impersonate-approvers") {
		c.ImpersonateApprovers = flagImpersonateApprovers
	}
	if changed("approval-reset-timeout") {
		if d, err := time.ParseDuration(flagApprovalResetTimeout); err == nil {
			c.ApprovalResetTimeout = d
		}
	}
	if changed("ci-timeout") {
		if d, err := time.ParseDuration(flagCITimeout); err == nil {
			c.CITimeout = d
		}
	}
	if changed("git-timeout") {
		if d, err := time.ParseDuration(flagGitTimeout); err == nil {
			c.GitTimeout = d
		}
	}
	if changed("embargo") {
		c.Embargo = flagEmbargo
	}
	if changed("project-regexp") {
		c.ProjectRegexp = flagProjectRegexp
	}
	if changed("branch-regexp") {
		c.BranchRegexp = flagBranchRegexp
	}
	if changed("batch") {
		c.Batch = flagBatch
	}
	if changed("use-merge-strategy") {
		c.UseMergeStrategy = flagUseMergeStrategy
	}
	if changed("debug") {
		c.Debug = flagDebug
	}
}

// run resolves configuration, builds the Forge Client and Fleet
// Coordinator, and runs the coordinator until ctx is cancelled (spec
// §4.8, §6).
func run(ctx context.Context) error {
	cfg, err := resolveConfig(rootCmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Debug)
	token, err := cfg.ReadToken()
	if err != nil {
		return err
	}

	client, err := forge.NewClient(ctx, cfg.ForgeURL, token)
	if err != nil {
		return err
	}

	botUser, err := client.FetchUserByUsername(ctx, cfg.Username)
	if err != nil {
		return margeerrors.ErrAuthInvalid(fmt.Sprintf("resolve bot user %q: %v", cfg.Username, err))
	}

	cal, err := embargo.Parse(cfg.Embargo, "UTC")
	if err != nil {
		return margeerrors.ErrConfigInvalid("embargo", err.Error())
	}

	fleetCfg := fleet.DefaultConfig()
	fleetCfg.BotUser = *botUser
	fleetCfg.SSHKeyPath = cfg.SSHKeyPath
	fleetCfg.CloneDir = cfg.CloneDir
	fleetCfg.Reference = cfg.Reference
	fleetCfg.GitTimeout = cfg.GitTimeout
	fleetCfg.ProjectRegexp = cfg.ProjectRegexp

	fleetCfg.Worker.BotUser = *botUser
	fleetCfg.Worker.TesterName = cfg.TesterName
	fleetCfg.Worker.AddReviewers = cfg.AddReviewers
	fleetCfg.Worker.AddTested = cfg.AddTested
	fleetCfg.Worker.AddPartOf = cfg.AddPartOf
	fleetCfg.Worker.ImpersonateApprovers = cfg.ImpersonateApprovers
	fleetCfg.Worker.ApprovalResetTimeout = cfg.ApprovalResetTimeout
	fleetCfg.Worker.CITimeout = cfg.CITimeout
	fleetCfg.Worker.SourceBranchPattern = cfg.BranchRegexp
	fleetCfg.Worker.Batch.Enabled = cfg.Batch
	fleetCfg.Worker.UseMergeStrategy = cfg.UseMergeStrategy
	fleetCfg.Calendar = cal

	coordinator := fleet.New(fleetCfg, client, logger)

	logger.Info("marge starting", "forge_url", cfg.ForgeURL, "user", cfg.Username)
	return coordinator.Run(ctx)
}
