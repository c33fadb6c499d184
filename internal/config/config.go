// Package config resolves Marge's runtime settings (spec §6): built-in
// defaults, a simple key/value config file, MARGE_-prefixed environment
// variables, and command-line flags, applied in that order of increasing
// precedence.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	margeerrors "github.com/randalmurphal/marge/internal/errors"
)

// Config holds every setting spec §6 names plus the forge connection
// details the bot needs to start (base URL, token file, SSH key file).
type Config struct {
	ForgeURL     string
	TokenFile    string
	SSHKeyPath   string
	CloneDir     string
	Reference    string
	Username     string // bot account username, resolved to a forge.User at startup
	TesterName   string // name recorded in the Tested-by trailer

	AddReviewers         bool
	AddTested            bool
	AddPartOf            bool
	ImpersonateApprovers bool
	ApprovalResetTimeout time.Duration
	CITimeout            time.Duration
	GitTimeout           time.Duration
	Embargo              []string
	ProjectRegexp        string
	BranchRegexp         string
	Batch                bool
	UseMergeStrategy     bool
	Debug                bool

	DiscoveryInterval time.Duration
}

// Default returns the built-in defaults (lowest precedence tier).
func Default() *Config {
	return &Config{
		ForgeURL:             "",
		TokenFile:            "",
		SSHKeyPath:           "",
		CloneDir:             ".marge/clones",
		Reference:            "",
		Username:             "",
		TesterName:           "",
		AddReviewers:         false,
		AddTested:            false,
		AddPartOf:            false,
		ImpersonateApprovers: false,
		ApprovalResetTimeout: 0,
		CITimeout:            15 * time.Minute,
		GitTimeout:           5 * time.Minute,
		Embargo:              nil,
		ProjectRegexp:        "",
		BranchRegexp:         "",
		Batch:                false,
		UseMergeStrategy:     false,
		Debug:                false,
		DiscoveryInterval:    5 * time.Minute,
	}
}

// fieldMapping is shared by the file loader and env-var loader: each entry
// names a config key and how to parse+apply its string value (spec §6:
// "every flag also has an equivalent environment variable").
type fieldMapping struct {
	key   string // config-file / flag key, e.g. "ci-timeout"
	apply func(c *Config, value string) error
}

var fieldMappings = []fieldMapping{
	{"forge-url", func(c *Config, v string) error { c.ForgeURL = v; return nil }},
	{"token-file", func(c *Config, v string) error { c.TokenFile = v; return nil }},
	{"ssh-key", func(c *Config, v string) error { c.SSHKeyPath = v; return nil }},
	{"clone-dir", func(c *Config, v string) error { c.CloneDir = v; return nil }},
	{"reference", func(c *Config, v string) error { c.Reference = v; return nil }},
	{"user", func(c *Config, v string) error { c.Username = v; return nil }},
	{"tester-name", func(c *Config, v string) error { c.TesterName = v; return nil }},
	{"add-reviewers", func(c *Config, v string) error { return setBool(&c.AddReviewers, v) }},
	{"add-tested", func(c *Config, v string) error { return setBool(&c.AddTested, v) }},
	{"add-part-of", func(c *Config, v string) error { return setBool(&c.AddPartOf, v) }},
	{"impersonate-approvers", func(c *Config, v string) error { return setBool(&c.ImpersonateApprovers, v) }},
	{"approval-reset-timeout", func(c *Config, v string) error { return setDuration(&c.ApprovalResetTimeout, v) }},
	{"ci-timeout", func(c *Config, v string) error { return setDuration(&c.CITimeout, v) }},
	{"git-timeout", func(c *Config, v string) error { return setDuration(&c.GitTimeout, v) }},
	{"embargo", func(c *Config, v string) error { c.Embargo = append(c.Embargo, v); return nil }},
	{"project-regexp", func(c *Config, v string) error { c.ProjectRegexp = v; return nil }},
	{"branch-regexp", func(c *Config, v string) error { c.BranchRegexp = v; return nil }},
	{"batch", func(c *Config, v string) error { return setBool(&c.Batch, v) }},
	{"use-merge-strategy", func(c *Config, v string) error { return setBool(&c.UseMergeStrategy, v) }},
	{"debug", func(c *Config, v string) error { return setBool(&c.Debug, v) }},
	{"discovery-interval", func(c *Config, v string) error { return setDuration(&c.DiscoveryInterval, v) }},
}

func setBool(dst *bool, v string) error {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		*dst = true
	case "false", "0", "no", "off", "":
		*dst = false
	default:
		return fmt.Errorf("invalid boolean %q", v)
	}
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", v, err)
	}
	*dst = d
	return nil
}

func applyField(c *Config, key, value string) (applied bool, err error) {
	for _, m := range fieldMappings {
		if m.key == key {
			return true, m.apply(c, value)
		}
	}
	return false, nil
}

// LoadFile parses the simple "key = value" config file spec §6 mandates:
// one setting per line, blank lines and lines starting with '#' ignored,
// unknown keys reported as warnings rather than errors.
//
// A full YAML parser would be the wrong tool for this format; see
// DESIGN.md for why this one ambient concern is hand-rolled.
func LoadFile(path string, c *Config) (warnings []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s:%d: malformed line %q, skipping", path, lineNum, line))
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		applied, applyErr := applyField(c, key, value)
		if applyErr != nil {
			warnings = append(warnings, fmt.Sprintf("%s:%d: %s: %v", path, lineNum, key, applyErr))
			continue
		}
		if !applied {
			warnings = append(warnings, fmt.Sprintf("%s:%d: unknown key %q, ignoring", path, lineNum, key))
		}
	}
	if err := scanner.Err(); err != nil {
		return warnings, fmt.Errorf("read config file: %w", err)
	}
	return warnings, nil
}

// envVarName maps a flag key to its MARGE_-prefixed environment variable,
// e.g. "ci-timeout" -> "MARGE_CI_TIMEOUT".
func envVarName(key string) string {
	return "MARGE_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// ApplyEnv overrides c with any set MARGE_* environment variables (spec §6:
// env sits above the config file, below explicit flags).
func ApplyEnv(c *Config) (applied []string, err error) {
	for _, m := range fieldMappings {
		v, ok := os.LookupEnv(envVarName(m.key))
		if !ok {
			continue
		}
		if err := m.apply(c, v); err != nil {
			return applied, fmt.Errorf("%s: %w", envVarName(m.key), err)
		}
		applied = append(applied, m.key)
	}
	return applied, nil
}

// Validate checks the invariants the bot needs to start at all (spec §7
// Fatal: "config or auth invariant violated at startup").
func (c *Config) Validate() error {
	if c.ForgeURL == "" {
		return margeerrors.ErrConfigMissing("forge-url")
	}
	if c.TokenFile == "" {
		return margeerrors.ErrConfigMissing("token-file")
	}
	if c.Username == "" {
		return margeerrors.ErrConfigMissing("user")
	}
	if _, err := os.Stat(c.TokenFile); err != nil {
		return margeerrors.ErrConfigInvalid("token-file", fmt.Sprintf("cannot read %s: %v", c.TokenFile, err))
	}
	if c.SSHKeyPath == "" {
		return margeerrors.ErrConfigMissing("ssh-key")
	}
	if _, err := os.Stat(c.SSHKeyPath); err != nil {
		return margeerrors.ErrConfigInvalid("ssh-key", fmt.Sprintf("cannot read %s: %v", c.SSHKeyPath, err))
	}
	return nil
}

// ReadToken loads the forge auth token from TokenFile (spec §6: "an
// authentication token, loaded from a file, never the command line").
func (c *Config) ReadToken() (string, error) {
	data, err := os.ReadFile(c.TokenFile)
	if err != nil {
		return "", margeerrors.ErrConfigInvalid("token-file", err.Error())
	}
	return strings.TrimSpace(string(data)), nil
}
