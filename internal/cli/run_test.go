package cli

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/marge/internal/config"
)

// flagTestCmd builds an isolated command carrying only the flags a given
// test cares about, bound to the package's global flag vars (the same
// ones applyFlags reads), so parsing it doesn't disturb rootCmd's own
// flag set or its Changed() bookkeeping.
func flagTestCmd(t *testing.T, register func(fs *cobra.Command), args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	register(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestApplyFlagsOnlyOverridesExplicitlySetFlags(t *testing.T) {
	cmd := flagTestCmd(t, func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&flagForgeURL, "forge-url", "", "")
		cmd.Flags().BoolVar(&flagBatch, "batch", false, "")
		cmd.Flags().StringVar(&flagCITimeout, "ci-timeout", "", "")
	}, "--forge-url=https://gitlab.example.com", "--batch")

	c := config.Default()
	c.CITimeout = 20 * time.Minute // should survive: ci-timeout flag never set

	applyFlags(c, cmd)

	assert.Equal(t, "https://gitlab.example.com", c.ForgeURL)
	assert.True(t, c.Batch)
	assert.Equal(t, 20*time.Minute, c.CITimeout)
}

func TestApplyFlagsParsesDurationFlags(t *testing.T) {
	cmd := flagTestCmd(t, func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&flagCITimeout, "ci-timeout", "", "")
		cmd.Flags().StringVar(&flagGitTimeout, "git-timeout", "", "")
	}, "--ci-timeout=10m", "--git-timeout=90s")

	c := config.Default()
	applyFlags(c, cmd)

	assert.Equal(t, 10*time.Minute, c.CITimeout)
	assert.Equal(t, 90*time.Second, c.GitTimeout)
}

func TestApplyFlagsAppliesEmbargoSlice(t *testing.T) {
	cmd := flagTestCmd(t, func(cmd *cobra.Command) {
		cmd.Flags().StringSliceVar(&flagEmbargo, "embargo", nil, "")
	}, "--embargo=Fri 16:00 - Mon 09:00")

	c := config.Default()
	applyFlags(c, cmd)

	assert.Equal(t, []string{"Fri 16:00 - Mon 09:00"}, c.Embargo)
}
