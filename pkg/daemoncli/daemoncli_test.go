package daemoncli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	a := New()

	flags, err := a.Parse([]string{})
	require.NoError(t, err)

	assert.Equal(t, ":9600", flags.MetricsAddress)
	assert.Equal(t, "", flags.RunAsUser)
	assert.True(t, flags.DropPrivileges)
	assert.NotNil(t, flags.Logger)
}

func TestParseHonorsSecurityFlags(t *testing.T) {
	a := New()

	flags, err := a.Parse([]string{
		"--security.run-as-user=nobody",
		"--security.drop-privileges=false",
	})
	require.NoError(t, err)

	assert.Equal(t, "nobody", flags.RunAsUser)
	assert.False(t, flags.DropPrivileges)
}

func TestParseHonorsOverrides(t *testing.T) {
	a := New()

	flags, err := a.Parse([]string{
		"--web.listen-address=:9999",
		"--control.dir=.",
		"--supervisor.log-dir=.",
	})
	require.NoError(t, err)

	assert.Equal(t, ":9999", flags.MetricsAddress)
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	a := New()

	_, err := a.Parse([]string{"--not-a-real-flag"})
	assert.Error(t, err)
}
