package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"1", "42"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 42}, ids)

	for _, bad := range []string{"0", "-3", "x"} {
		_, err := parseIDs([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"migrate"},
		{"projects", "load"},
		{"projects", "ls"},
		{"request", "submit"},
		{"request", "abort"},
		{"build", "abort"},
		{"build", "ls"},
	} {
		cmd, rest, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Empty(t, rest, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestSubmitRejectsBadArgsBeforeConnecting(t *testing.T) {
	rootCmd.SetArgs([]string{"request", "submit", "app", ""})
	err := rootCmd.Execute()
	assert.ErrorContains(t, err, "source_branch is required")
}
