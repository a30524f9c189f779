//go:build unix

package runner

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitedGroupIsNotSignalled(t *testing.T) {
	e, _ := newExec(t, 0)

	out, err := e.Run(context.Background(), Command{Args: []string{"sh", "-c", "echo $$"}})
	require.NoError(t, err)
	pgid, err := strconv.Atoi(strings.TrimSpace(out))
	require.NoError(t, err)

	assert.False(t, groupAlive(pgid))
	assert.NotPanics(t, func() { killGroup(pgid) })
}

func TestRunRemovesBackgroundChildrenAfterExit(t *testing.T) {
	e, _ := newExec(t, 0)

	out, err := e.Run(context.Background(), Command{Args: []string{"sh", "-c", "sleep 30 >/dev/null 2>&1 & echo $!"}})
	require.NoError(t, err)
	pid := strings.TrimSpace(out)

	assert.Eventually(t, func() bool {
		_, statErr := os.Stat("/proc/" + pid)
		return os.IsNotExist(statErr) || processIsZombie(pid)
	}, 2*time.Second, 20*time.Millisecond)
}
