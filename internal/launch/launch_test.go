package launch

import (
	"bytes"
	"context"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-finetune/internal/dist"
)

// syncBuffer serialises writes from several child processes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func shell(t *testing.T, script string) []string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh in PATH")
	}
	return []string{sh, "-c", script}
}

func TestEnvs(t *testing.T) {
	envs, err := Spec{NProcPerNode: 2, NNodes: 3, NodeRank: 1, MasterAddr: "10.0.0.1", MasterPort: 29500}.Envs()
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, dist.Env{Rank: 3, LocalRank: 1, WorldSize: 6, LocalWorldSize: 2, MasterAddr: "10.0.0.1", MasterPort: 29500}, envs[1])

	for _, s := range []Spec{
		{NProcPerNode: 0, NNodes: 1, MasterPort: 1},
		{NProcPerNode: 1, NNodes: 2, NodeRank: 2, MasterPort: 1},
		{NProcPerNode: 1, NNodes: 1, MasterPort: 0},
	} {
		_, err := s.Envs()
		assert.Error(t, err, "%+v", s)
	}
}

func TestRun(t *testing.T) {
	var out syncBuffer
	err := Run(context.Background(), Spec{
		NProcPerNode: 3,
		NNodes:       1,
		MasterAddr:   dist.DefaultMasterAddr,
		MasterPort:   dist.DefaultMasterPort,
		Command:      shell(t, `echo "$RANK/$WORLD_SIZE $LOCAL_RANK $FINETUNE_RUN_ID"`),
		Stdout:       &out,
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	sort.Strings(lines)
	require.Len(t, lines, 3)
	runID := strings.Fields(lines[0])[2]
	assert.NotEmpty(t, runID)
	for r, line := range lines {
		f := strings.Fields(line)
		assert.Equal(t, []string{string(rune('0'+r)) + "/3", string(rune('0' + r)), runID}, f)
	}
}

func TestRunStopsSiblings(t *testing.T) {
	start := time.Now()
	err := Run(context.Background(), Spec{
		NProcPerNode: 2,
		NNodes:       1,
		MasterAddr:   dist.DefaultMasterAddr,
		MasterPort:   dist.DefaultMasterPort,
		Command:      shell(t, `if [ "$RANK" = 1 ]; then exit 3; fi; sleep 30`),
		KillDelay:    time.Second,
		Stdout:       &syncBuffer{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rank 1")
	assert.Less(t, time.Since(start), 20*time.Second)
}

func TestRunErrors(t *testing.T) {
	err := Run(context.Background(), Spec{NProcPerNode: 1, NNodes: 1, MasterPort: 1})
	assert.Error(t, err)
	err = Run(context.Background(), Spec{NProcPerNode: 1, NNodes: 2, MasterPort: 1, Command: []string{"true"}})
	assert.ErrorContains(t, err, "run id")
	err = Run(context.Background(), Spec{NProcPerNode: 1, NNodes: 1, MasterPort: 1, Command: []string{"/nonexistent/finetune"}})
	assert.ErrorContains(t, err, "start rank 0")
}
