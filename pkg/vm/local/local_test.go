package local

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autominion/minion/pkg/vm"
)

func newMachine(t *testing.T) vm.Machine {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	m, err := NewProvider(nil).Create(context.Background())
	require.NoError(t, err)
	return m
}

func TestRunCommandStreamFidelity(t *testing.T) {
	m := newMachine(t)
	script := `for i in 1 2 3 4 5; do echo "out$i"; done; for i in 1 2 3; do echo "err$i" >&2; done; exit 3`

	ch, err := m.RunCommandStream(context.Background(), script)
	require.NoError(t, err)

	var outs, errs []string
	var events []vm.CommandOutput
	for ev := range ch {
		events = append(events, ev)
		switch ev.Kind {
		case vm.OutputStdout:
			outs = append(outs, ev.Line)
		case vm.OutputStderr:
			errs = append(errs, ev.Line)
		}
	}

	assert.Equal(t, []string{"out1", "out2", "out3", "out4", "out5"}, outs)
	assert.Equal(t, []string{"err1", "err2", "err3"}, errs)
	require.Len(t, events, 9)
	assert.Equal(t, vm.OutputExit, events[8].Kind)
	assert.Equal(t, 3, events[8].ExitCode)
}

func TestRunCommandAggregatesLog(t *testing.T) {
	m := newMachine(t)

	res, err := vm.RunCommand(context.Background(), m, "echo hello; echo world", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\nworld\n", res.Log)
}

func TestLifecycleIsNoop(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	assert.NoError(t, m.InstallPrerequisites(ctx))
	assert.NoError(t, m.Detach(ctx))
	assert.NoError(t, m.Destroy(ctx))
	assert.Equal(t, vm.KindLocal, m.Identity().Kind)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, vm.ExitUnknown, exitCode(assert.AnError))
}
