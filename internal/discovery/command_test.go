package discovery

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/subwatch/internal/config"
	"github.com/anstrom/subwatch/internal/errors"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandStage_PassesInputThroughStdin(t *testing.T) {
	requireShell(t)
	stage := NewCommandStage(StageHTTP, "cat", nil, 5*time.Second)

	out, err := stage.Run(context.Background(), []string{"b.example.com", " a.example.com ", "b.example.com", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.example.com", "a.example.com"}, out)
	assert.Equal(t, StageHTTP, stage.Name())
}

func TestCommandStage_ArgsAndOutputParsing(t *testing.T) {
	requireShell(t)
	script := `read d; printf 'www.%s\n\n  api.%s  \nwww.%s\n' "$d" "$d" "$d"`
	stage := NewCommandStage(StageEnumerate, "sh", []string{"-c", script}, 5*time.Second)

	out, err := stage.Run(context.Background(), []string{"example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"www.example.com", "api.example.com"}, out)
	assert.Equal(t, "sh -c "+script, stage.Command())
}

func TestCommandStage_EmptyInputDoesNotSpawn(t *testing.T) {
	stage := NewCommandStage(StageLiveness, "/definitely/not/a/binary", nil, time.Second)

	out, err := stage.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestCommandStage_NonZeroExit(t *testing.T) {
	requireShell(t)
	stage := NewCommandStage(StageEnumerate, "sh", []string{"-c", "echo partial; echo 'rate limited' >&2; exit 3"}, 5*time.Second)

	out, err := stage.Run(context.Background(), []string{"example.com"})
	require.Error(t, err)
	assert.Nil(t, out)

	var stageErr *errors.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, errors.CodeStageFailed, stageErr.Code)
	assert.Equal(t, StageEnumerate, stageErr.Stage)
	assert.Equal(t, 3, stageErr.ExitCode)
	assert.Equal(t, "rate limited", stageErr.Stderr)
}

func TestCommandStage_Timeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	stage := NewCommandStage(StageEnumerate, "sleep", []string{"10"}, 100*time.Millisecond)

	start := time.Now()
	_, err := stage.Run(context.Background(), []string{"example.com"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.True(t, errors.IsCode(err, errors.CodeStageTimeout))
	assert.True(t, errors.IsStageFailure(err))
}

func TestCommandStage_MissingBinary(t *testing.T) {
	stage := NewCommandStage(StageHTTP, "/definitely/not/a/binary", nil, time.Second)

	_, err := stage.Run(context.Background(), []string{"a.example.com"})
	var stageErr *errors.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, errors.CodeStageFailed, stageErr.Code)
	assert.Equal(t, -1, stageErr.ExitCode)
}

func TestCommandStage_ParentCanceled(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	stage := NewCommandStage(StageHTTP, "sleep", []string{"10"}, time.Minute)
	_, err := stage.Run(ctx, []string{"a.example.com"})

	assert.True(t, errors.IsCode(err, errors.CodeStageFailed))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeLines(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, normalizeLines("a\r\nb\n\n a \n"))
	assert.Empty(t, normalizeLines(""))
}

func TestNewChain(t *testing.T) {
	cfg := config.Default().Discovery

	chain := NewChain(cfg)
	stages := chain.Stages()
	require.Len(t, stages, 3)
	assert.Equal(t, []string{StageEnumerate, StageLiveness, StageHTTP},
		[]string{stages[0].Name(), stages[1].Name(), stages[2].Name()})

	enum, ok := chain.Enumerate.(*CommandStage)
	require.True(t, ok)
	assert.Equal(t, "subfinder -silent", enum.Command())
	assert.Equal(t, 120*time.Second, enum.timeout)
	assert.IsType(t, &CommandStage{}, chain.Liveness)

	cfg.LivenessMode = "dns"
	chain = NewChain(cfg)
	assert.IsType(t, &DNSStage{}, chain.Liveness)
}
