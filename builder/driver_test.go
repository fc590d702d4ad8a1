package builder

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/TritonDataCenter/sdc-docker-build/pkg/taskproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	runCalls         []taskproto.RunTask
	extracted        []taskproto.ExtractTarfileTask
	reprovisionCalls []taskproto.ImageReprovisionTask
	runResult        taskproto.RunResult
	fromConfig       *taskproto.Config
}

func (f *fakeSink) ExtractTarfile(ctx context.Context, t taskproto.ExtractTarfileTask) error {
	f.extracted = append(f.extracted, t)
	return nil
}

func (f *fakeSink) ImageReprovision(ctx context.Context, t taskproto.ImageReprovisionTask) (*taskproto.ReprovisionedImage, error) {
	f.reprovisionCalls = append(f.reprovisionCalls, t)
	cfg := f.fromConfig
	if cfg == nil {
		cfg = &taskproto.Config{}
	}
	return &taskproto.ReprovisionedImage{
		ID:              "base000000000000000000000000000000000000000000000000000000000",
		Config:          cfg,
		ContainerConfig: cfg,
	}, nil
}

func (f *fakeSink) Run(ctx context.Context, t taskproto.RunTask) (taskproto.RunResult, error) {
	f.runCalls = append(f.runCalls, t)
	if f.runResult.ExitCode == 0 {
		return taskproto.RunResult{ExitCode: 0}, nil
	}
	return f.runResult, nil
}

func newDriverTestBuilder(t *testing.T, dockerfile string, sink *fakeSink) (*Builder, *bytes.Buffer) {
	t.Helper()
	contextRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(contextRoot, "Dockerfile"), []byte(dockerfile), 0o644))

	var out bytes.Buffer
	b := New(Options{
		ContextRoot:      contextRoot,
		ContainerRootDir: t.TempDir(),
		DockerfileName:   "Dockerfile",
		CommandType:      "build",
		CacheEnabled:     true,
		Sink:             sink,
		Messages:         &out,
	})
	return b, &out
}

func TestRunSimpleFromRunBuildsSuccessfully(t *testing.T) {
	sink := &fakeSink{}
	b, out := newDriverTestBuilder(t, "FROM alpine\nRUN echo hi\n", sink)

	id, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Contains(t, out.String(), "Successfully built")
	assert.Len(t, sink.runCalls, 1)
}

func TestRunFirstInstructionMustBeFrom(t *testing.T) {
	sink := &fakeSink{}
	b, _ := newDriverTestBuilder(t, "RUN echo hi\n", sink)

	_, err := b.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInput))
}

func TestRunWorkdirNormalizationAcrossSteps(t *testing.T) {
	sink := &fakeSink{}
	b, _ := newDriverTestBuilder(t, "FROM alpine\nWORKDIR /app\nWORKDIR sub\n", sink)

	_, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/app/sub", b.Image().Config.WorkingDir)
}

func TestRunExposeRangeExpandsEveryPort(t *testing.T) {
	sink := &fakeSink{}
	b, _ := newDriverTestBuilder(t, "FROM alpine\nEXPOSE 8000-8002\n", sink)

	_, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, b.Image().Config.ExposedPorts, 3)
}

func TestRunSecondIdenticalBuildHitsCache(t *testing.T) {
	sink := &fakeSink{}
	b1, out1 := newDriverTestBuilder(t, "FROM alpine\nRUN echo hi\n", sink)
	_, err := b1.Run(context.Background())
	require.NoError(t, err)
	_ = out1

	cached := []CachedImage{}
	for _, l := range b1.Layers() {
		cached = append(cached, CachedImage{
			ID:              l.Image.ID,
			ParentID:        l.Image.Parent,
			ContainerConfig: l.Image.ContainerConfig,
			Config:          l.Image.Config,
		})
	}

	contextRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(contextRoot, "Dockerfile"), []byte("FROM alpine\nRUN echo hi\n"), 0o644))
	var out2 bytes.Buffer
	b2 := New(Options{
		ContextRoot:      contextRoot,
		ContainerRootDir: t.TempDir(),
		DockerfileName:   "Dockerfile",
		CommandType:      "build",
		CacheEnabled:     true,
		ExistingImages:   cached,
		Sink:             sink,
		Messages:         &out2,
	})

	_, err = b2.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out2.String(), "Using cache")
}

func TestRunMissAfterHitStreakReprovisionsHost(t *testing.T) {
	sink := &fakeSink{}
	b1, _ := newDriverTestBuilder(t, "FROM alpine\nWORKDIR /app\nRUN echo hi\n", sink)
	_, err := b1.Run(context.Background())
	require.NoError(t, err)

	var cached []CachedImage
	var workdirImageID string
	for _, l := range b1.Layers() {
		cached = append(cached, CachedImage{
			ID:              l.Image.ID,
			ParentID:        l.Image.Parent,
			ContainerConfig: l.Image.ContainerConfig,
			Config:          l.Image.Config,
		})
		if l.Cmd == "workdir" {
			workdirImageID = l.Image.ID
		}
	}
	require.NotEmpty(t, workdirImageID)

	sink2 := &fakeSink{}
	contextRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(contextRoot, "Dockerfile"),
		[]byte("FROM alpine\nWORKDIR /app\nRUN echo bye\n"), 0o644))
	var out2 bytes.Buffer
	b2 := New(Options{
		ContextRoot:      contextRoot,
		ContainerRootDir: t.TempDir(),
		DockerfileName:   "Dockerfile",
		CommandType:      "build",
		CacheEnabled:     true,
		ExistingImages:   cached,
		Sink:             sink2,
		Messages:         &out2,
	})

	_, err = b2.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out2.String(), "Using cache")

	require.Len(t, sink2.reprovisionCalls, 2)
	assert.Equal(t, "from", sink2.reprovisionCalls[0].CmdName)

	reprovision := sink2.reprovisionCalls[1]
	assert.Equal(t, "run", reprovision.CmdName)
	assert.Equal(t, workdirImageID, reprovision.ID)
}

func TestRunForbiddenPathEscapeFromCopy(t *testing.T) {
	sink := &fakeSink{}
	contextRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(contextRoot, "sub"), 0o755))
	require.NoError(t, os.Symlink("/etc", filepath.Join(contextRoot, "sub", "escape")))
	require.NoError(t, os.WriteFile(filepath.Join(contextRoot, "Dockerfile"),
		[]byte("FROM alpine\nCOPY sub/escape/passwd /dst.txt\n"), 0o644))

	var out bytes.Buffer
	b := New(Options{
		ContextRoot:      contextRoot,
		ContainerRootDir: t.TempDir(),
		DockerfileName:   "Dockerfile",
		CommandType:      "build",
		Sink:             sink,
		Messages:         &out,
	})

	_, err := b.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindForbiddenPath))
}

func TestRunVariableExpansionInEnv(t *testing.T) {
	sink := &fakeSink{}
	b, _ := newDriverTestBuilder(t, "FROM alpine\nARG VERSION=1.0\nENV APP_VERSION=${VERSION}\n", sink)

	_, err := b.Run(context.Background())
	require.NoError(t, err)
	found := false
	for _, e := range b.Image().Config.Env {
		if e == "APP_VERSION=1.0" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRunUnconsumedBuildArgFails(t *testing.T) {
	sink := &fakeSink{}
	contextRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(contextRoot, "Dockerfile"), []byte("FROM alpine\n"), 0o644))
	var out bytes.Buffer
	b := New(Options{
		ContextRoot:      contextRoot,
		ContainerRootDir: t.TempDir(),
		DockerfileName:   "Dockerfile",
		CommandType:      "build",
		CLIBuildArgs:     map[string]*string{"TYPO": strp("x")},
		Sink:             sink,
		Messages:         &out,
	})

	_, err := b.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnconsumedBuildArg))
}

func TestRunOnbuildTriggerReplaysOnFrom(t *testing.T) {
	sink := &fakeSink{
		fromConfig: &taskproto.Config{OnBuild: []string{"RUN echo triggered"}},
	}
	b, out := newDriverTestBuilder(t, "FROM alpine\n", sink)

	_, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Executing 1 build triggers")
	assert.Len(t, sink.runCalls, 1)
}

func TestRunEmptyDockerfileIsRejected(t *testing.T) {
	sink := &fakeSink{}
	contextRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(contextRoot, "Dockerfile"), []byte(""), 0o644))
	var out bytes.Buffer
	b := New(Options{
		ContextRoot:      contextRoot,
		ContainerRootDir: t.TempDir(),
		DockerfileName:   "Dockerfile",
		CommandType:      "build",
		Sink:             sink,
		Messages:         &out,
	})

	_, err := b.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInput))
}

func TestRunCommitModeAppliesChangesOnTopOfBase(t *testing.T) {
	sink := &fakeSink{}
	var out bytes.Buffer
	b := New(Options{
		ContainerRootDir: t.TempDir(),
		CommandType:      "commit",
		Sink:             sink,
		Messages:         &out,
	})

	base := &taskproto.ReprovisionedImage{
		ID:              "base000000000000000000000000000000000000000000000000000000000",
		Config:          &taskproto.Config{},
		ContainerConfig: &taskproto.Config{},
	}
	id, err := b.RunCommit(context.Background(), base, []string{"LABEL team=infra"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "infra", b.Image().Config.Labels["team"])
}

func TestRunCommitRejectsForbiddenInstructions(t *testing.T) {
	sink := &fakeSink{}
	var out bytes.Buffer
	b := New(Options{
		ContainerRootDir: t.TempDir(),
		CommandType:      "commit",
		Sink:             sink,
		Messages:         &out,
	})

	base := &taskproto.ReprovisionedImage{
		ID:              "base000000000000000000000000000000000000000000000000000000000",
		Config:          &taskproto.Config{},
		ContainerConfig: &taskproto.Config{},
	}
	_, err := b.RunCommit(context.Background(), base, []string{"RUN echo hi"})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInput))
}
