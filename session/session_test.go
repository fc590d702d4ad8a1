package session

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/TritonDataCenter/sdc-docker-build/pkg/taskproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

type fakeSink struct {
	extracted []taskproto.ExtractTarfileTask
	fromImage *taskproto.ReprovisionedImage
	runResult taskproto.RunResult
}

func (f *fakeSink) ExtractTarfile(ctx context.Context, t taskproto.ExtractTarfileTask) error {
	f.extracted = append(f.extracted, t)
	return nil
}

func (f *fakeSink) ImageReprovision(ctx context.Context, t taskproto.ImageReprovisionTask) (*taskproto.ReprovisionedImage, error) {
	if f.fromImage != nil {
		return f.fromImage, nil
	}
	return &taskproto.ReprovisionedImage{ID: "base", Config: &taskproto.Config{}, ContainerConfig: &taskproto.Config{}}, nil
}

func (f *fakeSink) Run(ctx context.Context, t taskproto.RunTask) (taskproto.RunResult, error) {
	return f.runResult, nil
}

func TestNewDecodesBuildArgsAndLabels(t *testing.T) {
	sess, err := New(Options{
		WorkDir:          t.TempDir(),
		CommandType:      "build",
		CLIBuildArgsJSON: []byte(`{"VERSION":"1.0"}`),
		CLILabelsJSON:    []byte(`{"team":"infra"}`),
		Tags:             []string{"myrepo"},
		Sink:             &fakeSink{},
		Listeners:        []io.WriteCloser{nopWriteCloser{&bytes.Buffer{}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"myrepo:latest"}, sess.Tags())
	assert.NotEmpty(t, sess.ZoneID)
}

func TestNewRejectsMalformedBuildArgsJSON(t *testing.T) {
	_, err := New(Options{
		WorkDir:          t.TempDir(),
		CommandType:      "build",
		CLIBuildArgsJSON: []byte(`not-json`),
	})
	require.Error(t, err)
}

func TestRunExtractsContextArchiveBeforeBuilding(t *testing.T) {
	sink := &fakeSink{}
	dockerfileDir := t.TempDir()
	sess, err := New(Options{
		WorkDir:            dockerfileDir,
		CommandType:        "build",
		ContextArchivePath: "/tmp/context.tar",
		Sink:               sink,
	})
	require.NoError(t, err)

	// No Dockerfile exists in dockerfileDir, so Run should fail past the
	// extraction step (inside builder.Run), proving extraction happened
	// first rather than the archive path being silently ignored.
	_, err = sess.Run(context.Background())
	require.Error(t, err)
	require.Len(t, sink.extracted, 1)
	assert.Equal(t, "/tmp/context.tar", sink.extracted[0].Tarfile)
}

func TestRunCommitModeRequiresWithCommit(t *testing.T) {
	sess, err := New(Options{
		WorkDir:     t.TempDir(),
		CommandType: "commit",
		Sink:        &fakeSink{},
	})
	require.NoError(t, err)
	_, err = sess.Run(context.Background())
	require.Error(t, err)
}

func TestCloseWithoutListenersSucceeds(t *testing.T) {
	sess, err := New(Options{
		WorkDir:     t.TempDir(),
		CommandType: "build",
		Sink:        &fakeSink{},
	})
	require.NoError(t, err)
	assert.NoError(t, sess.Close())
}
