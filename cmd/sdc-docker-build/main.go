// Command sdc-docker-build is a thin local harness for exercising a
// BuildSession by hand: it is not part of the hard contract (the
// production host drives a session directly), just a dev/debug entry
// point that wires a trivial auto-approving task sink.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/TritonDataCenter/sdc-docker-build/pkg/taskproto"
	"github.com/TritonDataCenter/sdc-docker-build/session"
	log "github.com/Sirupsen/logrus"
	"github.com/spf13/cobra"
)

// noopSink auto-approves every task so a Dockerfile can be walked
// end-to-end without a real zone to extract into or run commands in; it
// exists purely so this harness can smoke-test the dispatcher and cache
// engine against a real context directory.
type noopSink struct{}

func (noopSink) ExtractTarfile(ctx context.Context, t taskproto.ExtractTarfileTask) error {
	log.Debugf("noop extract: %+v", t)
	return nil
}

func (noopSink) ImageReprovision(ctx context.Context, t taskproto.ImageReprovisionTask) (*taskproto.ReprovisionedImage, error) {
	log.Debugf("noop reprovision: %+v", t)
	return &taskproto.ReprovisionedImage{
		ID:              strings.Repeat("0", 64),
		Config:          &taskproto.Config{},
		ContainerConfig: &taskproto.Config{},
	}, nil
}

func (noopSink) Run(ctx context.Context, t taskproto.RunTask) (taskproto.RunResult, error) {
	log.Debugf("noop run: %+v", t)
	return taskproto.RunResult{ExitCode: 0}, nil
}

func main() {
	var (
		contextDir     string
		dockerfileName string
		tags           []string
		noCache        bool
	)

	cmd := &cobra.Command{
		Use:   "sdc-docker-build",
		Short: "Drive a BuildSession against a local context directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := session.New(session.Options{
				WorkDir:        contextDir,
				DockerfileName: dockerfileName,
				CommandType:    "build",
				CacheEnabled:   !noCache,
				Tags:           tags,
				Sink:           noopSink{},
				Listeners:      []io.WriteCloser{nopCloser{os.Stdout}},
			})
			if err != nil {
				return err
			}
			defer sess.Close()

			id, err := sess.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "image: %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&contextDir, "context", "c", ".", "build context directory (already extracted)")
	cmd.Flags().StringVarP(&dockerfileName, "file", "f", "Dockerfile", "Dockerfile name within the context")
	cmd.Flags().StringArrayVarP(&tags, "tag", "t", nil, "repo:tag to apply to the resulting image")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "disable the layer cache")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// nopCloser adapts an io.Writer (os.Stdout) to the io.WriteCloser the
// session's listener list expects, without letting Close touch stdout.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
