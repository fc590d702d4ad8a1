// Package session owns BuildSession construction and lifecycle (§3): it
// decodes the host's wire-level options, builds the cache candidate list,
// constructs a builder.Builder, and exposes the single entry point a host
// calls to drive a build or a commit to completion.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/TritonDataCenter/sdc-docker-build/builder"
	"github.com/TritonDataCenter/sdc-docker-build/pkg/broadcastwriter"
	"github.com/TritonDataCenter/sdc-docker-build/pkg/taskproto"
	"github.com/google/uuid"
	log "github.com/Sirupsen/logrus"
)

// ExistingImage is one entry of the host-supplied cache candidate list
// (§3 BuildSession.existingImages), still in its wire shape.
type ExistingImage struct {
	ID              string
	ParentID        string
	ContainerConfig *taskproto.Config
	Config          *taskproto.Config
}

// Options is the wire-level BuildSession constructor payload (§3/§6): the
// host hands these over largely as raw JSON/primitives, matching the
// teacher's convention of decoding at the edge and normalizing in Go.
type Options struct {
	WorkDir            string
	ContainerRootDir   string
	ContextArchivePath string
	DockerfileName     string
	CommandType        string // "build" or "commit"

	// CLIBuildArgsJSON/CLILabelsJSON arrive JSON-encoded exactly as the
	// host sends them over the wire (§3).
	CLIBuildArgsJSON []byte
	CLILabelsJSON    []byte

	ExistingImages []ExistingImage
	CacheEnabled   bool
	Tags           []string

	ChownUID int
	ChownGID int

	SuppressSuccessMsg bool

	Sink taskproto.Sink

	// Listeners receive the build-progress message stream (§6
	// message{type:"stdout"}); at least the host's own client stream is
	// expected, but an audit sink may be attached too.
	Listeners []io.WriteCloser
}

// BuildSession is one build or commit's worth of state (§3): a zone
// identifier, the decoded options, and the underlying Builder.
type BuildSession struct {
	ZoneID  string
	builder *builder.Builder
	writer  *broadcastwriter.BroadcastWriter
	sink    taskproto.Sink

	commandType        string
	workDir            string
	contextArchivePath string
	tags               []string

	// commitBase/commitLines are only set when CommandType == "commit".
	commitBase  *taskproto.ReprovisionedImage
	commitLines []string
}

// New decodes opts and constructs a BuildSession ready to Run.
func New(opts Options) (*BuildSession, error) {
	cliBuildArgs, err := decodeBuildArgs(opts.CLIBuildArgsJSON)
	if err != nil {
		return nil, err
	}
	cliLabels, err := decodeLabels(opts.CLILabelsJSON)
	if err != nil {
		return nil, err
	}
	tags, err := builder.SanitizeRepoAndTags(opts.Tags)
	if err != nil {
		return nil, err
	}

	writer := broadcastwriter.New()
	for _, l := range opts.Listeners {
		writer.AddWriter(l, "")
	}

	zoneID := uuid.NewString()
	log.WithFields(log.Fields{
		"zoneId":      zoneID,
		"commandType": opts.CommandType,
	}).Debug("constructing build session")

	b := builder.New(builder.Options{
		ContextRoot:        opts.WorkDir,
		ContainerRootDir:   opts.ContainerRootDir,
		DockerfileName:     opts.DockerfileName,
		CommandType:        opts.CommandType,
		CLIBuildArgs:       cliBuildArgs,
		CLILabels:          cliLabels,
		CacheEnabled:       opts.CacheEnabled,
		SuppressSuccessMsg: opts.SuppressSuccessMsg,
		ExistingImages:     translateCacheCandidates(opts.ExistingImages),
		ChownUID:           opts.ChownUID,
		ChownGID:           opts.ChownGID,
		Sink:               opts.Sink,
		Messages:           writer,
	})

	return &BuildSession{
		ZoneID:             zoneID,
		builder:            b,
		writer:             writer,
		sink:               opts.Sink,
		commandType:        opts.CommandType,
		workDir:            opts.WorkDir,
		contextArchivePath: opts.ContextArchivePath,
		tags:               tags,
	}, nil
}

// WithCommit prepares the session to run a commit rather than a build:
// base is the already-reprovisioned starting image, lines the raw commit
// "changes" text (§4.7 commit mode).
func (s *BuildSession) WithCommit(base *taskproto.ReprovisionedImage, lines []string) *BuildSession {
	s.commitBase = base
	s.commitLines = lines
	return s
}

// Run drives the session to completion and returns the resulting image
// id. Callers should Close the session afterward to flush/close attached
// listeners.
func (s *BuildSession) Run(ctx context.Context) (string, error) {
	if s.commandType == "commit" {
		if s.commitBase == nil {
			return "", fmt.Errorf("session: WithCommit must be called before Run in commit mode")
		}
		return s.builder.RunCommit(ctx, s.commitBase, s.commitLines)
	}

	if s.contextArchivePath != "" {
		if err := s.sink.ExtractTarfile(ctx, taskproto.ExtractTarfileTask{
			Tarfile:    s.contextArchivePath,
			ExtractDir: s.workDir,
		}); err != nil {
			return "", fmt.Errorf("session: failed to extract build context: %w", err)
		}
	}
	return s.builder.Run(ctx)
}

// Tags returns the sanitized repo:tag list this session will apply to the
// resulting image, if any.
func (s *BuildSession) Tags() []string { return s.tags }

// Close releases every attached message listener.
func (s *BuildSession) Close() error {
	return s.writer.Clean()
}

func decodeBuildArgs(raw []byte) (map[string]*string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]*string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("session: failed to decode cliBuildArgs: %w", err)
	}
	return out, nil
}

func decodeLabels(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("session: failed to decode cliLabels: %w", err)
	}
	return out, nil
}

func translateCacheCandidates(in []ExistingImage) []builder.CachedImage {
	out := make([]builder.CachedImage, 0, len(in))
	for _, img := range in {
		out = append(out, builder.CachedImage{
			ID:              img.ID,
			ParentID:        img.ParentID,
			ContainerConfig: toBuilderConfig(img.ContainerConfig),
			Config:          toBuilderConfig(img.Config),
		})
	}
	return out
}

// toBuilderConfig mirrors builder's own (unexported) wire-config
// converter: the session package only sees builder.Config through its
// exported fields, so candidate images are rebuilt field by field rather
// than reaching into builder internals.
func toBuilderConfig(c *taskproto.Config) *builder.Config {
	if c == nil {
		return &builder.Config{}
	}
	out := &builder.Config{
		AttachStdin:  c.AttachStdin,
		AttachStdout: c.AttachStdout,
		AttachStderr: c.AttachStderr,
		Cmd:          append([]string{}, c.Cmd...),
		Domainname:   c.Domainname,
		Hostname:     c.Hostname,
		User:         c.User,
		Entrypoint:   append([]string{}, c.Entrypoint...),
		Env:          append([]string{}, c.Env...),
		Image:        c.Image,
		OnBuild:      append([]string{}, c.OnBuild...),
		OpenStdin:    c.OpenStdin,
		StdinOnce:    c.StdinOnce,
		Tty:          c.Tty,
		WorkingDir:   c.WorkingDir,
		StopSignal:   c.StopSignal,
	}
	if len(c.Labels) > 0 {
		out.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			out.Labels[k] = v
		}
	}
	if len(c.ExposedPorts) > 0 {
		out.ExposedPorts = make(map[string]struct{}, len(c.ExposedPorts))
		for _, p := range c.ExposedPorts {
			out.ExposedPorts[p] = struct{}{}
		}
	}
	if len(c.Volumes) > 0 {
		out.Volumes = make(map[string]struct{}, len(c.Volumes))
		for _, v := range c.Volumes {
			out.Volumes[v] = struct{}{}
		}
	}
	return out
}
