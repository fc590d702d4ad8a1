// Package taskproto defines the task-dispatch protocol (§6) the Dockerfile
// interpreter drives through blocking calls on a host Sink: tarfile extraction, base-image
// reprovisioning and command execution are all performed by an external
// host. The core never touches a container or the registry itself; it only
// describes what it needs and waits for Sink to hand back a result.
package taskproto

import "context"

// Config mirrors the wire shape of an image config exchanged with the
// host on ImageReprovision (§3 Config, adapted to plain strings/slices
// instead of the in-process set types builder.Config uses internally).
type Config struct {
	AttachStdin  bool
	AttachStdout bool
	AttachStderr bool
	Cmd          []string
	Domainname   string
	Hostname     string
	User         string
	Entrypoint   []string
	Env          []string
	ExposedPorts []string
	Image        string
	Labels       map[string]string
	OnBuild      []string
	OpenStdin    bool
	StdinOnce    bool
	Tty          bool
	Volumes      []string
	WorkingDir   string
	StopSignal   string
}

// ExtractTarfileTask asks the host to extract (part of) a tar archive into
// extractDir (§4.5/§6).
type ExtractTarfileTask struct {
	Tarfile        string
	ExtractDir     string
	StripDirCount  int
	ReplacePattern string
	Paths          []string
	Compression    string
	ChownUID       int
	ChownGID       int
}

// ImageReprovisionTask asks the host to reset the container root to a
// named base image (§4.4 FROM) or to a previously cached image id
// (§4.6, restoring cache state after a miss).
type ImageReprovisionTask struct {
	ImageName string
	ID        string
	CmdName   string
}

// ReprovisionedImage is the host's answer to ImageReprovisionTask.
type ReprovisionedImage struct {
	ID              string
	Parent          string
	Config          *Config
	ContainerConfig *Config
}

// RunTask asks the host to execute cmd inside the container root (§4.4
// RUN).
type RunTask struct {
	Cmd     []string
	Env     []string
	Workdir string
	User    string
}

// RunResult is the host's answer to RunTask.
type RunResult struct {
	ExitCode int
}

// Sink is the host-provided handle the build driver suspends on for every
// task it emits (§5, §9). Implementations block until the task completes;
// there is exactly one outstanding call at a time, so no concurrency
// control is required on either side of this interface.
type Sink interface {
	ExtractTarfile(ctx context.Context, t ExtractTarfileTask) error
	ImageReprovision(ctx context.Context, t ImageReprovisionTask) (*ReprovisionedImage, error)
	Run(ctx context.Context, t RunTask) (RunResult, error)
}
