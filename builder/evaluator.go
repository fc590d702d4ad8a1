// Package builder is the evaluation step in the Dockerfile parse/evaluate
// pipeline.
//
// It incorporates a dispatch table based on the parsed instruction list
// (see the parser package) that the Build Driver (driver.go) walks.
// Calling New with an Options struct customizes a build for execution
// purposes only; parsing stays in the parser package and that division of
// responsibility is preserved from the original evaluator this package is
// descended from.
//
// Please see dispatchers.go for the jump-table targets, most of which call
// out to internals.go and copy.go to deal with their tasks.
//
// ONBUILD is a special case: it is recorded as a raw trigger line during
// the build that declares it (dispatchOnbuild in dispatchers.go) and
// replayed, instruction by instruction, by a later build's FROM (see the
// onbuild replay loop in driver.go).
//
// The evaluator uses the concept of "steps", one per processed
// instruction. Each step is numbered and gets a fresh image id (unless the
// step hits cache) before advancing to the next.
package builder

import (
	"context"
	"io"

	"github.com/TritonDataCenter/sdc-docker-build/pkg/taskproto"
)

// Options configures one build (§3 BuildSession, minus the fields the
// session package owns: JSON-decoding cliBuildArgs/cliLabels happens one
// layer up, in package session).
type Options struct {
	ContextRoot        string // extracted build context root (workDir)
	ContainerRootDir   string
	DockerfileName     string
	CommandType        string // "build" or "commit"
	CLIBuildArgs       map[string]*string
	CLILabels          map[string]string
	CacheEnabled       bool
	SuppressSuccessMsg bool
	ExistingImages     []CachedImage
	ChownUID           int
	ChownGID           int

	Sink     taskproto.Sink
	Messages io.Writer
}

// Builder is the evaluator: the mutable state a Dockerfile walk threads
// through dispatch.
type Builder struct {
	ctx  context.Context
	sink taskproto.Sink

	messages io.Writer

	contextRoot        string
	containerRootDir   string
	dockerfileName     string
	commandType        string
	suppressSuccessMsg bool
	chownUID           int
	chownGID           int

	image        *ImageState
	layers       []Layer
	args         *buildArgs
	cache        *cacheEngine
	cmdSet       bool
	noBaseImage  bool
	cliLabels    map[string]string
	onbuildQueue []string
}

// New constructs a Builder ready to Run a parsed instruction list.
func New(opts Options) *Builder {
	return &Builder{
		sink:               opts.Sink,
		messages:           opts.Messages,
		contextRoot:        opts.ContextRoot,
		containerRootDir:   opts.ContainerRootDir,
		dockerfileName:     opts.DockerfileName,
		commandType:        opts.CommandType,
		suppressSuccessMsg: opts.SuppressSuccessMsg,
		chownUID:           opts.ChownUID,
		chownGID:           opts.ChownGID,
		image:              newImageState(),
		args:               newBuildArgs(opts.CLIBuildArgs),
		cache:              newCacheEngine(opts.CacheEnabled, opts.ExistingImages),
		cliLabels:          opts.CLILabels,
	}
}

// Layers returns the append-only layer history accumulated so far (§3).
func (b *Builder) Layers() []Layer { return b.layers }

// Image returns the current (possibly still being built) image state.
func (b *Builder) Image() *ImageState { return b.image }

// forbiddenInCommitMode lists the instructions §4.7 disallows when
// commandType is "commit".
var forbiddenInCommitMode = map[string]bool{
	"add":        true,
	"arg":        true,
	"copy":       true,
	"from":       true,
	"maintainer": true,
	"run":        true,
}
