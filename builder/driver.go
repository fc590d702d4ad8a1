package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/TritonDataCenter/sdc-docker-build/builder/parser"
	"github.com/TritonDataCenter/sdc-docker-build/pkg/taskproto"
	units "github.com/docker/go-units"
	log "github.com/Sirupsen/logrus"
)

// MaxDockerfileSize is the §4/§8 boundary: a Dockerfile larger than this
// after extraction is rejected outright.
const MaxDockerfileSize = 10 * 1024 * 1024 // 10 MiB

// Run drives the top-level state machine described in §4.7: read the
// Dockerfile out of an already-extracted context root, parse it, walk
// each instruction, validate, and (in build mode) announce success.
// Extracting the context archive itself is the session package's job
// (session.BuildSession.Run), since only it carries the archive path;
// by the time Run is called, contextRoot already holds the unpacked
// tree.
func (b *Builder) Run(ctx context.Context) (string, error) {
	b.ctx = ctx

	if b.commandType == "commit" {
		return "", fmt.Errorf("Run is for build mode only; use RunCommit for commit mode")
	}

	instructions, err := b.readDockerfile()
	if err != nil {
		return "", err
	}
	if err := b.injectCLILabels(&instructions); err != nil {
		return "", err
	}
	if len(instructions) == 0 || !strings.EqualFold(instructions[0].Name, "from") {
		return "", newError(KindInput, "Please provide a source image with `from` prior to commit")
	}

	total := len(instructions)
	for i, instr := range instructions {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := b.runStep(i+1, total, instr); err != nil {
			return "", err
		}
	}

	if b.image.ID == "" && !b.noBaseImage {
		return "", newError(KindInput, "No image was generated. Is your Dockerfile empty?")
	}
	if b.noBaseImage && len(b.layers) <= 1 {
		return "", newError(KindInput, "An otherwise-empty build (FROM scratch with no further instructions) is not a valid image")
	}

	if err := b.checkUnconsumedArgs(); err != nil {
		return "", err
	}

	if !b.suppressSuccessMsg {
		fmt.Fprintf(b.messages, "Successfully built %s\n", shortID(b.image.ID))
	}
	return b.image.ID, nil
}

// RunCommit drives §4.7's commit-mode variant: no context extraction, no
// Dockerfile read. base is the starting image (already reprovisioned by
// the caller); lines are the raw instruction text for the commit's
// "changes".
func (b *Builder) RunCommit(ctx context.Context, base *taskproto.ReprovisionedImage, lines []string) (string, error) {
	b.ctx = ctx
	b.commandType = "commit"

	b.image = newImageState()
	b.image.ID = base.ID
	b.image.Parent = base.Parent
	b.image.Config = fromWireConfig(base.Config)
	b.image.ContainerConfig = fromWireConfig(base.ContainerConfig)

	instructions, err := parser.Parse(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		return "", wrapError(KindInput, err, "failed to parse commit changes")
	}

	total := len(instructions)
	for i, instr := range instructions {
		if forbiddenInCommitMode[strings.ToLower(instr.Name)] {
			return "", newError(KindInput, "%s is not a valid change command", strings.ToUpper(instr.Name))
		}
		if err := b.runStep(i+1, total, instr); err != nil {
			return "", err
		}
	}
	return b.image.ID, nil
}

// injectCLILabels appends a synthetic trailing LABEL instruction for any
// CLI-supplied labels, so cache/expansion semantics stay uniform between
// Dockerfile LABELs and CLI ones (see SPEC_FULL.md supplement #3).
func (b *Builder) injectCLILabels(instructions *[]parser.Instruction) error {
	if len(b.cliLabels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(b.cliLabels))
	for k := range b.cliLabels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%q=%q", k, b.cliLabels[k]))
	}
	line := strings.Join(parts, " ")
	parsed, err := parser.Parse(strings.NewReader("LABEL " + line))
	if err != nil {
		return wrapError(KindInput, err, "failed to synthesize LABEL instruction for CLI labels")
	}
	*instructions = append(*instructions, parsed...)
	return nil
}

// readDockerfile locates and parses the Dockerfile within the already
// extracted context, enforcing the 10 MiB boundary (§4/§8) and the
// default-name fallback (§6: "if default and not found, dockerfile is
// tried").
func (b *Builder) readDockerfile() ([]parser.Instruction, error) {
	name := b.dockerfileName
	if name == "" {
		name = "Dockerfile"
	}
	isDefault := b.dockerfileName == "" || b.dockerfileName == "Dockerfile"

	real, err := resolveContextPath(name, b.contextRoot)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(real); os.IsNotExist(statErr) && isDefault {
		alt, altErr := resolveContextPath("dockerfile", b.contextRoot)
		if altErr == nil {
			if _, statErr := os.Stat(alt); statErr == nil {
				real = alt
			}
		}
	}

	fi, err := os.Stat(real)
	if os.IsNotExist(err) {
		return nil, newError(KindInput, "Cannot locate specified Dockerfile: %s", name)
	}
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, newError(KindInput, "Dockerfile cannot be empty")
	}
	if fi.Size() > MaxDockerfileSize {
		return nil, newError(KindInput, "Dockerfile must be no more than %s, got %s",
			units.BytesSize(MaxDockerfileSize), units.BytesSize(float64(fi.Size())))
	}

	f, err := os.Open(real)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	instructions, err := parser.Parse(f)
	if err != nil {
		return nil, wrapError(KindInput, err, "failed to parse Dockerfile")
	}

	b.dropIgnoredContextFiles(name)
	return instructions, nil
}

// dropIgnoredContextFiles implements the teacher's .dockerignore
// bookkeeping (SPEC_FULL.md supplement #1): if the Dockerfile or
// .dockerignore itself matches the ignore patterns, it must not also show
// up as a copyable context entry.
func (b *Builder) dropIgnoredContextFiles(dockerfileName string) {
	patterns := readDockerignorePatterns(filepath.Join(b.contextRoot, ".dockerignore"))
	for _, name := range []string{dockerfileName, ".dockerignore"} {
		if matchesAny(name, patterns) {
			os.Remove(filepath.Join(b.contextRoot, name))
		}
	}
}

func readDockerignorePatterns(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// resolveContextPath locates name inside contextRoot using the same
// symlink-safe containment rule ADD/COPY sources are subject to (§4.1):
// a Dockerfile is not exempt from the forbidden-path rule just because
// its name is usually a literal.
func resolveContextPath(name, contextRoot string) (string, error) {
	return resolvePath(name, "", contextRoot)
}

// checkUnconsumedArgs implements the §4.4 end-of-build rule: every
// CLI-supplied build-arg must have been consumed by a matching ARG
// declaration.
func (b *Builder) checkUnconsumedArgs() error {
	unconsumed := b.args.unconsumed()
	if len(unconsumed) == 0 {
		return nil
	}
	sort.Strings(unconsumed)
	return newError(KindUnconsumedBuildArg, "One or more build-args %v were not consumed", unconsumed)
}

// runStep implements §4.7 STEP(i): announce the step, expand variables,
// pre-hook, generate an id, cache-check, main-hook unless cached, post-hook,
// append a layer, announce the result, and replay any ONBUILD triggers a
// FROM in this step lifted.
func (b *Builder) runStep(stepNo, total int, instr parser.Instruction) error {
	name := strings.ToLower(instr.Name)
	handler, known := dispatchTable[name]
	if !known {
		return newError(KindInput, "Unknown instruction: %s", strings.ToUpper(instr.Name))
	}

	parentID := b.image.ID

	fmt.Fprintf(b.messages, "Step %d/%d : %s %s\n", stepNo, total, strings.ToUpper(name), instr.Args)

	dc := &dispatchCtx{name: name, rawArgs: instr.Args, original: instr.Raw}

	if replaceEnvAllowed[name] {
		expanded, err := replaceEnv(dc.rawArgs, expansionEnv(b.image.Config, b.args))
		if err != nil {
			return err
		}
		dc.rawArgs = expanded
	}

	if pre, ok := preHookTable[name]; ok {
		if err := pre(b, dc); err != nil {
			return err
		}
	}
	if err := precomputeExecForm(b, dc); err != nil {
		return err
	}

	if name != "from" {
		if err := b.image.regenerateID(); err != nil {
			return err
		}
		b.image.Parent = parentID
		b.image.Config.Image = parentID
		b.image.ContainerConfig.Image = parentID
	}

	nop := computeNop(b, dc)

	var cached *CachedImage
	if name != "from" {
		cached = b.cache.lookup(parentID, nop, b.image.Config.Labels)
	}

	switch {
	case name == "from":
		if err := handler(b, dc); err != nil {
			return err
		}
		b.cache.recordHit(b.image.ID)

	case cached != nil:
		dc.isCached = true
		log.WithFields(log.Fields{"step": name, "image": shortID(cached.ID)}).Debug("cache hit")
		fmt.Fprintln(b.messages, " ---> Using cache")
		b.image.ID = cached.ID
		b.image.Config = cached.Config.clone()
		b.cache.recordHit(cached.ID)
		// ARG always re-executes even on a hit, to keep tracking which
		// CLI build-args get consumed (§4.6).
		if name == "arg" {
			if err := handler(b, dc); err != nil {
				return err
			}
		}

	default:
		if reprovisionID, needed := b.cache.recordMiss(); needed {
			log.WithFields(log.Fields{"step": name, "image": shortID(reprovisionID)}).Debug("restoring cached filesystem state after cache streak ended")
			if _, err := b.sink.ImageReprovision(b.ctx, taskproto.ImageReprovisionTask{
				ID:      reprovisionID,
				CmdName: name,
			}); err != nil {
				return wrapError(KindTaskFailure, err, "failed to restore cached filesystem state before %s", strings.ToUpper(name))
			}
		}
		if err := handler(b, dc); err != nil {
			return err
		}
	}

	b.image.ContainerConfig = b.image.Config.clone()
	b.image.ContainerConfig.Cmd = nop
	b.image.Created = time.Now()
	b.image.History = append(b.image.History, HistoryEntry{
		Created:   b.image.Created,
		CreatedBy: strings.Join(nop, " "),
	})
	b.layers = append(b.layers, Layer{Cmd: name, Image: b.image.clone()})

	if b.image.ID == "" {
		fmt.Fprintln(b.messages, " --->")
	} else {
		fmt.Fprintf(b.messages, " ---> %s\n", shortID(b.image.ID))
	}

	if name == "from" && len(b.onbuildQueue) > 0 {
		triggers := b.onbuildQueue
		b.onbuildQueue = nil
		fmt.Fprintf(b.messages, "# Executing %d build triggers\n", len(triggers))
		replayInstructions, err := parser.Parse(strings.NewReader(strings.Join(triggers, "\n")))
		if err != nil {
			return wrapError(KindInput, err, "failed to parse ONBUILD triggers")
		}
		for _, ri := range replayInstructions {
			if err := b.runStep(stepNo, total, ri); err != nil {
				return err
			}
		}
	}

	return nil
}

// precomputeExecForm fills dc.jsonArgs for the instructions whose nop
// command needs the shell-wrapped/exec-form argument list ahead of the
// cache check (§4.6 CMD/ENTRYPOINT/RUN).
func precomputeExecForm(b *Builder, dc *dispatchCtx) error {
	switch dc.name {
	case "cmd", "entrypoint", "run":
		_, parts, err := splitJSONOrShell(dc.rawArgs)
		if err != nil {
			return err
		}
		dc.jsonArgs = parts
	}
	return nil
}

// computeNop computes the §4.6 synthetic nop command for the cache key.
func computeNop(b *Builder, dc *dispatchCtx) []string {
	switch dc.name {
	case "run":
		return nopCommand("run", "", b.args.envPairs(), "", "", dc.jsonArgs)
	case "add", "copy":
		return nopCommand(dc.name, "", nil, dc.hash, dc.destPath, nil)
	case "entrypoint", "cmd":
		return nopCommand(dc.name, "", nil, "", "", dc.jsonArgs)
	default:
		return nopCommand(dc.name, dc.rawArgs, nil, "", "", nil)
	}
}
