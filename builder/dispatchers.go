package builder

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/TritonDataCenter/sdc-docker-build/pkg/taskproto"
	"github.com/imdario/mergo"
)

// dispatchCtx carries everything a handler needs beyond the Builder
// itself: the parsed instruction, its (possibly env-expanded) argument
// list, and whatever the pre-hook computed for cache-key purposes.
type dispatchCtx struct {
	name     string
	rawArgs  string // argument text, after variable expansion if applicable
	original string // instruction exactly as written, for message/nop text

	copyInfos []*CopyInfo // populated by the ADD/COPY pre-hook
	destPath  string      // resolved destination, ADD/COPY
	hash      string      // composite hash, ADD/COPY
	jsonArgs  []string    // exec-form args, CMD/ENTRYPOINT
	isCached  bool
}

type handlerFunc func(b *Builder, dc *dispatchCtx) error

var dispatchTable map[string]handlerFunc

// preHookTable holds the instructions whose pre-hook (argument
// normalization before the cache check, §4.7 step 3) does more than plain
// variable expansion: only ADD/COPY need to populate cmd.ctx.copyInfos
// ahead of time.
var preHookTable = map[string]func(b *Builder, dc *dispatchCtx) error{
	"add":  func(b *Builder, dc *dispatchCtx) error { return copyPreHook(b, dc, "add") },
	"copy": func(b *Builder, dc *dispatchCtx) error { return copyPreHook(b, dc, "copy") },
}

func init() {
	dispatchTable = map[string]handlerFunc{
		"add":        dispatchAdd,
		"arg":        dispatchArg,
		"cmd":        dispatchCmd,
		"copy":       dispatchCopyInstr,
		"entrypoint": dispatchEntrypoint,
		"env":        dispatchEnv,
		"expose":     dispatchExpose,
		"from":       dispatchFrom,
		"label":      dispatchLabel,
		"maintainer": dispatchMaintainer,
		"onbuild":    dispatchOnbuild,
		"run":        dispatchRun,
		"stopsignal": dispatchStopSignal,
		"user":       dispatchUser,
		"volume":     dispatchVolume,
		"workdir":    dispatchWorkdir,
	}
}

func dispatchFrom(b *Builder, dc *dispatchCtx) error {
	name := strings.TrimSpace(dc.rawArgs)
	if name == "" {
		return newError(KindInput, "FROM requires an image name")
	}

	if name == "scratch" {
		b.image = newImageState()
		b.image.Parent = ""
		b.noBaseImage = true
		return nil
	}

	res, err := b.sink.ImageReprovision(b.ctx, taskproto.ImageReprovisionTask{
		ImageName: name,
		CmdName:   "from",
	})
	if err != nil {
		return wrapError(KindTaskFailure, err, "failed to reprovision base image %s", name)
	}
	if res == nil {
		return NotImplemented("FROM " + name + " (no host handler returned an image)")
	}

	b.image = newImageState()
	b.image.ID = res.ID
	b.image.Parent = res.Parent

	// Fill fresh, zero-valued configs from the host's reported config
	// rather than aliasing it directly, so later clones never share
	// backing maps/slices with whatever the host handed back.
	cfg, containerCfg := &Config{}, &Config{}
	if err := mergo.Merge(cfg, fromWireConfig(res.Config)); err != nil {
		return wrapError(KindTaskFailure, err, "failed to merge reprovisioned config for %s", name)
	}
	if err := mergo.Merge(containerCfg, fromWireConfig(res.ContainerConfig)); err != nil {
		return wrapError(KindTaskFailure, err, "failed to merge reprovisioned container config for %s", name)
	}
	b.image.Config = cfg
	b.image.ContainerConfig = containerCfg

	if len(b.image.Config.OnBuild) > 0 {
		b.onbuildQueue = append(b.onbuildQueue, b.image.Config.OnBuild...)
		b.image.Config.OnBuild = nil
	}
	return nil
}

func dispatchMaintainer(b *Builder, dc *dispatchCtx) error {
	b.image.Author = strings.TrimSpace(dc.rawArgs)
	return nil
}

func dispatchLabel(b *Builder, dc *dispatchCtx) error {
	pairs, err := splitKeyValuePairs(dc.rawArgs)
	if err != nil {
		return err
	}
	if b.image.Config.Labels == nil {
		b.image.Config.Labels = map[string]string{}
	}
	for _, kv := range pairs {
		b.image.Config.Labels[kv[0]] = kv[1]
	}
	return nil
}

func dispatchEnv(b *Builder, dc *dispatchCtx) error {
	pairs, err := splitKeyValuePairs(dc.rawArgs)
	if err != nil {
		return err
	}
	for _, kv := range pairs {
		setEnv(b.image.Config, kv[0], kv[1])
	}
	return nil
}

func setEnv(cfg *Config, key, val string) {
	prefix := key + "="
	for i, e := range cfg.Env {
		if strings.HasPrefix(e, prefix) {
			cfg.Env[i] = key + "=" + val
			return
		}
	}
	cfg.Env = append(cfg.Env, key+"="+val)
}

func dispatchArg(b *Builder, dc *dispatchCtx) error {
	spec := strings.TrimSpace(dc.rawArgs)
	if spec == "" {
		return newError(KindInput, "ARG requires a name")
	}
	if i := strings.IndexByte(spec, '='); i >= 0 {
		name, def := spec[:i], spec[i+1:]
		b.args.declare(name, &def)
		return nil
	}
	b.args.declare(spec, nil)
	return nil
}

func dispatchExpose(b *Builder, dc *dispatchCtx) error {
	if b.image.Config.ExposedPorts == nil {
		b.image.Config.ExposedPorts = map[string]struct{}{}
	}
	for _, tok := range splitFields(dc.rawArgs) {
		ports, err := exposedPorts(tok)
		if err != nil {
			return err
		}
		for _, p := range ports {
			b.image.Config.ExposedPorts[p] = struct{}{}
		}
	}
	return nil
}

func dispatchVolume(b *Builder, dc *dispatchCtx) error {
	toks := splitFields(dc.rawArgs)
	if len(toks) == 0 {
		return newError(KindInput, "VOLUME specified can not be an empty string")
	}
	if b.image.Config.Volumes == nil {
		b.image.Config.Volumes = map[string]struct{}{}
	}
	for _, tok := range toks {
		if tok == "" {
			return newError(KindInput, "VOLUME specified can not be an empty string")
		}
		b.image.Config.Volumes[tok] = struct{}{}
	}
	return nil
}

func dispatchUser(b *Builder, dc *dispatchCtx) error {
	b.image.Config.User = strings.TrimSpace(dc.rawArgs)
	return nil
}

func dispatchWorkdir(b *Builder, dc *dispatchCtx) error {
	arg := strings.TrimSpace(dc.rawArgs)
	if arg == "" {
		return newError(KindInput, "WORKDIR requires an argument")
	}
	b.image.Config.WorkingDir = normalizeWorkdir(b.image.Config.WorkingDir, arg)
	return nil
}

func dispatchCmd(b *Builder, dc *dispatchCtx) error {
	b.image.Config.Cmd = dc.jsonArgs
	b.cmdSet = true
	return nil
}

func dispatchEntrypoint(b *Builder, dc *dispatchCtx) error {
	b.image.Config.Entrypoint = dc.jsonArgs
	if !b.cmdSet {
		b.image.Config.Cmd = nil
	}
	return nil
}

func dispatchStopSignal(b *Builder, dc *dispatchCtx) error {
	b.image.Config.StopSignal = strings.TrimSpace(dc.rawArgs)
	return nil
}

func dispatchOnbuild(b *Builder, dc *dispatchCtx) error {
	trigger := strings.TrimSpace(dc.rawArgs)
	upper := strings.ToUpper(trigger)
	if strings.HasPrefix(upper, "ONBUILD") {
		return newError(KindInput, "Chaining ONBUILD ONBUILD isn't allowed")
	}
	if strings.HasPrefix(upper, "FROM") || strings.HasPrefix(upper, "MAINTAINER") {
		return newError(KindInput, "FROM and MAINTAINER triggers are not allowed within ONBUILD")
	}
	b.image.Config.OnBuild = append(b.image.Config.OnBuild, trigger)
	return nil
}

// dispatchAdd/dispatchCopyInstr are the main-hooks for ADD/COPY: by the
// time these run, copyPreHook has already populated dc.copyInfos/dc.hash
// (needed for the cache key before the cache lookup happens, §4.7 step 3
// vs step 5) and, on a cache miss, these perform the actual
// materialization.
func dispatchAdd(b *Builder, dc *dispatchCtx) error {
	if len(dc.copyInfos) == 1 && dc.copyInfos[0].Decompress {
		comp := detectCompression(filepath.Join(b.contextRoot, dc.copyInfos[0].OrigPath))
		return b.sink.ExtractTarfile(b.ctx, taskproto.ExtractTarfileTask{
			Tarfile:     dc.copyInfos[0].OrigPath,
			ExtractDir:  strings.TrimSuffix(dc.copyInfos[0].DestPath, "/"),
			Compression: comp.String(),
			ChownUID:    b.chownUID,
			ChownGID:    b.chownGID,
		})
	}
	return materializeCopyInfos(b, dc.copyInfos)
}

func dispatchCopyInstr(b *Builder, dc *dispatchCtx) error {
	return materializeCopyInfos(b, dc.copyInfos)
}

func dispatchRun(b *Builder, dc *dispatchCtx) error {
	parts := dc.jsonArgs

	env := append([]string{}, b.image.Config.Env...)
	if !hasEnvKey(env, "PATH") {
		env = append(env, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	}
	env = append(env, b.args.envPairs()...)

	workdir := b.image.Config.WorkingDir
	if workdir == "" {
		workdir = "/"
	}

	fmt.Fprintf(b.messages, " ---> Running in %s\n", shortID(b.image.ID))

	res, err := b.sink.Run(b.ctx, taskproto.RunTask{
		Cmd:     parts,
		Env:     env,
		Workdir: workdir,
		User:    b.image.Config.User,
	})
	if err != nil {
		return wrapError(KindTaskFailure, err, "run task failed")
	}
	if res.ExitCode != 0 {
		return ExecFailure(parts, res.ExitCode)
	}
	return nil
}

func hasEnvKey(env []string, key string) bool {
	prefix := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

// copyPreHook implements the Context Inventory half of §4.5: compute the
// CopyInfo list and its composite hash before the cache lookup runs, since
// the hash is itself part of the cache key (§4.6).
func copyPreHook(b *Builder, dc *dispatchCtx, name string) error {
	args := splitCopyArgs(dc.rawArgs)
	if len(args) < 2 {
		return newError(KindInput, "%s requires at least two arguments", strings.ToUpper(name))
	}

	infos, err := getCopyInfo(args, copyOpts{
		instrName:       name,
		contextRoot:     b.contextRoot,
		cwd:             b.image.Config.WorkingDir,
		rootDir:         b.containerRootDir,
		allowRemote:     true,
		allowDecompress: name == "add",
	})
	if err != nil {
		return err
	}
	dc.copyInfos = infos
	dc.destPath = args[len(args)-1]

	hash, err := compositeHash(infos, b.contextRoot)
	if err != nil {
		return err
	}
	dc.hash = hash
	return nil
}

func materializeCopyInfos(b *Builder, infos []*CopyInfo) error {
	for _, ci := range infos {
		if len(ci.Children) > 0 {
			if err := b.sink.ExtractTarfile(b.ctx, taskproto.ExtractTarfileTask{
				ExtractDir: ci.DestPath,
				ChownUID:   b.chownUID,
				ChownGID:   b.chownGID,
			}); err != nil {
				return wrapError(KindTaskFailure, err, "failed to create directory %s", ci.DestPath)
			}
			if err := materializeCopyInfos(b, ci.Children); err != nil {
				return err
			}
			continue
		}
		// A rename directive accompanies the task whenever the destination
		// basename differs from the source basename (§4.5); it's a plain
		// "from:to" basename pair, the host's own extract step is what
		// actually performs the rename.
		var replacePattern string
		if srcBase, dstBase := filepath.Base(ci.OrigPath), filepath.Base(ci.DestPath); srcBase != dstBase {
			replacePattern = srcBase + ":" + dstBase
		}
		if err := b.sink.ExtractTarfile(b.ctx, taskproto.ExtractTarfileTask{
			Tarfile:        ci.OrigPath,
			ExtractDir:     ci.DestPath,
			Paths:          []string{ci.OrigPath},
			ReplacePattern: replacePattern,
			ChownUID:       b.chownUID,
			ChownGID:       b.chownGID,
		}); err != nil {
			return wrapError(KindTaskFailure, err, "failed to copy %s", ci.OrigPath)
		}
	}
	return nil
}

// splitCopyArgs splits an ADD/COPY argument line respecting quoted tokens,
// since a source or destination path may itself contain spaces.
func splitCopyArgs(raw string) []string {
	return tokenizeQuoted(strings.TrimSpace(raw))
}

func fromWireConfig(c *taskproto.Config) *Config {
	if c == nil {
		return &Config{}
	}
	out := &Config{
		AttachStdin:  c.AttachStdin,
		AttachStdout: c.AttachStdout,
		AttachStderr: c.AttachStderr,
		Cmd:          cloneStrings(c.Cmd),
		Domainname:   c.Domainname,
		Hostname:     c.Hostname,
		User:         c.User,
		Entrypoint:   cloneStrings(c.Entrypoint),
		Env:          cloneStrings(c.Env),
		Image:        c.Image,
		Labels:       cloneStringMap(c.Labels),
		OnBuild:      cloneStrings(c.OnBuild),
		OpenStdin:    c.OpenStdin,
		StdinOnce:    c.StdinOnce,
		Tty:          c.Tty,
		WorkingDir:   c.WorkingDir,
		StopSignal:   c.StopSignal,
	}
	if len(c.ExposedPorts) > 0 {
		out.ExposedPorts = map[string]struct{}{}
		for _, p := range c.ExposedPorts {
			out.ExposedPorts[p] = struct{}{}
		}
	}
	if len(c.Volumes) > 0 {
		out.Volumes = map[string]struct{}{}
		for _, v := range c.Volumes {
			out.Volumes[v] = struct{}{}
		}
	}
	return out
}

func toWireConfig(c *Config) *taskproto.Config {
	out := &taskproto.Config{
		AttachStdin:  c.AttachStdin,
		AttachStdout: c.AttachStdout,
		AttachStderr: c.AttachStderr,
		Cmd:          c.Cmd,
		Domainname:   c.Domainname,
		Hostname:     c.Hostname,
		User:         c.User,
		Entrypoint:   c.Entrypoint,
		Env:          c.Env,
		Image:        c.Image,
		Labels:       c.Labels,
		OnBuild:      c.OnBuild,
		OpenStdin:    c.OpenStdin,
		StdinOnce:    c.StdinOnce,
		Tty:          c.Tty,
		WorkingDir:   c.WorkingDir,
		StopSignal:   c.StopSignal,
	}
	for p := range c.ExposedPorts {
		out.ExposedPorts = append(out.ExposedPorts, p)
	}
	sort.Strings(out.ExposedPorts)
	for v := range c.Volumes {
		out.Volumes = append(out.Volumes, v)
	}
	sort.Strings(out.Volumes)
	return out
}
