package builder

// builtinProxyArgs are pre-registered with a nil default and never need an
// explicit ARG declaration to be used in RUN/ENV expansion, matching
// Docker's BuiltinAllowedBuildArgs (see the moby-moby builder slice in the
// example pack) and §3's BuildArgs description.
var builtinProxyArgs = []string{
	"HTTP_PROXY", "http_proxy",
	"HTTPS_PROXY", "https_proxy",
	"FTP_PROXY", "ftp_proxy",
	"NO_PROXY", "no_proxy",
}

// buildArgs tracks the two maps described in §3: effective (every declared
// ARG with its default, whether or not it was supplied) and consumed
// (args actually declared by ARG *and* supplied on the CLI).
type buildArgs struct {
	cli       map[string]*string // CLI-supplied values, consumed as ARGs declare them
	effective map[string]*string
	consumed  map[string]struct{}
}

func newBuildArgs(cli map[string]*string) *buildArgs {
	a := &buildArgs{
		cli:       map[string]*string{},
		effective: map[string]*string{},
		consumed:  map[string]struct{}{},
	}
	for k, v := range cli {
		a.cli[k] = v
	}
	for _, name := range builtinProxyArgs {
		a.effective[name] = nil
		if v, ok := a.cli[name]; ok {
			a.effective[name] = v
			a.consumed[name] = struct{}{}
			delete(a.cli, name)
		}
	}
	return a
}

// declare registers an ARG. def may be nil (no default given in the
// Dockerfile). If the CLI supplied a value for name, it wins over def and
// the arg is marked consumed.
func (a *buildArgs) declare(name string, def *string) {
	a.effective[name] = def
	if v, ok := a.cli[name]; ok {
		a.effective[name] = v
		a.consumed[name] = struct{}{}
		delete(a.cli, name)
	}
}

// unconsumed returns the CLI-supplied build-arg names that no ARG ever
// declared, in map-iteration order is not guaranteed so callers that need
// a stable message should sort the result.
func (a *buildArgs) unconsumed() []string {
	var out []string
	for k := range a.cli {
		out = append(out, k)
	}
	return out
}

// envPairs renders every declared arg with a non-nil value as a "K=V"
// string, for merging into the expansion environment (§4.4: "config.Env
// merged with the full effective-args map").
func (a *buildArgs) envPairs() []string {
	var out []string
	for k, v := range a.effective {
		if v != nil {
			out = append(out, k+"="+*v)
		}
	}
	return out
}
