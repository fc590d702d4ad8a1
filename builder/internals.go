package builder

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/TritonDataCenter/sdc-docker-build/pkg/shellword"
)

// replaceEnvAllowed is the §4.4 "Variable expansion applies to" list:
// instructions whose argument text is run through the shell-word expander
// before the main-hook sees it.
var replaceEnvAllowed = map[string]bool{
	"add":        true,
	"arg":        true,
	"copy":       true,
	"env":        true,
	"expose":     true,
	"label":      true,
	"onbuild":    true,
	"stopsignal": true,
	"user":       true,
	"volume":     true,
	"workdir":    true,
}

// expansionEnv builds the environment used for variable expansion: config
// Env merged with the full effective-args map, config.Env winning on
// collision (§4.4).
func expansionEnv(cfg *Config, args *buildArgs) []string {
	merged := map[string]string{}
	for _, kv := range args.envPairs() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for _, kv := range cfg.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// replaceEnv expands word against env, preserving the open-question (ii)
// behavior: an unsupported/malformed ${...} modifier leaves the word
// verbatim rather than aborting the build, because ENV's fixture contract
// expects e.g. "def=${abc:}" to survive literally.
func replaceEnv(word string, env []string) (string, error) {
	expanded, err := shellword.Expand(word, env)
	if err != nil {
		if err == shellword.ErrBadSubstitution {
			return word, nil
		}
		return "", wrapError(KindBadShellSubstitution, err, "failed to process %q", word)
	}
	return expanded, nil
}

// splitJSONOrShell parses a CMD/ENTRYPOINT/RUN argument string: if it's a
// JSON array, that's the exec form; otherwise it's shell-wrapped per §4.4.
func splitJSONOrShell(raw string) (jsonForm bool, parts []string, err error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(trimmed), &arr); err != nil {
			return false, nil, newError(KindInput, "failed to parse JSON form of command: %v", err)
		}
		return true, arr, nil
	}
	return false, []string{"/bin/sh", "-c", raw}, nil
}

// normalizeWorkdir implements §4.4 WORKDIR: absolute args replace, relative
// args join, then the result is cleaned and any trailing slash stripped
// (unless that would leave an empty path).
func normalizeWorkdir(current, arg string) string {
	var joined string
	if strings.HasPrefix(arg, "/") {
		joined = arg
	} else {
		joined = filepath.Join("/", current, arg)
	}
	joined = filepath.Clean(joined)
	if joined != "/" {
		joined = strings.TrimSuffix(joined, "/")
	}
	if joined == "" {
		joined = "/"
	}
	return joined
}

// exposedPorts expands one EXPOSE token into its set of "port/proto"
// entries (§4.4): lowercase, split proto on "/" (default tcp), split the
// port component on "-" for ranges.
func exposedPorts(token string) ([]string, error) {
	token = strings.ToLower(token)
	proto := "tcp"
	portPart := token
	if i := strings.IndexByte(token, '/'); i >= 0 {
		portPart = token[:i]
		proto = token[i+1:]
	}

	begin, end := portPart, portPart
	if i := strings.IndexByte(portPart, '-'); i >= 0 {
		begin, end = portPart[:i], portPart[i+1:]
	}
	bi, err := strconv.Atoi(begin)
	if err != nil {
		return nil, newError(KindInput, "invalid port: %s", token)
	}
	ei, err := strconv.Atoi(end)
	if err != nil {
		return nil, newError(KindInput, "invalid port: %s", token)
	}
	if ei < bi {
		return nil, newError(KindInput, "invalid port range %s: end must be >= begin", portPart)
	}

	var out []string
	for p := bi; p <= ei; p++ {
		out = append(out, strconv.Itoa(p)+"/"+proto)
	}
	return out, nil
}

// splitFields splits on runs of whitespace, used for EXPOSE/VOLUME
// argument lists where quoting is not a concern (a JSON exec form is never
// used for these instructions).
func splitFields(s string) []string {
	return strings.Fields(s)
}

// splitKeyValuePairs parses ENV/LABEL's two accepted forms: "KEY value"
// (single pair, rest of the line is the value) and "KEY=VAL KEY2=VAL2 ..."
// (one or more quoted-aware key=value pairs).
func splitKeyValuePairs(raw string) ([][2]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, newError(KindInput, "missing key/value pair")
	}
	if !strings.Contains(strings.SplitN(raw, " ", 2)[0], "=") {
		parts := strings.SplitN(raw, " ", 2)
		if len(parts) == 1 {
			return nil, newError(KindInput, "%s must have two arguments", raw)
		}
		return [][2]string{{parts[0], strings.TrimSpace(parts[1])}}, nil
	}

	var pairs [][2]string
	for _, tok := range tokenizeQuoted(raw) {
		i := strings.IndexByte(tok, '=')
		if i < 0 {
			return nil, newError(KindInput, "arguments to ENV/LABEL must be in the form KEY=VALUE")
		}
		pairs = append(pairs, [2]string{tok[:i], unquote(tok[i+1:])})
	}
	return pairs, nil
}

// tokenizeQuoted splits on whitespace but keeps single/double-quoted
// substrings (which may themselves contain spaces) intact.
func tokenizeQuoted(s string) []string {
	var out []string
	var cur strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			cur.WriteByte(c)
		case c == ' ' || c == '\t':
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
