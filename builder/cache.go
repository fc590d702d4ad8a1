package builder

import (
	"fmt"
	"sort"
	"strings"
)

// CachedImage is one candidate in BuildSession.existingImages (§3): a
// previously built layer the cache engine may reuse instead of re-running
// an instruction.
type CachedImage struct {
	ID              string
	ParentID        string
	ContainerConfig *Config // its Cmd is the nop command to match against
	Config          *Config
}

// cacheEngine implements §4.6: per-step nop-command computation and
// lookup against BuildSession.existingImages, plus the hit/miss streak
// state the driver consults to know when the host's filesystem needs to
// be reprovisioned back onto a cached image before a miss can safely run.
type cacheEngine struct {
	enabled    bool
	candidates []CachedImage

	// lastCmdCached and lastCachedID track the §4.6 state machine:
	// lastCmdCached starts true (the host is in sync with whatever FROM
	// just reprovisioned); it flips to false on the first miss. A miss
	// that follows a streak of hits must reprovision the host onto
	// lastCachedID before the instruction runs, since no real step
	// executed while the streak held and the host's filesystem still
	// reflects the image the streak started from, not the cache's.
	lastCmdCached bool
	lastCachedID  string
}

func newCacheEngine(enabled bool, candidates []CachedImage) *cacheEngine {
	return &cacheEngine{enabled: enabled, candidates: candidates, lastCmdCached: true}
}

// recordHit marks a cache hit on id, extending (or starting) the streak.
func (c *cacheEngine) recordHit(id string) {
	c.lastCmdCached = true
	c.lastCachedID = id
}

// recordMiss reports whether the host must be reprovisioned onto
// lastCachedID before the miss's instruction runs (i.e. this miss follows
// a streak of one or more hits), then ends the streak. The driver records
// a FROM as a hit on the base image id, so the first miss right after a
// non-scratch FROM also reprovisions, onto that base image.
func (c *cacheEngine) recordMiss() (reprovisionID string, needed bool) {
	needed = c.lastCmdCached && c.lastCachedID != ""
	reprovisionID = c.lastCachedID
	c.lastCmdCached = false
	return reprovisionID, needed
}

// nopCommand computes the synthetic cache-key command list for one
// instruction, per the per-instruction-family rules in §4.6. For "run",
// jsonArgs is the exact command that will be executed (shell-wrapped or
// exec-form, whichever the instruction used).
func nopCommand(name string, rawArgs string, argEnvPairs []string, hash, dest string, jsonArgs []string) []string {
	switch name {
	case "run":
		cmd := jsonArgs
		if len(argEnvPairs) == 0 {
			return cmd
		}
		sorted := append([]string{}, argEnvPairs...)
		sort.Strings(sorted)
		prefix := append([]string{fmt.Sprintf("|%d", len(sorted))}, sorted...)
		return append(prefix, cmd...)
	case "add", "copy":
		return []string{"/bin/sh", "-c", fmt.Sprintf("#(nop) %s %s in %s", strings.ToUpper(name), hash, dest)}
	case "entrypoint", "cmd":
		return []string{"/bin/sh", "-c", fmt.Sprintf("#(nop) %s %s", strings.ToUpper(name), formatJSONArgs(jsonArgs))}
	default:
		return []string{"/bin/sh", "-c", fmt.Sprintf("#(nop) %s %s", strings.ToUpper(name), rawArgs)}
	}
}

func formatJSONArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	return "[" + strings.Join(quoted, " ") + "]"
}

// lookup finds the first candidate (input order) whose ParentID, nop Cmd
// and config Labels all match the current step.
func (c *cacheEngine) lookup(parentID string, nop []string, labels map[string]string) *CachedImage {
	if !c.enabled {
		return nil
	}
	for i := range c.candidates {
		cand := &c.candidates[i]
		if cand.ParentID != parentID {
			continue
		}
		if !stringSliceEqual(cand.ContainerConfig.Cmd, nop) {
			continue
		}
		if !stringMapEqual(cand.Config.Labels, labels) {
			continue
		}
		return cand
	}
	return nil
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
