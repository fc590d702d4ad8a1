package builder

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Config is the canonical Docker image config (§3). Collection fields are
// left nil, not allocated-empty, when unset: the serializer relies on that
// to emit JSON null rather than "[]"/"{}" the way the real image config
// spec requires.
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
	ExposedPorts map[string]struct{}
	Image        string
	Labels       map[string]string
	OnBuild      []string
	OpenStdin    bool
	StdinOnce    bool
	Tty          bool
	Volumes      map[string]struct{}
	WorkingDir   string
	StopSignal   string
}

// clone deep-copies c. ImageState snapshots must never alias a collection
// with an earlier layer's config, or a later step would retroactively
// mutate history (§9 "Deep-copy snapshots").
func (c *Config) clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Cmd = cloneStrings(c.Cmd)
	out.Entrypoint = cloneStrings(c.Entrypoint)
	out.Env = cloneStrings(c.Env)
	out.OnBuild = cloneStrings(c.OnBuild)
	out.ExposedPorts = cloneSet(c.ExposedPorts)
	out.Volumes = cloneSet(c.Volumes)
	out.Labels = cloneStringMap(c.Labels)
	return &out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	if in == nil {
		return nil
	}
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// HistoryEntry is one append-only record of image.history (§3).
type HistoryEntry struct {
	Created    time.Time
	CreatedBy  string
	EmptyLayer bool
}

// ImageState is the mutable image being built (§3).
type ImageState struct {
	ID           string
	Parent       string
	Architecture string
	OS           string
	Author       string
	Created      time.Time
	Config       *Config
	// ContainerConfig mirrors Config but with Cmd overwritten per-step by
	// the synthetic nop command (§3, §4.6).
	ContainerConfig *Config
	History         []HistoryEntry
}

const (
	defaultArchitecture = "amd64"
	defaultOS           = "linux"
)

func newImageState() *ImageState {
	return &ImageState{
		Architecture: defaultArchitecture,
		OS:           defaultOS,
		Config:       &Config{},
		ContainerConfig: &Config{},
	}
}

// clone deep-copies the image state for a Layer snapshot.
func (s *ImageState) clone() *ImageState {
	out := *s
	out.Config = s.Config.clone()
	out.ContainerConfig = s.ContainerConfig.clone()
	out.History = append([]HistoryEntry{}, s.History...)
	return &out
}

// regenerateID assigns a fresh 256-bit hex image id, the way Docker mints
// a new content-independent id per non-cached layer.
func (s *ImageState) regenerateID() error {
	id, err := randomID()
	if err != nil {
		return err
	}
	s.ID = id
	return nil
}

func randomID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// shortID returns the first 12 hex characters used in all human-readable
// build output (§6 "12-char-shortId").
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

// Layer is one append-only record per processed instruction (§3).
type Layer struct {
	Cmd   string
	Image *ImageState
}
