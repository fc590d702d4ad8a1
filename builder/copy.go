package builder

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/TritonDataCenter/sdc-docker-build/pkg/pathresolver"
)

// resolvePath wraps pathresolver.Resolve, converting its
// *pathresolver.ErrForbiddenPath into the §7 builder.ForbiddenPath kind so
// callers can IsKind-match consistently regardless of which package
// detected the escape.
func resolvePath(target, cwd, rootDir string) (string, error) {
	real, err := pathresolver.Resolve(target, cwd, rootDir)
	if err != nil {
		var forbidden *pathresolver.ErrForbiddenPath
		if errors.As(err, &forbidden) {
			return "", ForbiddenPath(forbidden.Attempted)
		}
		return "", err
	}
	return real, nil
}

// CopyInfo describes one source-to-destination file/dir pairing for
// ADD/COPY (§3, §4.3).
type CopyInfo struct {
	OrigPath   string // relative to the context root
	DestPath   string // absolute, resolved, inside containerRootDir
	Decompress bool
	Children   []*CopyInfo

	hash     string
	hashDone bool
}

// Hash lazily computes and memoizes the per-entry hash described in §4.3.
func (c *CopyInfo) Hash(contextRoot string) (string, error) {
	if c.hashDone {
		return c.hash, nil
	}
	if len(c.Children) > 0 {
		var childHashes []string
		for _, child := range c.Children {
			h, err := child.Hash(contextRoot)
			if err != nil {
				return "", err
			}
			childHashes = append(childHashes, h)
		}
		sort.Strings(childHashes)
		c.hash = "dir:" + sha256Hex(strings.Join(childHashes, ","))
		c.hashDone = true
		return c.hash, nil
	}

	f, err := os.Open(filepath.Join(contextRoot, c.OrigPath))
	if err != nil {
		return "", err
	}
	defer f.Close()
	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", err
	}
	c.hash = "file:" + hex.EncodeToString(sum.Sum(nil))
	c.hashDone = true
	return c.hash, nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// compositeHash computes the §4.3 "multi:" composite across several
// CopyInfo entries produced by one instruction.
func compositeHash(infos []*CopyInfo, contextRoot string) (string, error) {
	if len(infos) == 1 {
		return infos[0].Hash(contextRoot)
	}
	var parts []string
	for _, ci := range infos {
		h, err := ci.Hash(contextRoot)
		if err != nil {
			return "", err
		}
		parts = append(parts, h)
	}
	return "multi:" + sha256Hex(strings.Join(parts, ",")), nil
}

// copyOpts configures getCopyInfo for the triggering instruction.
type copyOpts struct {
	instrName       string // "add" or "copy"
	contextRoot     string
	cwd             string // current WorkingDir, for relative destinations
	rootDir         string // containerRootDir
	allowRemote     bool
	allowDecompress bool
}

// getCopyInfo implements §4.3: given the instruction's raw args
// ([src1...srcN, dest]), enumerate matching sources into a flat CopyInfo
// list whose destPath values are resolved under rootDir.
func getCopyInfo(args []string, opts copyOpts) ([]*CopyInfo, error) {
	if len(args) < 2 {
		return nil, newError(KindInput, "%s requires at least two arguments", strings.ToUpper(opts.instrName))
	}
	srcs, rawDest := args[:len(args)-1], args[len(args)-1]

	dest := rawDest
	if !strings.HasPrefix(dest, "/") {
		dest = filepath.Join("/", opts.cwd, dest)
	}
	resolvedDest, err := resolvePath(dest, "/", opts.rootDir)
	if err != nil {
		return nil, err
	}

	var out []*CopyInfo
	for _, src := range srcs {
		clean := strings.TrimPrefix(src, "/")
		clean = strings.TrimPrefix(clean, "./")

		if rel := filepath.Clean(clean); rel == ".." || strings.HasPrefix(rel, "../") {
			return nil, ForbiddenPath(src)
		}

		if u, err := url.Parse(clean); err == nil && u.Scheme != "" && opts.allowRemote {
			return nil, NotImplemented("remote ADD of " + src)
		}

		if containsGlobMeta(clean) {
			matches, err := wildcardCopy(clean, opts)
			if err != nil {
				return nil, err
			}
			out = append(out, matches...)
			continue
		}

		ci, err := singleSourceCopy(clean, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, ci)
	}

	if len(out) == 0 {
		return nil, newError(KindInput, "No source files were specified")
	}
	if len(out) > 1 && !strings.HasSuffix(rawDest, "/") {
		return nil, newError(KindInput, "When using %s with more than one source file, the destination must be a directory and end with a /", strings.ToUpper(opts.instrName))
	}

	for _, ci := range out {
		assignDestPaths(ci, joinDest(resolvedDest, strings.HasSuffix(rawDest, "/"), filepath.Base(ci.OrigPath)))
	}
	return out, nil
}

func joinDest(resolvedDest string, destIsDir bool, base string) string {
	if destIsDir {
		return filepath.Join(resolvedDest, base)
	}
	return resolvedDest
}

// assignDestPaths sets ci.DestPath and recurses into ci.Children, each
// child's destPath being the parent's destPath plus the child's own
// basename (§3, §4.5).
func assignDestPaths(ci *CopyInfo, dest string) {
	ci.DestPath = dest
	for _, child := range ci.Children {
		assignDestPaths(child, filepath.Join(dest, filepath.Base(child.OrigPath)))
	}
}

func containsGlobMeta(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[':
			if i == 0 || s[i-1] != '\\' {
				return true
			}
		}
	}
	return false
}

func singleSourceCopy(clean string, opts copyOpts) (*CopyInfo, error) {
	real, err := resolvePath("/"+clean, "/", opts.contextRoot)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(real)
	if os.IsNotExist(err) {
		return nil, NotFound(clean)
	}
	if err != nil {
		return nil, err
	}

	ci := &CopyInfo{OrigPath: clean}
	if fi.IsDir() {
		children, err := enumerateDir(clean, real)
		if err != nil {
			return nil, err
		}
		ci.Children = children
		return ci, nil
	}

	if opts.instrName == "add" && opts.allowDecompress && (isArchiveByExtension(clean) || isCompressed(real)) {
		ci.Decompress = true
	}
	return ci, nil
}

func enumerateDir(relPath, realPath string) ([]*CopyInfo, error) {
	entries, err := os.ReadDir(realPath)
	if err != nil {
		return nil, err
	}
	var out []*CopyInfo
	for _, e := range entries {
		childRel := filepath.Join(relPath, e.Name())
		childReal := filepath.Join(realPath, e.Name())
		if e.IsDir() {
			children, err := enumerateDir(childRel, childReal)
			if err != nil {
				return nil, err
			}
			out = append(out, &CopyInfo{OrigPath: childRel, Children: children})
			continue
		}
		out = append(out, &CopyInfo{OrigPath: childRel})
	}
	return out, nil
}

// wildcardCopy implements the §4.3 level-by-level glob walk: each pattern
// component is matched against the extracted-context directory; earlier
// components must match directories, the last component may match files
// too.
func wildcardCopy(pattern string, opts copyOpts) ([]*CopyInfo, error) {
	components := strings.Split(pattern, "/")

	type frontier struct {
		relPath  string
		realPath string
	}
	cur := []frontier{{relPath: "", realPath: opts.contextRoot}}

	for i, comp := range components {
		last := i == len(components)-1
		var next []frontier
		for _, f := range cur {
			entries, err := os.ReadDir(f.realPath)
			if err != nil {
				continue
			}
			for _, e := range entries {
				matched, err := filepath.Match(comp, e.Name())
				if err != nil {
					return nil, err
				}
				if !matched {
					continue
				}
				if !last && !e.IsDir() {
					continue
				}
				childReal := filepath.Join(f.realPath, e.Name())
				if fi, err := os.Lstat(childReal); err == nil && fi.Mode()&os.ModeSymlink != 0 {
					resolved, err := resolvePath("/"+filepath.Join(f.relPath, e.Name()), "/", opts.contextRoot)
					if err != nil {
						return nil, err
					}
					childReal = resolved
				}
				next = append(next, frontier{
					relPath:  filepath.Join(f.relPath, e.Name()),
					realPath: childReal,
				})
			}
		}
		cur = next
	}

	var out []*CopyInfo
	for _, f := range cur {
		fi, err := os.Stat(f.realPath)
		if err != nil {
			continue
		}
		ci := &CopyInfo{OrigPath: f.relPath}
		if fi.IsDir() {
			children, err := enumerateDir(f.relPath, f.realPath)
			if err != nil {
				return nil, err
			}
			ci.Children = children
		} else if opts.instrName == "add" && opts.allowDecompress && (isArchiveByExtension(f.relPath) || isCompressed(f.realPath)) {
			ci.Decompress = true
		}
		out = append(out, ci)
	}
	return out, nil
}
