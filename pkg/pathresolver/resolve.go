// Package pathresolver computes the real, symlink-resolved path of a target
// inside a chroot-like root, the way github.com/docker/docker/pkg/symlink
// does for the daemon's own FollowSymlinkInScope -- except this walk never
// touches the filesystem of the actual host a container root belongs to
// without first proving containment at every hop.
package pathresolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrForbiddenPath is returned whenever a resolved path would
// escape rootDir. Its message is a stable prefix: callers/tests match on
// "Forbidden path outside the build context: ".
type ErrForbiddenPath struct {
	Attempted string
}

func (e *ErrForbiddenPath) Error() string {
	return "Forbidden path outside the build context: " + e.Attempted
}

const maxSymlinkResolutions = 20

// Resolve computes the real path of target under rootDir, following
// directory symlinks but never leaving rootDir. target may be absolute or
// relative to cwd, both interpreted as paths *inside* the sandbox (i.e.
// rootDir-relative), matching the Dockerfile semantics of ADD/COPY/WORKDIR
// destinations.
func Resolve(target, cwd, rootDir string) (string, error) {
	rootDir = filepath.Clean(rootDir)

	full := target
	if !filepath.IsAbs(full) {
		full = filepath.Join("/", cwd, full)
	} else {
		full = filepath.Clean(full)
	}
	trailingSlash := strings.HasSuffix(target, "/") || strings.HasSuffix(full, "/")

	components := strings.Split(strings.TrimPrefix(full, "/"), "/")
	outside := rootDir
	resolutions := 0

	for idx := 0; idx < len(components); idx++ {
		comp := components[idx]
		if comp == "" || comp == "." {
			continue
		}
		if comp == ".." {
			if outside != rootDir {
				outside = filepath.Dir(outside)
			}
			if err := assertContained(outside, rootDir); err != nil {
				return "", err
			}
			continue
		}

		next := filepath.Join(outside, comp)
		if err := assertContained(next, rootDir); err != nil {
			return "", err
		}

		fi, err := os.Lstat(next)
		if os.IsNotExist(err) {
			// caller may create the remainder later: append it verbatim.
			remainder := append([]string{}, components[idx:]...)
			outside = filepath.Join(append([]string{outside}, remainder...)...)
			if err := assertContained(outside, rootDir); err != nil {
				return "", err
			}
			return finish(outside, rootDir, trailingSlash), nil
		}
		if err != nil {
			return "", errors.Wrapf(err, "lstat %s", next)
		}

		if fi.Mode()&os.ModeSymlink != 0 {
			resolutions++
			if resolutions > maxSymlinkResolutions {
				return "", fmt.Errorf("too many levels of symbolic links resolving %s", target)
			}
			linkTarget, err := os.Readlink(next)
			if err != nil {
				return "", errors.Wrapf(err, "readlink %s", next)
			}
			var restart []string
			if filepath.IsAbs(linkTarget) {
				restart = strings.Split(strings.TrimPrefix(filepath.Clean(linkTarget), "/"), "/")
			} else {
				insideParent := strings.TrimPrefix(outside, rootDir)
				joined := filepath.Join("/", insideParent, linkTarget)
				restart = strings.Split(strings.TrimPrefix(filepath.Clean(joined), "/"), "/")
			}
			rest := append([]string{}, components[idx+1:]...)
			components = append(restart, rest...)
			idx = -1
			outside = rootDir
			continue
		}

		outside = next
	}

	if err := assertContained(outside, rootDir); err != nil {
		return "", err
	}
	return finish(outside, rootDir, trailingSlash), nil
}

func finish(outside, rootDir string, trailingSlash bool) string {
	if trailingSlash && !strings.HasSuffix(outside, string(filepath.Separator)) && outside != rootDir {
		outside += string(filepath.Separator)
	}
	return outside
}

func assertContained(outside, rootDir string) error {
	clean := filepath.Clean(outside)
	if clean == rootDir || strings.HasPrefix(clean, rootDir+string(filepath.Separator)) {
		return nil
	}
	return &ErrForbiddenPath{Attempted: outside}
}
