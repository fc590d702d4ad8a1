package builder

import "strings"

// defaultTag is appended to any repoName that doesn't carry one of its own.
const defaultTag = "latest"

// SanitizeRepoAndTags normalizes a CLI-supplied "-t" list into fully
// qualified "repo:tag" strings: bare repo names get ":latest", duplicates
// collapse, and a digest reference (name@sha256:...) is left untouched
// since it already identifies an exact image.
func SanitizeRepoAndTags(names []string) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if strings.Contains(name, "@") {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				out = append(out, name)
			}
			continue
		}

		repo, tag := name, ""
		if i := strings.LastIndex(name, ":"); i >= 0 && !strings.ContainsAny(name[i:], "/") {
			repo, tag = name[:i], name[i+1:]
		}
		if repo == "" {
			return nil, newError(KindInput, "repository name can't be empty")
		}
		if tag == "" {
			tag = defaultTag
		}
		full := repo + ":" + tag
		if _, ok := seen[full]; ok {
			continue
		}
		seen[full] = struct{}{}
		out = append(out, full)
	}
	return out, nil
}
