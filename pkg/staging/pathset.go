package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/richardartoul/artifactcache/pkg/cacheerr"
)

// OutsideRootPolicy decides what happens to a path outside the workspace.
type OutsideRootPolicy string

const (
	// PolicyReject fails the whole PathSet with cacheerr.ErrOutsideRoot.
	PolicyReject OutsideRootPolicy = "reject"
	// PolicySkip drops the path with a warning.
	PolicySkip OutsideRootPolicy = "skip"
)

// ParsePolicy validates a policy name. Empty means PolicyReject.
func ParsePolicy(s string) (OutsideRootPolicy, error) {
	switch OutsideRootPolicy(s) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicySkip:
		return PolicySkip, nil
	default:
		return "", &cacheerr.ConfigurationError{Field: "outside_root", Reason: fmt.Sprintf("unknown policy %q", s)}
	}
}

// PathSet is an ordered, de-duplicated set of paths inside a workspace root,
// stored relative to that root.
type PathSet struct {
	Root string
	Rel  []string
}

// NewPathSet resolves paths against root. Relative paths are taken relative to
// root. Duplicates and paths nested under another member are dropped. Paths
// outside root, or root itself, are handled according to policy.
func NewPathSet(root string, paths []string, policy OutsideRootPolicy, logger *slog.Logger) (PathSet, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return PathSet{}, &cacheerr.FilesystemError{Op: "abs", Path: root, Err: err}
	}

	seen := make(map[string]struct{}, len(paths))
	rels := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(absRoot, abs)
		}
		abs = filepath.Clean(abs)

		rel, err := filepath.Rel(absRoot, abs)
		if err != nil || rel == "." || !filepath.IsLocal(rel) {
			if policy == PolicySkip {
				logger.Warn("skipping path outside workspace", "path", p, "workspace", absRoot)
				continue
			}
			return PathSet{}, fmt.Errorf("%w: %s is not inside %s", cacheerr.ErrOutsideRoot, p, absRoot)
		}
		if _, dup := seen[rel]; dup {
			continue
		}
		seen[rel] = struct{}{}
		rels = append(rels, rel)
	}

	kept := rels[:0]
	for _, rel := range rels {
		if ancestor, ok := hasAncestor(rel, seen); ok {
			logger.Debug("dropping nested path", "path", rel, "covered_by", ancestor)
			continue
		}
		kept = append(kept, rel)
	}

	return PathSet{Root: absRoot, Rel: kept}, nil
}

func hasAncestor(rel string, set map[string]struct{}) (string, bool) {
	for dir := filepath.Dir(rel); dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
		if _, ok := set[dir]; ok {
			return dir, true
		}
	}
	return "", false
}

// Abs returns the absolute path of a member.
func (ps PathSet) Abs(rel string) string {
	return filepath.Join(ps.Root, rel)
}

// Slash returns the members in slash-separated form.
func (ps PathSet) Slash() []string {
	out := make([]string, len(ps.Rel))
	for i, rel := range ps.Rel {
		out[i] = filepath.ToSlash(rel)
	}
	return out
}

// Existing returns the subset of members present on disk and the members
// that were missing.
func (ps PathSet) Existing() (PathSet, []string, error) {
	out := PathSet{Root: ps.Root}
	var missing []string
	for _, rel := range ps.Rel {
		_, err := os.Lstat(ps.Abs(rel))
		switch {
		case err == nil:
			out.Rel = append(out.Rel, rel)
		case errors.Is(err, fs.ErrNotExist):
			missing = append(missing, rel)
		default:
			return PathSet{}, nil, &cacheerr.FilesystemError{Op: "stat", Path: ps.Abs(rel), Err: err}
		}
	}
	return out, missing, nil
}

// String renders the members for logging.
func (ps PathSet) String() string {
	return strings.Join(ps.Slash(), ",")
}
