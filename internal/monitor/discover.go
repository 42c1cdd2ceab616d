package monitor

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

const (
	DefaultActiveWindow    = 30 * time.Minute
	DefaultMaxTrackedFiles = 48
)

// DiscoverOptions selects which JSONL transcripts to watch.
type DiscoverOptions struct {
	// Workspace is the project root whose Claude transcripts are scanned
	// when no explicit paths are configured.
	Workspace string
	// Paths are explicit files or directories. Relative paths resolve
	// against Workspace.
	Paths []string
	// ProjectsDir defaults to ~/.claude/projects.
	ProjectsDir     string
	ActiveWindow    time.Duration
	MaxTrackedFiles int
	Now             func() time.Time
}

// Resolution is the outcome of one discovery pass.
type Resolution struct {
	// Source is "settings" for explicit paths, "auto" for a scan.
	Source  string
	Paths   []string
	ScanDir string
}

var (
	strictProjectChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	looseProjectChars  = regexp.MustCompile(`[:\\/]`)
)

// encodeProjectPath maps a workspace path to the directory name Claude uses
// under ~/.claude/projects.
func encodeProjectPath(path string) string {
	return strictProjectChars.ReplaceAllString(filepath.Clean(path), "-")
}

func encodeProjectPathLoose(path string) string {
	return looseProjectChars.ReplaceAllString(filepath.Clean(path), "-")
}

func defaultProjectsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}

// ProjectDirCandidates lists the possible transcript directories for a
// workspace, most likely first.
func ProjectDirCandidates(projectsDir, workspace string) []string {
	roots := []string{workspace}
	if abs, err := filepath.Abs(workspace); err == nil {
		roots = []string{abs}
	}
	if real, err := filepath.EvalSymlinks(roots[0]); err == nil && real != roots[0] {
		roots = append(roots, real)
	}

	var dirs []string
	for _, root := range roots {
		for _, name := range []string{encodeProjectPath(root), encodeProjectPathLoose(root)} {
			d := filepath.Join(projectsDir, name)
			if !slices.Contains(dirs, d) {
				dirs = append(dirs, d)
			}
		}
	}
	return dirs
}

func projectDir(projectsDir, workspace string) string {
	candidates := ProjectDirCandidates(projectsDir, workspace)
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return candidates[0]
}

// ResolvePaths returns the files to watch. Explicit paths win; otherwise the
// workspace's transcript directory is scanned.
func ResolvePaths(opts DiscoverOptions) Resolution {
	if opts.ProjectsDir == "" {
		opts.ProjectsDir = defaultProjectsDir()
	}
	if opts.ActiveWindow <= 0 {
		opts.ActiveWindow = DefaultActiveWindow
	}
	if opts.MaxTrackedFiles <= 0 {
		opts.MaxTrackedFiles = DefaultMaxTrackedFiles
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	scanDir := projectDir(opts.ProjectsDir, opts.Workspace)

	if len(opts.Paths) > 0 {
		var paths []string
		for _, p := range opts.Paths {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if !filepath.IsAbs(p) {
				p = filepath.Join(opts.Workspace, p)
			}
			if info, err := os.Stat(p); err == nil && info.IsDir() {
				paths = append(paths, FindJSONLFiles(p, opts)...)
				continue
			}
			// A configured file may not exist yet; keep it so the watcher
			// retries until it appears.
			paths = append(paths, p)
		}
		return Resolution{Source: "settings", Paths: paths, ScanDir: scanDir}
	}

	return Resolution{Source: "auto", Paths: FindJSONLFiles(scanDir, opts), ScanDir: scanDir}
}

type jsonlFile struct {
	path  string
	mtime time.Time
}

// FindJSONLFiles walks dir for *.jsonl files, including subagent
// transcripts, newest first. Only files modified within the active window
// are kept; when none are, the single newest file is.
func FindJSONLFiles(dir string, opts DiscoverOptions) []string {
	var files []jsonlFile
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, jsonlFile{path: p, mtime: info.ModTime()})
		return nil
	})
	if len(files) == 0 {
		return nil
	}

	slices.SortFunc(files, func(a, b jsonlFile) int {
		if c := b.mtime.Compare(a.mtime); c != 0 {
			return c
		}
		return strings.Compare(a.path, b.path)
	})

	window := opts.ActiveWindow
	if window <= 0 {
		window = DefaultActiveWindow
	}
	limit := opts.MaxTrackedFiles
	if limit <= 0 {
		limit = DefaultMaxTrackedFiles
	}
	now := time.Now()
	if opts.Now != nil {
		now = opts.Now()
	}

	var selected []string
	for _, f := range files {
		if now.Sub(f.mtime) <= window {
			selected = append(selected, f.path)
		}
	}
	if len(selected) == 0 {
		selected = []string{files[0].path}
	}
	if len(selected) > limit {
		selected = selected[:limit]
	}
	return selected
}

// agentIDFromPath is the fallback agent id for lines that carry none.
func agentIDFromPath(path string) string {
	base := filepath.Base(path)
	if strings.HasSuffix(strings.ToLower(base), ".jsonl") {
		base = base[:len(base)-len(".jsonl")]
	}
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "agent"
	}
	return base
}
