package enrich

import (
	"context"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jsleemaster/ranch-agent/internal/event"
)

const (
	rootCacheTTL   = 15 * time.Second
	branchCacheTTL = 2 * time.Second
	gitTimeout     = 700 * time.Millisecond
)

var DefaultMainBranches = []string{"main", "master", "trunk"}

// BranchSettings controls branch detection.
type BranchSettings struct {
	Enabled               bool
	MainBranchNames       []string
	ExcludeAgentIDPattern string
}

type cached struct {
	value string
	at    time.Time
}

// BranchResolver fills in BranchName, IsMainBranch and MainBranchRisk. When
// the event carries no branch it asks git, starting from the touched file,
// then the working directory, then the workspace root.
type BranchResolver struct {
	root string

	mu       sync.Mutex
	enabled  bool
	main     map[string]bool
	exclude  *regexp.Regexp
	roots    map[string]cached
	branches map[string]cached

	// git is swapped in tests.
	git func(ctx context.Context, args ...string) string
	now func() time.Time
}

func NewBranchResolver(workspaceRoot string, settings BranchSettings) *BranchResolver {
	r := &BranchResolver{
		root:     workspaceRoot,
		roots:    map[string]cached{},
		branches: map[string]cached{},
		git:      runGit,
		now:      time.Now,
	}
	r.UpdateSettings(settings)
	return r
}

func (r *BranchResolver) UpdateSettings(s BranchSettings) {
	main := map[string]bool{}
	for _, name := range s.MainBranchNames {
		if n := strings.ToLower(strings.TrimSpace(name)); n != "" {
			main[n] = true
		}
	}
	if len(main) == 0 {
		for _, name := range DefaultMainBranches {
			main[name] = true
		}
	}
	var exclude *regexp.Regexp
	if p := strings.TrimSpace(s.ExcludeAgentIDPattern); p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Printf("[branch] invalid exclude pattern %q: %v", p, err)
		} else {
			exclude = re
		}
	}

	r.mu.Lock()
	r.enabled = s.Enabled
	r.main = main
	r.exclude = exclude
	r.mu.Unlock()
}

func (r *BranchResolver) Enrich(ev event.Event) event.Event {
	r.mu.Lock()
	enabled, main, exclude := r.enabled, r.main, r.exclude
	r.mu.Unlock()

	branch := strings.TrimSpace(ev.BranchName)
	if !enabled {
		ev.BranchName = branch
		ev.IsMainBranch = event.Bool(false)
		ev.MainBranchRisk = event.Bool(false)
		return ev
	}
	if branch == "" {
		branch = r.resolve(ev)
	}
	ev.BranchName = branch

	isMain := branch != "" && main[strings.ToLower(branch)]
	excluded := exclude != nil && exclude.MatchString(ev.AgentID)
	ev.IsMainBranch = event.Bool(isMain)
	ev.MainBranchRisk = event.Bool(isMain && !excluded)
	return ev
}

func (r *BranchResolver) resolve(ev event.Event) string {
	for _, dir := range r.candidateDirs(ev) {
		root := r.gitRoot(dir)
		if root == "" {
			continue
		}
		if b := r.branchAt(root); b != "" {
			return b
		}
	}
	return ""
}

func (r *BranchResolver) candidateDirs(ev event.Event) []string {
	var dirs []string
	add := func(d string) {
		if d == "" {
			return
		}
		for _, have := range dirs {
			if have == d {
				return
			}
		}
		dirs = append(dirs, d)
	}
	add(r.toDir(ev.FilePath))
	add(r.toDir(ev.WorkingDir))
	add(r.root)
	return dirs
}

func (r *BranchResolver) toDir(p string) string {
	if strings.TrimSpace(p) == "" {
		return ""
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.root, p)
	}
	if info, err := os.Stat(p); err == nil {
		if info.IsDir() {
			return p
		}
		return filepath.Dir(p)
	}
	if filepath.Ext(p) != "" {
		return filepath.Dir(p)
	}
	return p
}

func (r *BranchResolver) gitRoot(dir string) string {
	return r.cachedGit(r.roots, dir, rootCacheTTL, func() string {
		return r.git(context.Background(), "-C", dir, "rev-parse", "--show-toplevel")
	})
}

func (r *BranchResolver) branchAt(root string) string {
	return r.cachedGit(r.branches, root, branchCacheTTL, func() string {
		b := r.git(context.Background(), "-C", root, "rev-parse", "--abbrev-ref", "HEAD")
		if b == "HEAD" {
			b = r.git(context.Background(), "-C", root, "branch", "--show-current")
		}
		return b
	})
}

func (r *BranchResolver) cachedGit(cache map[string]cached, key string, ttl time.Duration, lookup func() string) string {
	now := r.now()
	r.mu.Lock()
	c, ok := cache[key]
	r.mu.Unlock()
	if ok && now.Sub(c.at) < ttl {
		return c.value
	}

	v := strings.TrimSpace(lookup())
	r.mu.Lock()
	cache[key] = cached{value: v, at: now}
	r.mu.Unlock()
	return v
}

// runGit returns trimmed stdout, or "" on any failure.
func runGit(ctx context.Context, args ...string) string {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", args...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
