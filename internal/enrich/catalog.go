// Package enrich resolves catalog ids and git branch state for canonical
// events before they reach the snapshot store.
package enrich

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jsleemaster/ranch-agent/internal/event"
)

// Item is one markdown definition found under .claude/agents or
// .claude/skills.
type Item struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	FileName string `json:"fileName"`
}

const reloadDebounce = 250 * time.Millisecond

type mdResolver struct {
	dir     string
	pattern *regexp.Regexp
	// file names that take their label from the parent folder
	indexNames []string

	mu    sync.RWMutex
	items []Item
	byID  map[string]Item
}

func newMDResolver(dir, kind string, indexNames ...string) *mdResolver {
	return &mdResolver{
		dir:        dir,
		pattern:    regexp.MustCompile(`(?i)(?:^|[\s"'` + "`" + `(\[{]|/)\.claude/` + kind + `/([^?#\s]+?\.md)\b`),
		indexNames: indexNames,
		byID:       map[string]Item{},
	}
}

func (r *mdResolver) reload() int {
	byID := map[string]Item{}
	_ = filepath.WalkDir(r.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		rel, err := filepath.Rel(r.dir, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		label := r.label(rel)
		id := normalizeID(label)
		if id == "" {
			return nil
		}
		if _, dup := byID[id]; dup {
			return nil
		}
		byID[id] = Item{ID: id, Label: label, FileName: rel}
		return nil
	})

	items := make([]Item, 0, len(byID))
	for _, it := range byID {
		items = append(items, it)
	}
	slices.SortFunc(items, func(a, b Item) int {
		if c := strings.Compare(strings.ToLower(a.Label), strings.ToLower(b.Label)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	r.mu.Lock()
	r.items = items
	r.byID = byID
	r.mu.Unlock()
	return len(items)
}

// label is the file name without .md, or the parent folder name for
// index files like skills/fix-pr/SKILL.md.
func (r *mdResolver) label(rel string) string {
	extless := rel
	if strings.HasSuffix(strings.ToLower(extless), ".md") {
		extless = extless[:len(extless)-3]
	}
	name := path.Base(extless)
	for _, idx := range r.indexNames {
		if strings.EqualFold(name, idx) {
			if parent := path.Base(path.Dir(extless)); parent != "." && parent != "/" {
				return parent
			}
		}
	}
	return name
}

func (r *mdResolver) resolve(candidates ...string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.byID) == 0 {
		return ""
	}
	for _, raw := range candidates {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if id := r.idFromPath(raw); id != "" {
			if _, ok := r.byID[id]; ok {
				return id
			}
		}
		if id := normalizeID(raw); id != "" {
			if _, ok := r.byID[id]; ok {
				return id
			}
		}
	}
	return ""
}

func (r *mdResolver) idFromPath(raw string) string {
	m := r.pattern.FindStringSubmatch(strings.ReplaceAll(raw, `\`, "/"))
	if m == nil {
		return ""
	}
	return normalizeID(r.label(m[1]))
}

func (r *mdResolver) snapshot() []Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.items)
}

func normalizeID(v string) string {
	base := path.Base(strings.ToLower(strings.TrimSpace(strings.ReplaceAll(v, `\`, "/"))))
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, ".md")
}

// Catalog resolves invoked agent and skill hints against the markdown
// definitions in a workspace.
type Catalog struct {
	root   string
	agents *mdResolver
	skills *mdResolver
}

func NewCatalog(workspaceRoot string) *Catalog {
	c := &Catalog{
		root:   workspaceRoot,
		agents: newMDResolver(filepath.Join(workspaceRoot, ".claude", "agents"), "agents", "agent", "agents"),
		skills: newMDResolver(filepath.Join(workspaceRoot, ".claude", "skills"), "skills", "skill", "skills"),
	}
	c.Reload()
	return c
}

// Reload rescans both catalog directories. Missing directories produce
// empty catalogs.
func (c *Catalog) Reload() {
	na := c.agents.reload()
	ns := c.skills.reload()
	log.Printf("[catalog] %d agents, %d skills under %s", na, ns, c.root)
}

func (c *Catalog) Agents() []Item { return c.agents.snapshot() }

func (c *Catalog) Skills() []Item { return c.skills.snapshot() }

// Enrich sets the catalog ids for ev from its hint, detail, then file
// path. Ids that are not in the catalog are cleared.
func (c *Catalog) Enrich(ev event.Event) event.Event {
	ev.InvokedAgentCatalogID = c.agents.resolve(ev.InvokedAgentHint, ev.Detail, ev.FilePath)
	ev.InvokedSkillCatalogID = c.skills.resolve(ev.InvokedSkillHint, ev.Detail, ev.FilePath)
	return ev
}

// WatchReload reloads the catalog whenever anything under .claude/agents
// or .claude/skills changes. It blocks until ctx is done.
func (c *Catalog) WatchReload(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating catalog watcher: %w", err)
	}
	defer fsw.Close()

	claudeDir := filepath.Join(c.root, ".claude")
	watchTree := func() {
		for _, dir := range []string{claudeDir, c.agents.dir, c.skills.dir} {
			_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
				if err != nil || !d.IsDir() {
					return nil
				}
				_ = fsw.Add(p)
				return nil
			})
		}
	}
	watchTree()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			return
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			mu.Lock()
			timer = nil
			mu.Unlock()
			c.Reload()
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					watchTree()
				}
			}
			if c.inCatalog(ev.Name) {
				schedule()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Printf("[catalog] watch error: %v", err)
		}
	}
}

func (c *Catalog) inCatalog(name string) bool {
	for _, dir := range []string{c.agents.dir, c.skills.dir} {
		if name == dir || strings.HasPrefix(name, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
