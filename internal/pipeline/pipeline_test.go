package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jsleemaster/ranch-agent/internal/enrich"
	"github.com/jsleemaster/ranch-agent/internal/event"
	"github.com/jsleemaster/ranch-agent/internal/monitor"
	"github.com/jsleemaster/ranch-agent/internal/snapshot"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []snapshot.Update
	filters []snapshot.FilterState
}

func (r *recordingSink) QueueUpdate(u snapshot.Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recordingSink) QueueFilterState(f snapshot.FilterState) {
	r.mu.Lock()
	r.filters = append(r.filters, f)
	r.mu.Unlock()
}

type enricherFunc func(event.Event) event.Event

func (f enricherFunc) Enrich(ev event.Event) event.Event { return f(ev) }

type captured struct{ events []event.Event }

func (c *captured) Capture(ev event.Event) { c.events = append(c.events, ev) }

type fixedCatalog struct{}

func (fixedCatalog) Agents() []enrich.Item {
	return []enrich.Item{{ID: "reviewer", Label: "reviewer", FileName: ".claude/agents/reviewer.md"}}
}
func (fixedCatalog) Skills() []enrich.Item { return nil }

// segmentZones classifies by first path segment and orders src before docs.
type segmentZones struct{}

func (segmentZones) ClassifyZone(filePath string) string {
	seg, _, _ := strings.Cut(filePath, "/")
	return seg
}
func (segmentZones) ZoneOrder() []string { return []string{"src", "docs"} }

type fakeWatcher struct {
	mu     sync.Mutex
	starts [][]string
}

func (w *fakeWatcher) Start(_ context.Context, paths []string) {
	w.mu.Lock()
	w.starts = append(w.starts, paths)
	w.mu.Unlock()
}

func (w *fakeWatcher) RecentEvents() []event.Event {
	return []event.Event{{AgentID: "a1", Type: event.ToolStart, TS: 5}}
}

func (w *fakeWatcher) Health() []monitor.SourceStatus {
	return []monitor.SourceStatus{{Path: "/x.jsonl", Status: monitor.StatusHealthy}}
}

func (w *fakeWatcher) startCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.starts)
}

func newStore() *snapshot.Store {
	return snapshot.NewStore(snapshot.Options{
		Zones: segmentZones{},
		Now:   func() time.Time { return time.UnixMilli(1) },
	})
}

func TestHandleEventEnrichesBeforeApplying(t *testing.T) {
	var order []string
	branch := enricherFunc(func(ev event.Event) event.Event {
		order = append(order, "branch")
		ev.BranchName = "main"
		ev.IsMainBranch = event.Bool(true)
		ev.MainBranchRisk = event.Bool(true)
		return ev
	})
	catalog := enricherFunc(func(ev event.Event) event.Event {
		order = append(order, "catalog")
		if ev.BranchName != "main" {
			t.Errorf("catalog enricher saw branch %q, want main", ev.BranchName)
		}
		ev.InvokedAgentCatalogID = "reviewer"
		return ev
	})
	capture := &captured{}
	sink := &recordingSink{}

	p := New(newStore(), Options{Enrichers: []Enricher{branch, catalog}, Unmapped: capture})
	p.SetSink(sink)

	u := p.HandleEvent(event.Event{AgentID: "a1", Type: event.ToolStart, TS: 100, ToolName: "Frobnicate", FilePath: "src/x.go"})

	if strings.Join(order, ",") != "branch,catalog" {
		t.Errorf("enricher order = %v, want branch,catalog", order)
	}
	if u.Agent.BranchName != "main" || !u.Agent.MainBranchRisk {
		t.Errorf("agent branch = %q risk=%v, want main/true", u.Agent.BranchName, u.Agent.MainBranchRisk)
	}
	if u.Feed.InvokedAgentCatalogID != "reviewer" {
		t.Errorf("feed InvokedAgentCatalogID = %q, want reviewer", u.Feed.InvokedAgentCatalogID)
	}
	if len(capture.events) != 1 || capture.events[0].InvokedAgentCatalogID != "reviewer" {
		t.Errorf("captured = %+v, want the enriched event", capture.events)
	}
	if len(sink.updates) != 1 || sink.updates[0].Agent.AgentID != "a1" {
		t.Errorf("sink updates = %+v", sink.updates)
	}
}

func TestHandleEventWithoutSink(t *testing.T) {
	p := New(newStore(), Options{})
	p.HandleEvent(event.Event{AgentID: "a1", Type: event.TurnActive, TS: 10})
	if got := len(p.Snapshot().Agents); got != 1 {
		t.Errorf("agents = %d, want 1", got)
	}
}

func TestSnapshotListsConfiguredZones(t *testing.T) {
	p := New(newStore(), Options{Zones: segmentZones{}})
	p.HandleEvent(event.Event{AgentID: "a1", Type: event.ToolStart, TS: 10, FilePath: "tools/gen.go"})
	p.HandleEvent(event.Event{AgentID: "a2", Type: event.ToolStart, TS: 11, FilePath: "docs/readme.md"})

	zones := p.Snapshot().Zones
	var ids []string
	for _, z := range zones {
		ids = append(ids, z.ZoneID)
	}
	if strings.Join(ids, ",") != "src,docs,tools" {
		t.Fatalf("zone ids = %v, want src,docs,tools", ids)
	}
	if len(zones[0].Occupants) != 0 || zones[0].Occupants == nil {
		t.Errorf("src occupants = %#v, want empty non-nil", zones[0].Occupants)
	}
	if len(zones[1].Occupants) != 1 || zones[1].Occupants[0] != "a2" {
		t.Errorf("docs occupants = %v, want [a2]", zones[1].Occupants)
	}
}

func TestWorldInitIncludesCatalog(t *testing.T) {
	p := New(newStore(), Options{Catalog: fixedCatalog{}})
	msg := p.WorldInit()
	if msg.Type != "world_init" {
		t.Errorf("Type = %q, want world_init", msg.Type)
	}
	if len(msg.AgentMDs) != 1 || msg.AgentMDs[0].ID != "reviewer" {
		t.Errorf("AgentMDs = %+v", msg.AgentMDs)
	}
	if msg.SkillMDs == nil {
		t.Error("SkillMDs = nil, want empty slice")
	}
	if len(msg.Skills) != len(snapshot.SkillOrder) {
		t.Errorf("Skills = %d, want %d", len(msg.Skills), len(snapshot.SkillOrder))
	}
}

func TestSelections(t *testing.T) {
	sink := &recordingSink{}
	p := New(newStore(), Options{})
	p.SetSink(sink)

	p.SelectAgent("a1")
	p.SelectSkill("bash")
	p.SelectSkill("juggling")
	p.SelectZone("src")

	f := p.FilterState()
	if f.SelectedAgentID == nil || *f.SelectedAgentID != "a1" {
		t.Errorf("SelectedAgentID = %v, want a1", f.SelectedAgentID)
	}
	if f.SelectedSkill == nil || *f.SelectedSkill != snapshot.SkillBash {
		t.Errorf("SelectedSkill = %v, want bash", f.SelectedSkill)
	}
	if f.SelectedZoneID == nil || *f.SelectedZoneID != "src" {
		t.Errorf("SelectedZoneID = %v, want src", f.SelectedZoneID)
	}
	if len(sink.filters) != 3 {
		t.Errorf("filter broadcasts = %d, want 3 (unknown skill ignored)", len(sink.filters))
	}

	p.SelectAgent("")
	if p.FilterState().SelectedAgentID != nil {
		t.Error("SelectAgent(\"\") should clear the selection")
	}
}

func TestPruneClearsSelectionForClients(t *testing.T) {
	sink := &recordingSink{}
	p := New(newStore(), Options{})
	p.SetSink(sink)

	p.HandleEvent(event.Event{AgentID: "a1", Type: event.ToolStart, TS: 1000, ToolName: "Read"})
	p.SelectAgent("a1")
	p.HandleEvent(event.Event{AgentID: "a1", Type: event.ToolDone, TS: 2000, ToolName: "Read"})
	if len(sink.filters) != 1 {
		t.Fatalf("filter broadcasts = %d, want 1 (unchanged filter is not resent)", len(sink.filters))
	}

	// Past the default retention a1 is pruned and its selection cleared.
	p.HandleEvent(event.Event{AgentID: "b1", Type: event.TurnActive, TS: 2000 + (4 * time.Minute).Milliseconds()})
	if len(sink.filters) != 2 {
		t.Fatalf("filter broadcasts = %d, want 2", len(sink.filters))
	}
	if got := sink.filters[1].SelectedAgentID; got != nil {
		t.Errorf("broadcast SelectedAgentID = %q, want cleared", *got)
	}
}

func TestWatcherViews(t *testing.T) {
	bare := New(newStore(), Options{})
	if got := bare.RecentEvents(); got == nil || len(got) != 0 {
		t.Errorf("RecentEvents() without watcher = %#v, want empty", got)
	}
	if got := bare.Sources(); len(got) != 0 {
		t.Errorf("Sources() without watcher = %v, want none", got)
	}

	p := New(newStore(), Options{Watcher: &fakeWatcher{}})
	if got := p.RecentEvents(); len(got) != 1 {
		t.Errorf("RecentEvents() = %v, want 1", got)
	}
	if got := p.Sources(); len(got) != 1 || got[0].Status != monitor.StatusHealthy {
		t.Errorf("Sources() = %v", got)
	}
}

func TestRescanRestartsOnlyOnChange(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "a.jsonl"), []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	w := &fakeWatcher{}
	p := New(newStore(), Options{
		Watcher:  w,
		Discover: monitor.DiscoverOptions{Workspace: ws, ProjectsDir: t.TempDir(), Paths: []string{"a.jsonl"}},
	})

	ctx := context.Background()
	paths := p.Rescan(ctx)
	if len(paths) != 1 || paths[0] != filepath.Join(ws, "a.jsonl") {
		t.Fatalf("Rescan() = %v", paths)
	}
	p.Rescan(ctx)
	if got := w.startCount(); got != 1 {
		t.Fatalf("Start calls = %d, want 1 (unchanged rescan)", got)
	}

	p.SetDiscover(monitor.DiscoverOptions{Workspace: ws, ProjectsDir: t.TempDir(), Paths: []string{"a.jsonl", "b.jsonl"}})
	p.Rescan(ctx)
	if got := w.startCount(); got != 2 {
		t.Errorf("Start calls = %d, want 2 after path change", got)
	}
}

func TestRunRescanStopsOnCancel(t *testing.T) {
	w := &fakeWatcher{}
	p := New(newStore(), Options{
		Watcher:        w,
		RescanInterval: 10 * time.Millisecond,
		Discover:       monitor.DiscoverOptions{Workspace: t.TempDir(), ProjectsDir: t.TempDir(), Paths: []string{"x.jsonl"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.RunRescan(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunRescan did not return after cancel")
	}
	if got := w.startCount(); got != 1 {
		t.Errorf("Start calls = %d, want 1", got)
	}
}
