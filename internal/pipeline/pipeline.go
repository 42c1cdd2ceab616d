// Package pipeline is the single dispatch point between event sources and
// the aggregate: every event is enriched, folded into the store, captured
// for debugging if unmapped, and queued for connected clients.
package pipeline

import (
	"context"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/jsleemaster/ranch-agent/internal/enrich"
	"github.com/jsleemaster/ranch-agent/internal/event"
	"github.com/jsleemaster/ranch-agent/internal/monitor"
	"github.com/jsleemaster/ranch-agent/internal/snapshot"
	"github.com/jsleemaster/ranch-agent/internal/ws"
)

const DefaultRescanInterval = 5 * time.Second

// Enricher fills derived fields on an event before aggregation.
type Enricher interface {
	Enrich(ev event.Event) event.Event
}

// Sink receives what changed. *ws.Broadcaster implements it.
type Sink interface {
	QueueUpdate(u snapshot.Update)
	QueueFilterState(f snapshot.FilterState)
}

type Capturer interface {
	Capture(ev event.Event)
}

// Catalog lists the markdown agent and skill definitions shown to clients.
type Catalog interface {
	Agents() []enrich.Item
	Skills() []enrich.Item
}

type ZoneOrderer interface {
	ZoneOrder() []string
}

// Watcher is the subset of *monitor.Watcher the pipeline drives.
type Watcher interface {
	Start(ctx context.Context, paths []string)
	RecentEvents() []event.Event
	Health() []monitor.SourceStatus
}

type Options struct {
	// Enrichers run in order; branch detection precedes catalog lookup.
	Enrichers []Enricher
	Catalog   Catalog
	Unmapped  Capturer
	Zones     ZoneOrderer
	Watcher   Watcher

	Discover       monitor.DiscoverOptions
	RescanInterval time.Duration
}

type Pipeline struct {
	store *snapshot.Store
	opts  Options

	mu   sync.RWMutex
	sink Sink

	pathsMu   sync.Mutex
	lastPaths []string
}

func New(store *snapshot.Store, opts Options) *Pipeline {
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = DefaultRescanInterval
	}
	return &Pipeline{store: store, opts: opts}
}

// SetSink attaches the outgoing side. Until it is set, updates are only
// applied to the store.
func (p *Pipeline) SetSink(s Sink) {
	p.mu.Lock()
	p.sink = s
	p.mu.Unlock()
}

func (p *Pipeline) currentSink() Sink {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sink
}

// HandleEvent runs ev through enrichment and aggregation and publishes
// the resulting update.
func (p *Pipeline) HandleEvent(ev event.Event) snapshot.Update {
	for _, e := range p.opts.Enrichers {
		ev = e.Enrich(ev)
	}
	before := p.store.FilterState()
	u := p.store.ApplyEvent(ev)
	if p.opts.Unmapped != nil {
		p.opts.Unmapped.Capture(ev)
	}
	if sink := p.currentSink(); sink != nil {
		sink.QueueUpdate(u)
	}
	p.publishFilterChange(before)
	return u
}

// publishFilterChange queues the current filter when a store pass, such as
// pruning a selected agent, changed it since before.
func (p *Pipeline) publishFilterChange(before snapshot.FilterState) {
	after := p.store.FilterState()
	if after.Equal(before) {
		return
	}
	if sink := p.currentSink(); sink != nil {
		sink.QueueFilterState(after)
	}
}

// HandleError logs a watcher read failure. The watcher reports each
// failure episode once.
func (p *Pipeline) HandleError(path string, err error) {
	log.Printf("[pipeline] source %s: %v", path, err)
}

func (p *Pipeline) Snapshot() snapshot.World {
	before := p.store.FilterState()
	world := p.store.FullSnapshot()
	p.publishFilterChange(before)
	world.Zones = p.withZoneOrder(world.Zones)
	return world
}

// withZoneOrder lists every configured zone in order, empty ones
// included, followed by any occupied zone outside the order.
func (p *Pipeline) withZoneOrder(occupied []snapshot.ZoneSnapshot) []snapshot.ZoneSnapshot {
	if p.opts.Zones == nil {
		return occupied
	}
	byID := make(map[string]snapshot.ZoneSnapshot, len(occupied))
	for _, z := range occupied {
		byID[z.ZoneID] = z
	}
	order := p.opts.Zones.ZoneOrder()
	zones := make([]snapshot.ZoneSnapshot, 0, len(order)+len(occupied))
	for _, id := range order {
		z, ok := byID[id]
		if !ok {
			z = snapshot.ZoneSnapshot{ZoneID: id, Occupants: []string{}}
		}
		zones = append(zones, z)
		delete(byID, id)
	}
	for _, z := range occupied {
		if _, extra := byID[z.ZoneID]; extra {
			zones = append(zones, z)
		}
	}
	return zones
}

func (p *Pipeline) WorldInit() ws.WorldInitMessage {
	var agents, skills []enrich.Item
	if p.opts.Catalog != nil {
		agents = p.opts.Catalog.Agents()
		skills = p.opts.Catalog.Skills()
	}
	return ws.NewWorldInit(p.Snapshot(), agents, skills)
}

func (p *Pipeline) Feed() []snapshot.FeedEntry {
	return p.store.Feed()
}

func (p *Pipeline) FilterState() snapshot.FilterState {
	return p.store.FilterState()
}

// SetFilter applies patch and broadcasts the resulting filter.
func (p *Pipeline) SetFilter(patch snapshot.FilterPatch) snapshot.FilterState {
	f := p.store.SetFilterState(patch)
	if sink := p.currentSink(); sink != nil {
		sink.QueueFilterState(f)
	}
	return f
}

// SelectAgent selects an agent; an empty id clears the selection.
func (p *Pipeline) SelectAgent(id string) {
	p.SetFilter(snapshot.FilterPatch{AgentID: &id})
}

// SelectSkill selects a skill kind. Unknown kinds are ignored.
func (p *Pipeline) SelectSkill(skill string) {
	s := snapshot.Skill(skill)
	if s != "" && !s.Valid() {
		log.Printf("[pipeline] ignoring selection of unknown skill %q", skill)
		return
	}
	p.SetFilter(snapshot.FilterPatch{Skill: &s})
}

func (p *Pipeline) SelectZone(id string) {
	p.SetFilter(snapshot.FilterPatch{ZoneID: &id})
}

func (p *Pipeline) RecentEvents() []event.Event {
	if p.opts.Watcher == nil {
		return []event.Event{}
	}
	return p.opts.Watcher.RecentEvents()
}

func (p *Pipeline) Sources() []monitor.SourceStatus {
	if p.opts.Watcher == nil {
		return nil
	}
	return p.opts.Watcher.Health()
}

// Rescan resolves the watched file set and restarts the watcher when it
// changed. It returns the resolved paths, or nil without a watcher.
func (p *Pipeline) Rescan(ctx context.Context) []string {
	if p.opts.Watcher == nil {
		return nil
	}
	p.pathsMu.Lock()
	opts := p.opts.Discover
	p.pathsMu.Unlock()
	res := monitor.ResolvePaths(opts)
	paths := slices.Clone(res.Paths)
	slices.Sort(paths)

	p.pathsMu.Lock()
	changed := !slices.Equal(paths, p.lastPaths)
	if changed {
		p.lastPaths = paths
	}
	p.pathsMu.Unlock()

	if !changed {
		return res.Paths
	}
	switch {
	case len(paths) == 0 && res.ScanDir != "":
		log.Printf("[pipeline] no transcripts under %s", res.ScanDir)
	case len(paths) == 0:
		log.Printf("[pipeline] no transcript files to watch (source: %s)", res.Source)
	default:
		log.Printf("[pipeline] watching %d file(s) (source: %s)", len(paths), res.Source)
	}
	p.opts.Watcher.Start(ctx, res.Paths)
	return res.Paths
}

// SetDiscover replaces the discovery settings used by later rescans.
func (p *Pipeline) SetDiscover(d monitor.DiscoverOptions) {
	p.pathsMu.Lock()
	p.opts.Discover = d
	p.pathsMu.Unlock()
}

// RunRescan rescans immediately and then on every interval until ctx is
// cancelled.
func (p *Pipeline) RunRescan(ctx context.Context) {
	p.Rescan(ctx)
	ticker := time.NewTicker(p.opts.RescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Rescan(ctx)
		}
	}
}
