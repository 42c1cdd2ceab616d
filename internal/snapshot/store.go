// Package snapshot folds canonical events into per-agent and per-skill
// aggregate state that can be queried at any time.
package snapshot

import (
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jsleemaster/ranch-agent/internal/event"
)

const (
	DefaultFeedLimit            = 200
	DefaultMaxPendingToolStarts = 256
	DefaultGrowthLevelSpan      = 35
	DefaultCompletedIdle        = 30 * time.Second
	DefaultRetention            = 3 * time.Minute
)

// realClockThreshold separates wall-clock epoch milliseconds from the small
// synthetic timestamps used in replays.
const realClockThreshold = 1_000_000_000_000

// TeamClassifier maps an agent and the file it touched to a display group.
type TeamClassifier interface {
	ClassifyTeam(agentID, filePath string) Team
}

// ZoneClassifier maps a file path to a logical area. An empty result means
// the path belongs to no zone.
type ZoneClassifier interface {
	ClassifyZone(filePath string) string
}

type Options struct {
	Teams TeamClassifier
	// Zones is optional; without it zone tracking is disabled.
	Zones ZoneClassifier

	FeedLimit            int
	MaxPendingToolStarts int
	GrowthLevelSpan      int64
	CompletedIdle        time.Duration
	Retention            time.Duration

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FeedLimit <= 0 {
		o.FeedLimit = DefaultFeedLimit
	}
	if o.MaxPendingToolStarts <= 0 {
		o.MaxPendingToolStarts = DefaultMaxPendingToolStarts
	}
	if o.GrowthLevelSpan <= 0 {
		o.GrowthLevelSpan = DefaultGrowthLevelSpan
	}
	if o.CompletedIdle <= 0 {
		o.CompletedIdle = DefaultCompletedIdle
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Store is the aggregator. Writes are serialized by an internal lock;
// stored snapshots are replaced wholesale and never mutated in place.
type Store struct {
	mu     sync.RWMutex
	opts   Options
	agents map[string]AgentSnapshot
	skills map[Skill]SkillMetricSnapshot
	feed   []FeedEntry
	waits  *waitTracker
	tools  *toolTracker
	seq    uint64
	filter FilterState
}

func NewStore(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:   opts,
		agents: make(map[string]AgentSnapshot),
		skills: make(map[Skill]SkillMetricSnapshot, len(SkillOrder)),
		waits:  newWaitTracker(),
		tools:  newToolTracker(opts.MaxPendingToolStarts),
	}
	for _, skill := range SkillOrder {
		s.skills[skill] = SkillMetricSnapshot{Skill: skill, GrowthStage: StageSeed}
	}
	return s
}

// ApplyEvent folds ev into the aggregate state and returns what changed.
func (s *Store) ApplyEvent(ev event.Event) Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := ev.TS
	if ts <= 0 {
		ts = s.opts.Now().UnixMilli()
	}
	s.refreshCompletedLocked(ts)
	s.pruneLocked(ts)

	existing, known := s.agents[ev.AgentID]

	team := s.classifyTeam(ev.AgentID, ev.FilePath)

	next := existing
	next.AgentID = ev.AgentID
	next.TeamID, next.Icon, next.Color = team.ID, team.Icon, team.Color

	if skill := NormalizeSkill(ev.ToolName); skill != "" {
		next.CurrentSkill = skill
	}
	if gate, ok := deriveGate(ev); ok {
		next.CurrentHookGate = gate
	}
	if state, ok := deriveState(ev); ok {
		next.State = state
	} else if !known || existing.State == Completed {
		next.State = Waiting
	}
	next.RuntimeRole = deriveRole(ev, existing.RuntimeRole)

	zonesChanged := false
	if s.opts.Zones != nil && ev.FilePath != "" {
		if zone := s.opts.Zones.ClassifyZone(ev.FilePath); zone != "" && zone != existing.CurrentZoneID {
			next.CurrentZoneID = zone
			zonesChanged = true
		}
	}

	if ev.BranchName != "" {
		next.BranchName = ev.BranchName
	}
	if ev.IsMainBranch != nil {
		next.IsMainBranch = *ev.IsMainBranch
	}
	if ev.MainBranchRisk != nil {
		next.MainBranchRisk = *ev.MainBranchRisk
	}

	if id := ev.InvokedAgentCatalogID; id != "" {
		next.CurrentAgentCatalogID = id
		next.AgentCatalogCallsByID = incremented(existing.AgentCatalogCallsByID, id)
		next.AgentCatalogCallsTotal++
	}
	if id := ev.InvokedSkillCatalogID; id != "" {
		next.CurrentSkillCatalogID = id
		next.SkillCatalogCallsByID = incremented(existing.SkillCatalogCallsByID, id)
		next.SkillCatalogCallsTotal++
	}
	if next.AgentCatalogCallsByID == nil {
		next.AgentCatalogCallsByID = map[string]int64{}
	}
	if next.SkillCatalogCallsByID == nil {
		next.SkillCatalogCallsByID = map[string]int64{}
	}

	prompt, completion, total := eventTokens(ev)
	next.PromptTokensTotal += prompt
	next.CompletionTokensTotal += completion
	next.TotalTokensTotal += total
	next.LastPromptTokens, next.LastCompletionTokens, next.LastTotalTokens = prompt, completion, total

	var (
		waitDuration *int64
		waitKind     WaitKind
		toolDuration *int64
	)

	switch ev.Type {
	case event.PermissionWait:
		s.waits.open(ev.AgentID, ts, WaitPermission)
	case event.TurnWaiting:
		s.waits.open(ev.AgentID, ts, WaitTurn)
	}
	if ev.Type == event.ToolStart || ev.Type == event.TurnActive {
		if d, kind, ok := s.waits.close(ev.AgentID, ts); ok {
			waitDuration, waitKind = &d, kind
			next.WaitTotalMs += d
			next.WaitCount++
			next.LastWaitMs = d
			if kind == WaitPermission {
				next.PermissionWaitTotalMs += d
				next.PermissionWaitCount++
			} else {
				next.TurnWaitTotalMs += d
				next.TurnWaitCount++
			}
			next.WaitAvgMs = roundedAvg(next.WaitTotalMs, next.WaitCount)
		}
	}
	switch ev.Type {
	case event.ToolStart:
		s.tools.push(ev.AgentID, ts, ev.ToolID, ev.ToolName)
	case event.ToolDone:
		if d, ok := s.tools.pop(ev.AgentID, ts, ev.ToolID, ev.ToolName); ok {
			toolDuration = &d
			next.ToolRunTotalMs += d
			next.ToolRunCount++
			next.LastToolRunMs = d
			next.ToolRunAvgMs = roundedAvg(next.ToolRunTotalMs, next.ToolRunCount)
		}
	}

	grows := ev.Type.IsGrowth()
	metricSkill := next.CurrentSkill
	if metricSkill == "" {
		metricSkill = SkillOther
	}
	next.SkillUsageByKind = skillUsage(existing.SkillUsageByKind)
	if grows {
		next.SkillUsageByKind[metricSkill]++
		next.UsageCount++
	}
	g := GrowthFor(next.UsageCount, s.opts.GrowthLevelSpan)
	next.GrowthLevel, next.GrowthLevelUsage, next.GrowthStage = g.Level, g.LevelUsage, g.Stage
	next.LastEventTs = ts

	s.agents[ev.AgentID] = next

	var touched *SkillMetricSnapshot
	if grows {
		metric := s.skills[metricSkill]
		metric.Skill = metricSkill
		metric.UsageCount++
		metric.GrowthStage = GrowthFor(metric.UsageCount, s.opts.GrowthLevelSpan).Stage
		s.skills[metricSkill] = metric
		touched = &metric
	}

	entry := FeedEntry{
		ID:                    fmt.Sprintf("%s:%d:%d", ev.AgentID, ts, s.seq),
		TS:                    ts,
		AgentID:               ev.AgentID,
		Type:                  string(ev.Type),
		Skill:                 next.CurrentSkill,
		HookGate:              next.CurrentHookGate,
		ZoneID:                next.CurrentZoneID,
		BranchName:            next.BranchName,
		MainBranchRisk:        next.MainBranchRisk,
		InvokedAgentCatalogID: ev.InvokedAgentCatalogID,
		InvokedSkillCatalogID: ev.InvokedSkillCatalogID,
		PromptTokens:          prompt,
		CompletionTokens:      completion,
		TotalTokens:           total,
		WaitDurationMs:        waitDuration,
		WaitKind:              waitKind,
		ToolRunDurationMs:     toolDuration,
		GrowthStage:           next.GrowthStage,
		Text:                  ev.Detail,
	}
	s.seq++
	s.feed = append(s.feed, entry)
	if over := len(s.feed) - s.opts.FeedLimit; over > 0 {
		s.feed = append([]FeedEntry(nil), s.feed[over:]...)
	}

	update := Update{Agent: next.Clone(), Skill: touched, Feed: entry}
	if zonesChanged {
		update.Zones = s.zoneSnapshotsLocked(existing.CurrentZoneID, next.CurrentZoneID)
	}
	return update
}

// FullSnapshot returns every live agent sorted by id and all eight skill
// metrics in display order. Completion and pruning are applied first.
func (s *Store) FullSnapshot() World {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.resolveNowLocked()
	s.refreshCompletedLocked(now)
	s.pruneLocked(now)

	agents := make([]AgentSnapshot, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a.Clone())
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })

	skills := make([]SkillMetricSnapshot, 0, len(SkillOrder))
	for _, skill := range SkillOrder {
		skills = append(skills, s.skills[skill])
	}

	return World{Agents: agents, Skills: skills, Zones: s.zoneSnapshotsLocked()}
}

// Agent returns a copy of one agent's snapshot.
func (s *Store) Agent(id string) (AgentSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return AgentSnapshot{}, false
	}
	return a.Clone(), true
}

// Feed returns the retained feed, oldest first.
func (s *Store) Feed() []FeedEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]FeedEntry(nil), s.feed...)
}

func (s *Store) FilterState() FilterState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.clone()
}

// SetFilterState merges patch into the filter and returns the result. Zone
// selection is only retained when zone tracking is enabled.
func (s *Store) SetFilterState(patch FilterPatch) FilterState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if patch.AgentID != nil {
		s.filter.SelectedAgentID = nonEmpty(*patch.AgentID)
	}
	if patch.Skill != nil {
		if *patch.Skill == "" {
			s.filter.SelectedSkill = nil
		} else {
			skill := *patch.Skill
			s.filter.SelectedSkill = &skill
		}
	}
	if patch.ZoneID != nil {
		s.filter.SelectedZoneID = nonEmpty(*patch.ZoneID)
	}
	if s.opts.Zones == nil {
		s.filter.SelectedZoneID = nil
	}
	return s.filter.clone()
}

// AgentCount returns the number of tracked agents without pruning.
func (s *Store) AgentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

func (s *Store) classifyTeam(agentID, filePath string) Team {
	if s.opts.Teams == nil {
		return DefaultTeam
	}
	return s.opts.Teams.ClassifyTeam(agentID, filePath)
}

// resolveNowLocked picks the reference time for query-path completion and
// pruning: the latest event time, or the wall clock when events carry real
// epoch timestamps and the clock is later.
func (s *Store) resolveNowLocked() int64 {
	var latest int64
	for _, a := range s.agents {
		latest = max(latest, a.LastEventTs)
	}
	if latest <= 0 {
		return s.opts.Now().UnixMilli()
	}
	if latest < realClockThreshold {
		return latest
	}
	return max(latest, s.opts.Now().UnixMilli())
}

// refreshCompletedLocked moves idle non-active agents with nothing pending
// to Completed, and reverts Completed agents that no longer qualify.
func (s *Store) refreshCompletedLocked(now int64) {
	idle := s.opts.CompletedIdle.Milliseconds()
	for id, a := range s.agents {
		if a.State == Active {
			continue
		}
		done := now-a.LastEventTs >= idle && !s.waits.has(id) && s.tools.pending(id) == 0
		switch {
		case done && a.State != Completed:
			a.State = Completed
			s.agents[id] = a
		case !done && a.State == Completed:
			a.State = Waiting
			s.agents[id] = a
		}
	}
}

func (s *Store) pruneLocked(now int64) {
	cutoff := now - s.opts.Retention.Milliseconds()
	for id, a := range s.agents {
		if a.LastEventTs >= cutoff {
			continue
		}
		delete(s.agents, id)
		s.waits.evict(id)
		s.tools.evict(id)
	}
	if sel := s.filter.SelectedAgentID; sel != nil {
		if _, ok := s.agents[*sel]; !ok {
			s.filter.SelectedAgentID = nil
		}
	}
}

// zoneSnapshotsLocked returns occupancy for the given zones, or for every
// occupied zone when none are named.
func (s *Store) zoneSnapshotsLocked(zoneIDs ...string) []ZoneSnapshot {
	if s.opts.Zones == nil {
		return []ZoneSnapshot{}
	}
	occupants := make(map[string][]string)
	for id, a := range s.agents {
		if a.CurrentZoneID != "" {
			occupants[a.CurrentZoneID] = append(occupants[a.CurrentZoneID], id)
		}
	}
	if len(zoneIDs) == 0 {
		for zone := range occupants {
			zoneIDs = append(zoneIDs, zone)
		}
		sort.Strings(zoneIDs)
	}

	zones := make([]ZoneSnapshot, 0, len(zoneIDs))
	for _, zone := range zoneIDs {
		if zone == "" {
			continue
		}
		members := occupants[zone]
		sort.Strings(members)
		if members == nil {
			members = []string{}
		}
		zones = append(zones, ZoneSnapshot{ZoneID: zone, Occupants: members})
	}
	return zones
}

func eventTokens(ev event.Event) (prompt, completion, total int64) {
	prompt = clampTokens(ev.PromptTokens)
	completion = clampTokens(ev.CompletionTokens)
	if ev.TotalTokens != nil {
		total = clampTokens(*ev.TotalTokens)
	} else {
		total = prompt + completion
	}
	return prompt, completion, total
}

func clampTokens(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

func roundedAvg(total, count int64) int64 {
	if count <= 0 {
		return 0
	}
	return int64(math.Round(float64(total) / float64(count)))
}

// incremented returns a copy of counts with key incremented.
func incremented(counts map[string]int64, key string) map[string]int64 {
	next := make(map[string]int64, len(counts)+1)
	maps.Copy(next, counts)
	next[key]++
	return next
}

func skillUsage(prev map[Skill]int64) map[Skill]int64 {
	next := make(map[Skill]int64, len(SkillOrder))
	for _, skill := range SkillOrder {
		next[skill] = max(0, prev[skill])
	}
	return next
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
