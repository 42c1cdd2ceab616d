package snapshot

import (
	"encoding/json"
	"maps"
)

type State int

const (
	Waiting State = iota
	Active
	Completed
)

var stateNames = map[State]string{
	Waiting:   "waiting",
	Active:    "active",
	Completed: "completed",
}

var stateFromName = map[string]State{
	"waiting":   Waiting,
	"active":    Active,
	"completed": Completed,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MarshalText lets text-aware encoders (CBOR) emit the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

type Role string

const (
	RoleMain     Role = "main"
	RoleTeam     Role = "team"
	RoleSubagent Role = "subagent"
)

// Gate is the coarse approval/flow-control state of an agent. The zero
// value means no gate has been observed yet and encodes as JSON null.
type Gate string

const (
	GateOpen    Gate = "open"
	GateBlocked Gate = "blocked"
	GateFailed  Gate = "failed"
	GateClosed  Gate = "closed"
)

func (g Gate) MarshalJSON() ([]byte, error) {
	return nullableString(string(g))
}

// Skill is one of the eight fixed skill kinds. The zero value encodes as
// JSON null.
type Skill string

const (
	SkillRead   Skill = "read"
	SkillEdit   Skill = "edit"
	SkillWrite  Skill = "write"
	SkillBash   Skill = "bash"
	SkillSearch Skill = "search"
	SkillTask   Skill = "task"
	SkillAsk    Skill = "ask"
	SkillOther  Skill = "other"
)

// SkillOrder is the fixed display order of skill kinds.
var SkillOrder = []Skill{SkillRead, SkillEdit, SkillWrite, SkillBash, SkillSearch, SkillTask, SkillAsk, SkillOther}

func (s Skill) MarshalJSON() ([]byte, error) {
	return nullableString(string(s))
}

func (s Skill) Valid() bool {
	for _, k := range SkillOrder {
		if s == k {
			return true
		}
	}
	return false
}

type Stage string

const (
	StageSeed    Stage = "seed"
	StageSprout  Stage = "sprout"
	StageGrow    Stage = "grow"
	StageHarvest Stage = "harvest"
)

type WaitKind string

const (
	WaitPermission WaitKind = "permission"
	WaitTurn       WaitKind = "turn"
)

func nullableString(s string) ([]byte, error) {
	if s == "" {
		return []byte("null"), nil
	}
	return json.Marshal(s)
}

// Team is the display group an agent is classified into.
type Team struct {
	ID    string `json:"id"`
	Icon  string `json:"icon"`
	Color string `json:"color"`
}

// DefaultTeam is used when no team classifier is configured.
var DefaultTeam = Team{ID: "solo", Icon: "team_default", Color: "#4AA3A2"}

// AgentSnapshot is the aggregated view of one agent. Stored snapshots are
// never modified; each event produces a replacement.
type AgentSnapshot struct {
	AgentID string `json:"agentId"`
	TeamID  string `json:"teamId"`
	Icon    string `json:"icon"`
	Color   string `json:"color"`

	State           State  `json:"state"`
	RuntimeRole     Role   `json:"runtimeRole"`
	CurrentSkill    Skill  `json:"currentSkill"`
	CurrentHookGate Gate   `json:"currentHookGate"`
	CurrentZoneID   string `json:"currentZoneId,omitempty"`

	BranchName     string `json:"branchName,omitempty"`
	IsMainBranch   bool   `json:"isMainBranch"`
	MainBranchRisk bool   `json:"mainBranchRisk"`

	CurrentAgentCatalogID string `json:"currentAgentCatalogId,omitempty"`
	CurrentSkillCatalogID string `json:"currentSkillCatalogId,omitempty"`

	SkillUsageByKind       map[Skill]int64  `json:"skillUsageByKind"`
	AgentCatalogCallsTotal int64            `json:"agentCatalogCallsTotal"`
	AgentCatalogCallsByID  map[string]int64 `json:"agentCatalogCallsById"`
	SkillCatalogCallsTotal int64            `json:"skillCatalogCallsTotal"`
	SkillCatalogCallsByID  map[string]int64 `json:"skillCatalogCallsById"`

	PromptTokensTotal     int64 `json:"promptTokensTotal"`
	CompletionTokensTotal int64 `json:"completionTokensTotal"`
	TotalTokensTotal      int64 `json:"totalTokensTotal"`
	LastPromptTokens      int64 `json:"lastPromptTokens"`
	LastCompletionTokens  int64 `json:"lastCompletionTokens"`
	LastTotalTokens       int64 `json:"lastTotalTokens"`

	WaitTotalMs           int64 `json:"waitTotalMs"`
	WaitCount             int64 `json:"waitCount"`
	WaitAvgMs             int64 `json:"waitAvgMs"`
	LastWaitMs            int64 `json:"lastWaitMs"`
	PermissionWaitTotalMs int64 `json:"permissionWaitTotalMs"`
	PermissionWaitCount   int64 `json:"permissionWaitCount"`
	TurnWaitTotalMs       int64 `json:"turnWaitTotalMs"`
	TurnWaitCount         int64 `json:"turnWaitCount"`

	ToolRunTotalMs int64 `json:"toolRunTotalMs"`
	ToolRunCount   int64 `json:"toolRunCount"`
	ToolRunAvgMs   int64 `json:"toolRunAvgMs"`
	LastToolRunMs  int64 `json:"lastToolRunMs"`

	UsageCount       int64 `json:"usageCount"`
	GrowthLevel      int64 `json:"growthLevel"`
	GrowthLevelUsage int64 `json:"growthLevelUsage"`
	GrowthStage      Stage `json:"growthStage"`

	LastEventTs int64 `json:"lastEventTs"`
}

// Clone returns a deep copy of the snapshot, duplicating its maps so the
// copy can be mutated independently of the stored value.
func (a AgentSnapshot) Clone() AgentSnapshot {
	a.SkillUsageByKind = maps.Clone(a.SkillUsageByKind)
	a.AgentCatalogCallsByID = maps.Clone(a.AgentCatalogCallsByID)
	a.SkillCatalogCallsByID = maps.Clone(a.SkillCatalogCallsByID)
	return a
}

type SkillMetricSnapshot struct {
	Skill       Skill `json:"skill"`
	UsageCount  int64 `json:"usageCount"`
	GrowthStage Stage `json:"growthStage"`
}

type ZoneSnapshot struct {
	ZoneID    string   `json:"zoneId"`
	Occupants []string `json:"occupants"`
}

// FeedEntry is a display-ready record of one processed event.
type FeedEntry struct {
	ID                    string   `json:"id"`
	TS                    int64    `json:"ts"`
	AgentID               string   `json:"agentId"`
	Type                  string   `json:"type"`
	Skill                 Skill    `json:"skill"`
	HookGate              Gate     `json:"hookGate"`
	ZoneID                string   `json:"zoneId,omitempty"`
	BranchName            string   `json:"branchName,omitempty"`
	MainBranchRisk        bool     `json:"mainBranchRisk"`
	InvokedAgentCatalogID string   `json:"invokedAgentCatalogId,omitempty"`
	InvokedSkillCatalogID string   `json:"invokedSkillCatalogId,omitempty"`
	PromptTokens          int64    `json:"promptTokens"`
	CompletionTokens      int64    `json:"completionTokens"`
	TotalTokens           int64    `json:"totalTokens"`
	WaitDurationMs        *int64   `json:"waitDurationMs,omitempty"`
	WaitKind              WaitKind `json:"waitKind,omitempty"`
	ToolRunDurationMs     *int64   `json:"toolRunDurationMs,omitempty"`
	GrowthStage           Stage    `json:"growthStage"`
	Text                  string   `json:"text,omitempty"`
}

// FilterState is the view filter. Nil fields mean no selection.
type FilterState struct {
	SelectedAgentID *string `json:"selectedAgentId"`
	SelectedSkill   *Skill  `json:"selectedSkill"`
	SelectedZoneID  *string `json:"selectedZoneId"`
}

func (f FilterState) clone() FilterState {
	if f.SelectedAgentID != nil {
		v := *f.SelectedAgentID
		f.SelectedAgentID = &v
	}
	if f.SelectedSkill != nil {
		v := *f.SelectedSkill
		f.SelectedSkill = &v
	}
	if f.SelectedZoneID != nil {
		v := *f.SelectedZoneID
		f.SelectedZoneID = &v
	}
	return f
}

// Equal reports whether f and o select the same agent, skill and zone.
func (f FilterState) Equal(o FilterState) bool {
	return samePtr(f.SelectedAgentID, o.SelectedAgentID) &&
		samePtr(f.SelectedSkill, o.SelectedSkill) &&
		samePtr(f.SelectedZoneID, o.SelectedZoneID)
}

func samePtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// FilterPatch is a partial filter update. A nil field leaves the current
// selection unchanged; a pointer to the empty value clears it.
type FilterPatch struct {
	AgentID *string
	Skill   *Skill
	ZoneID  *string
}

// Update describes what a single applied event changed.
type Update struct {
	Agent AgentSnapshot
	// Skill is set when the event counted toward a skill's usage.
	Skill *SkillMetricSnapshot
	// Zones lists zones whose occupancy changed. Empty without a zone
	// classifier.
	Zones []ZoneSnapshot
	Feed  FeedEntry
}

// World is the complete visible state at one point in time.
type World struct {
	Agents []AgentSnapshot       `json:"agents"`
	Skills []SkillMetricSnapshot `json:"skills"`
	Zones  []ZoneSnapshot        `json:"zones"`
}
