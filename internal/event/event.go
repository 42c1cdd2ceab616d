package event

import "time"

// Runtime identifies the agent runtime family that produced an event.
type Runtime string

const (
	RuntimeClaudeJSONL Runtime = "claude-jsonl"
	RuntimeCodex       Runtime = "codex"
	RuntimeSynthetic   Runtime = "synthetic"
)

type Type string

const (
	ToolStart      Type = "tool_start"
	ToolDone       Type = "tool_done"
	AssistantText  Type = "assistant_text"
	PermissionWait Type = "permission_wait"
	TurnWaiting    Type = "turn_waiting"
	TurnActive     Type = "turn_active"
)

var validTypes = map[Type]bool{
	ToolStart:      true,
	ToolDone:       true,
	AssistantText:  true,
	PermissionWait: true,
	TurnWaiting:    true,
	TurnActive:     true,
}

func (t Type) Valid() bool {
	return validTypes[t]
}

// IsGrowth reports whether events of this type count toward usage and
// growth accounting.
func (t Type) IsGrowth() bool {
	return t == ToolStart || t == ToolDone || t == AssistantText
}

// IsWait reports whether the type opens a pending wait.
func (t Type) IsWait() bool {
	return t == PermissionWait || t == TurnWaiting
}

// Event is the normalized, runtime-agnostic form of one ingested log line
// or synthesized transition. Empty strings and zero token counts mean the
// field was not present in the source record.
type Event struct {
	Runtime Runtime `json:"runtime"`
	AgentID string  `json:"agentId"`
	TS      int64   `json:"ts"`
	Type    Type    `json:"type"`

	ToolName   string `json:"toolName,omitempty"`
	ToolID     string `json:"toolId,omitempty"`
	FilePath   string `json:"filePath,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	SourcePath string `json:"sourcePath,omitempty"`

	BranchName     string `json:"branchName,omitempty"`
	IsMainBranch   *bool  `json:"isMainBranch,omitempty"`
	MainBranchRisk *bool  `json:"mainBranchRisk,omitempty"`

	InvokedAgentHint      string `json:"invokedAgentHint,omitempty"`
	InvokedAgentCatalogID string `json:"invokedAgentCatalogId,omitempty"`
	InvokedSkillHint      string `json:"invokedSkillHint,omitempty"`
	InvokedSkillCatalogID string `json:"invokedSkillCatalogId,omitempty"`

	PromptTokens     int64 `json:"promptTokens,omitempty"`
	CompletionTokens int64 `json:"completionTokens,omitempty"`
	// TotalTokens is nil when the record gave no total; aggregation then
	// uses prompt plus completion. An explicit zero is kept.
	TotalTokens *int64 `json:"totalTokens,omitempty"`

	Detail  string `json:"detail,omitempty"`
	IsError bool   `json:"isError,omitempty"`
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.TS)
}

// Bool returns a pointer to v, for the optional branch flags.
func Bool(v bool) *bool {
	return &v
}

func Int64(v int64) *int64 {
	return &v
}
