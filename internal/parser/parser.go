// Package parser normalizes heterogeneous JSON Lines records emitted by agent
// runtimes into canonical events.
package parser

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/jsleemaster/ranch-agent/internal/event"
)

// Options controls how a single line is normalized.
type Options struct {
	// FallbackAgentID is used when the record names no agent, session or
	// conversation.
	FallbackAgentID string
	Runtime         event.Runtime
	SourcePath      string
	Now             func() time.Time
}

var (
	agentIDPaths = []string{
		"agentRuntimeId", "agentId", "agent_id",
		"sessionId", "session_id",
		"conversation_id", "conversationId",
		"request_id", "requestId",
	}
	hintPaths   = []string{"type", "event", "kind", "message_type", "hook_event_name", "payload.type", "payload.event"}
	statusPaths = []string{"status", "state", "result.status", "payload.status"}
	tsPaths     = []string{"ts", "timestamp", "time", "created_at", "createdAt", "payload.timestamp"}
	toolNames   = []string{"toolName", "tool_name", "tool.name", "name", "payload.name"}
	toolIDs     = []string{"toolId", "tool_id", "tool_use_id", "tool.id", "call_id", "id"}
	filePaths   = []string{
		"filePath", "file_path", "path", "file.path",
		"input.filePath", "input.file_path", "input.path",
		"tool_input.filePath", "tool_input.file_path", "tool_input.path",
		"arguments.filePath", "arguments.file_path", "arguments.path",
	}
	toolInputFilePaths = []string{"file_path", "filePath", "notebook_path", "path"}
	detailPaths        = []string{
		"detail", "text", "message", "content", "output",
		"error.message", "input.command", "arguments.command",
	}
	workingDirPaths = []string{"cwd", "workingDir", "working_dir", "payload.cwd"}
	branchPaths     = []string{"gitBranch", "git_branch", "branchName", "branch_name", "branch"}
	agentHintPaths  = []string{"subagent_type", "input.subagent_type", "tool_input.subagent_type", "agent_type"}
	skillHintPaths  = []string{"skill", "skill_name", "input.skill", "tool_input.skill"}
	errorFlagPaths  = []string{"isError", "is_error", "error", "result.error"}

	promptTokenPaths = []string{
		"usage.input_tokens", "usage.prompt_tokens", "usage.promptTokens",
		"message.usage.input_tokens", "message.usage.prompt_tokens",
		"payload.info.last_token_usage.input_tokens", "info.last_token_usage.input_tokens",
		"promptTokens", "prompt_tokens", "input_tokens",
	}
	completionTokenPaths = []string{
		"usage.output_tokens", "usage.completion_tokens", "usage.completionTokens",
		"message.usage.output_tokens", "message.usage.completion_tokens",
		"payload.info.last_token_usage.output_tokens", "info.last_token_usage.output_tokens",
		"completionTokens", "completion_tokens", "output_tokens",
	}
	totalTokenPaths = []string{
		"usage.total_tokens", "usage.totalTokens",
		"message.usage.total_tokens",
		"payload.info.last_token_usage.total_tokens", "info.last_token_usage.total_tokens",
		"totalTokens", "total_tokens",
	}
)

var (
	toolStartHints = map[string]bool{
		"tool_start": true, "tool_use": true, "tool_call_start": true,
		"tool_called": true, "tool_invoked": true, "pretooluse": true,
	}
	toolDoneHints = map[string]bool{
		"tool_done": true, "tool_result": true, "tool_call_end": true,
		"tool_finished": true, "tool_use_done": true, "posttooluse": true,
	}
	turnActiveHints  = map[string]bool{"userpromptsubmit": true}
	turnWaitingHints = map[string]bool{"stop": true, "idle_prompt": true}

	startStatuses   = map[string]bool{"started": true, "running": true, "start": true, "in_progress": true}
	doneStatuses    = map[string]bool{"done": true, "finished": true, "success": true, "ok": true, "complete": true, "completed": true}
	waitingStatuses = map[string]bool{"waiting": true, "idle": true, "paused": true}
)

var (
	agentMdPattern = regexp.MustCompile(`(?i)(?:^|[\s"'` + "`" + `(\[{]|/)\.claude/agents/([^?#\s]+?\.md)\b`)
	skillMdPattern = regexp.MustCompile(`(?i)(?:^|[\s"'` + "`" + `(\[{]|/)\.claude/skills/([^?#\s]+?\.md)\b`)
)

// ParseLine normalizes one line of JSON Lines input. It reports false for
// empty lines, invalid or non-object JSON, and records whose event type
// cannot be determined. It never panics on malformed input.
func ParseLine(line []byte, opts Options) (event.Event, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return event.Event{}, false
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return event.Event{}, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return event.Event{}, false
	}
	obj := asObject(raw)
	if obj == nil {
		return event.Event{}, false
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	runtime := opts.Runtime
	if runtime == "" {
		runtime = event.RuntimeClaudeJSONL
	}

	if kind, body, ok := unwrapCodex(obj); ok {
		return parseCodex(obj, kind, body, opts, now)
	}

	sig := extractContentSignals(obj)

	toolName := ""
	if sig.toolUse != nil {
		toolName = sig.toolUse.name
	}
	if toolName == "" {
		toolName = pickString(obj, toolNames...)
	}

	typ, ok := inferType(obj, sig, toolName)
	if !ok {
		return event.Event{}, false
	}

	agentID := pickString(obj, agentIDPaths...)
	if agentID == "" {
		agentID = opts.FallbackAgentID
	}

	ev := event.Event{
		Runtime:    runtime,
		AgentID:    agentID,
		TS:         inferTimestamp(obj, now),
		Type:       typ,
		ToolName:   toolName,
		ToolID:     inferToolID(obj, sig),
		FilePath:   inferFilePath(obj, sig),
		WorkingDir: pickString(obj, workingDirPaths...),
		BranchName: pickString(obj, branchPaths...),
		Detail:     inferDetail(obj, sig),
		IsError:    inferError(obj, sig),
		SourcePath: opts.SourcePath,
	}

	ev.InvokedAgentHint = inferAgentHint(obj, sig, ev.Detail)
	ev.InvokedSkillHint = inferSkillHint(obj, sig, ev.Detail)
	ev.PromptTokens, ev.CompletionTokens, ev.TotalTokens = inferTokens(obj)

	return ev, true
}

func inferType(obj object, sig contentSignals, toolName string) (event.Type, bool) {
	if sig.toolUse != nil {
		return event.ToolStart, true
	}
	if sig.toolResult != nil {
		return event.ToolDone, true
	}

	hint := strings.ToLower(pickString(obj, hintPaths...))
	switch {
	case hint == "":
	case hint == "assistant_text":
		return event.AssistantText, true
	case strings.Contains(hint, "permission"):
		return event.PermissionWait, true
	case strings.Contains(hint, "waiting"), turnWaitingHints[hint]:
		return event.TurnWaiting, true
	case strings.Contains(hint, "turn_active"), turnActiveHints[hint]:
		return event.TurnActive, true
	case toolStartHints[hint]:
		return event.ToolStart, true
	case toolDoneHints[hint]:
		return event.ToolDone, true
	case strings.Contains(hint, "assistant"), strings.Contains(hint, "response"):
		return event.AssistantText, true
	}

	if status := strings.ToLower(pickString(obj, statusPaths...)); status != "" {
		switch {
		case startStatuses[status] && toolName != "":
			return event.ToolStart, true
		case doneStatuses[status] && toolName != "":
			return event.ToolDone, true
		case waitingStatuses[status]:
			return event.TurnWaiting, true
		}
	}

	hasText := isString(obj, "text") || isString(obj, "message") || isString(obj, "content")
	if hasText && toolName == "" {
		return event.AssistantText, true
	}
	return "", false
}

// inferTimestamp accepts epoch milliseconds, epoch seconds, numeric strings
// of either, and ISO-8601 dates. Anything else is stamped with now.
func inferTimestamp(obj object, now func() time.Time) int64 {
	if n, ok := pickNumber(obj, tsPaths...); ok {
		if ms, ok := epochMillis(n); ok {
			return ms
		}
		return now().UnixMilli()
	}
	if s := pickString(obj, tsPaths...); s != "" {
		if t, ok := parseDate(s); ok {
			return t.UnixMilli()
		}
	}
	return now().UnixMilli()
}

func epochMillis(n float64) (int64, bool) {
	switch {
	case n > 1e12:
		return int64(math.Floor(n)), true
	case n > 1e9:
		return int64(math.Floor(n * 1000)), true
	}
	return 0, false
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func inferToolID(obj object, sig contentSignals) string {
	if sig.toolUse != nil && sig.toolUse.id != "" {
		return sig.toolUse.id
	}
	if sig.toolResult != nil && sig.toolResult.toolUseID != "" {
		return sig.toolResult.toolUseID
	}
	return pickString(obj, toolIDs...)
}

func inferFilePath(obj object, sig contentSignals) string {
	if p := pickString(obj, filePaths...); p != "" {
		return p
	}
	if sig.toolUse != nil && sig.toolUse.input != nil {
		return pickString(sig.toolUse.input, toolInputFilePaths...)
	}
	return ""
}

func inferDetail(obj object, sig contentSignals) string {
	if d := pickString(obj, detailPaths...); d != "" {
		return d
	}
	if sig.toolUse != nil && sig.toolUse.input != nil {
		if d := pickString(sig.toolUse.input, "command", "description", "prompt", "pattern", "query"); d != "" {
			return d
		}
	}
	if joined := sig.joinedText(); joined != "" {
		return joined
	}
	if sig.toolResult != nil {
		return sig.toolResult.text
	}
	return ""
}

func inferError(obj object, sig contentSignals) bool {
	if explicit, ok := pickBool(obj, errorFlagPaths...); ok && explicit {
		return true
	}
	if raw, ok := readPath(obj, "error"); ok && asObject(raw) != nil {
		return true
	}
	switch strings.ToLower(pickString(obj, statusPaths...)) {
	case "error", "failed":
		return true
	}
	return sig.toolResult != nil && sig.toolResult.isError
}

// freeText lists the fields searched for catalog markdown references.
func freeText(sig contentSignals, detail string) []string {
	texts := []string{detail}
	if sig.toolUse != nil && sig.toolUse.input != nil {
		texts = append(texts,
			pickString(sig.toolUse.input, "prompt"),
			pickString(sig.toolUse.input, "description"),
			pickString(sig.toolUse.input, "file_path", "path"),
		)
	}
	return append(texts, sig.texts...)
}

func inferAgentHint(obj object, sig contentSignals, detail string) string {
	if sig.toolUse != nil && sig.toolUse.input != nil {
		if h := pickString(sig.toolUse.input, "subagent_type", "agent"); h != "" {
			return h
		}
	}
	if h := pickString(obj, agentHintPaths...); h != "" {
		return h
	}
	return matchCatalogPath(agentMdPattern, freeText(sig, detail))
}

func inferSkillHint(obj object, sig contentSignals, detail string) string {
	if sig.toolUse != nil && sig.toolUse.input != nil {
		if h := pickString(sig.toolUse.input, "skill", "skill_name"); h != "" {
			return h
		}
	}
	if h := pickString(obj, skillHintPaths...); h != "" {
		return h
	}
	return matchCatalogPath(skillMdPattern, freeText(sig, detail))
}

func matchCatalogPath(re *regexp.Regexp, texts []string) string {
	for _, text := range texts {
		if text == "" {
			continue
		}
		m := re.FindStringSubmatch(strings.ReplaceAll(text, `\`, "/"))
		if len(m) > 1 && m[1] != "" {
			return m[1]
		}
	}
	return ""
}

// inferTokens returns a nil total only when the record carries no token
// counts at all.
func inferTokens(obj object) (prompt, completion int64, total *int64) {
	p, hasPrompt := pickNumber(obj, promptTokenPaths...)
	c, hasCompletion := pickNumber(obj, completionTokenPaths...)
	t, hasTotal := pickNumber(obj, totalTokenPaths...)

	prompt = tokenCount(p, hasPrompt)
	completion = tokenCount(c, hasCompletion)
	switch {
	case hasTotal:
		total = event.Int64(tokenCount(t, true))
	case hasPrompt || hasCompletion:
		total = event.Int64(prompt + completion)
	}
	return prompt, completion, total
}

func tokenCount(n float64, ok bool) int64 {
	if !ok {
		return 0
	}
	f := math.Floor(n)
	if f <= 0 {
		return 0
	}
	return int64(f)
}
