package parser

import (
	"strings"
	"time"

	"github.com/jsleemaster/ranch-agent/internal/event"
)

// Codex rollout files wrap each record in {"type": <envelope>, "payload": ...}.
// event_msg payloads carry their own type and, in older files, a nested
// payload. Pre-envelope files write response items bare.

// codexTools names the tool behind a self-contained Codex item.
var codexTools = map[string]string{
	"command_execution": "Bash",
	"local_shell_call":  "Bash",
	"file_change":       "Edit",
	"web_search":        "WebSearch",
	"web_search_call":   "WebSearch",
}

// codexBareKinds are the item types recognized without an envelope.
var codexBareKinds = map[string]bool{
	"command_execution": true, "file_change": true, "mcp_tool_call": true,
	"web_search": true, "tool_call": true, "token_count": true,
	"function_call": true, "function_call_output": true,
}

var codexDetailPaths = []string{"message", "text", "command", "output", "arguments", "query", "path"}

// unwrapCodex returns the item kind and body of a Codex rollout record.
func unwrapCodex(obj object) (kind string, body object, ok bool) {
	envelope, _ := obj["type"].(string)
	payload := asObject(obj["payload"])
	switch envelope {
	case "event_msg":
		if payload == nil {
			return "", nil, false
		}
		kind, _ = payload["type"].(string)
		body = payload
		if inner := asObject(payload["payload"]); inner != nil {
			body = inner
		}
	case "response_item":
		if payload == nil {
			return "", nil, false
		}
		kind, _ = payload["type"].(string)
		body = payload
	default:
		if payload != nil || !codexBareKinds[envelope] {
			return "", nil, false
		}
		kind, body = envelope, obj
	}
	kind = strings.ToLower(kind)
	return kind, body, kind != ""
}

// codexType maps a Codex item kind to an event type and tool name.
func codexType(kind string, body object) (event.Type, string, bool) {
	switch kind {
	case "function_call", "custom_tool_call", "tool_call":
		return event.ToolStart, pickString(body, "name", "tool_name", "tool.name"), true
	case "function_call_output", "custom_tool_call_output":
		return event.ToolDone, pickString(body, "name", "tool_name"), true
	case "mcp_tool_call":
		return itemType(body), pickString(body, "tool_name", "name"), true
	case "message":
		if pickString(body, "role") == "user" {
			return event.TurnActive, "", true
		}
		return event.AssistantText, "", true
	case "agent_message", "reasoning", "agent_reasoning", "token_count":
		return event.AssistantText, "", true
	case "user_message", "turn_started", "task_started":
		return event.TurnActive, "", true
	case "task_complete", "turn_complete", "turn_aborted":
		return event.TurnWaiting, "", true
	case "exec_approval_request", "apply_patch_approval_request":
		return event.PermissionWait, "", true
	}
	if tool, ok := codexTools[kind]; ok {
		return itemType(body), tool, true
	}
	return "", "", false
}

// itemType reads a self-contained item as finished unless its status says
// it is still running.
func itemType(body object) event.Type {
	if startStatuses[strings.ToLower(pickString(body, "status"))] {
		return event.ToolStart
	}
	return event.ToolDone
}

func parseCodex(obj object, kind string, body object, opts Options, now func() time.Time) (event.Event, bool) {
	typ, toolName, ok := codexType(kind, body)
	if !ok {
		return event.Event{}, false
	}

	agentID := pickString(obj, agentIDPaths...)
	if agentID == "" {
		agentID = opts.FallbackAgentID
	}
	ev := event.Event{
		Runtime:    event.RuntimeCodex,
		AgentID:    agentID,
		TS:         inferTimestamp(obj, now),
		Type:       typ,
		ToolName:   toolName,
		ToolID:     pickString(body, "call_id", "id"),
		FilePath:   pickString(body, filePaths...),
		WorkingDir: pickString(body, workingDirPaths...),
		Detail:     pickString(body, codexDetailPaths...),
		IsError:    inferError(body, contentSignals{}),
		SourcePath: opts.SourcePath,
	}
	ev.InvokedAgentHint = matchCatalogPath(agentMdPattern, []string{ev.Detail})
	ev.InvokedSkillHint = matchCatalogPath(skillMdPattern, []string{ev.Detail})
	ev.PromptTokens, ev.CompletionTokens, ev.TotalTokens = inferTokens(body)
	return ev, true
}
