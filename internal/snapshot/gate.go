package snapshot

import (
	"strings"

	"github.com/jsleemaster/ranch-agent/internal/event"
)

// deriveGate returns the hook gate implied by ev, or false when the event
// leaves the gate unchanged.
func deriveGate(ev event.Event) (Gate, bool) {
	switch {
	case ev.Type == event.PermissionWait:
		return GateBlocked, true
	case ev.IsError:
		return GateFailed, true
	case ev.Type == event.ToolDone:
		return GateClosed, true
	case ev.Type == event.ToolStart, ev.Type == event.TurnActive:
		return GateOpen, true
	case ev.Type == event.TurnWaiting:
		return GateClosed, true
	}
	return "", false
}

// deriveState returns the raw activity signal carried by ev.
func deriveState(ev event.Event) (State, bool) {
	switch ev.Type {
	case event.ToolStart, event.TurnActive, event.AssistantText:
		return Active, true
	case event.PermissionWait, event.TurnWaiting, event.ToolDone:
		return Waiting, true
	}
	return 0, false
}

func deriveRole(ev event.Event, existing Role) Role {
	if isSubagentSource(ev.SourcePath) {
		return RoleSubagent
	}
	if ev.InvokedAgentCatalogID != "" || ev.InvokedAgentHint != "" || strings.EqualFold(strings.TrimSpace(ev.ToolName), "task") {
		return RoleTeam
	}
	if existing == "" {
		return RoleMain
	}
	return existing
}

func isSubagentSource(sourcePath string) bool {
	if sourcePath == "" {
		return false
	}
	normalized := strings.ToLower(strings.ReplaceAll(sourcePath, `\`, "/"))
	return strings.Contains(normalized, "/subagents/")
}
