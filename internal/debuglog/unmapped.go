// Package debuglog appends events whose tool name does not map to a known
// skill to an NDJSON file, for tuning the tool→skill table.
package debuglog

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jsleemaster/ranch-agent/internal/event"
	"github.com/jsleemaster/ranch-agent/internal/snapshot"
)

const (
	DefaultRelativePath = ".local-debug/unmapped-skill-events.ndjson"

	flushInterval   = 800 * time.Millisecond
	immediateFlush  = 32
	maxBufferedRows = 1024
)

type Reason string

const (
	ReasonUnknownToolName          Reason = "unknown_tool_name"
	ReasonAssistantWithoutToolName Reason = "assistant_without_tool_name"
	ReasonMissingToolName          Reason = "missing_tool_name"
)

// Record is one NDJSON line.
type Record struct {
	TS                    int64          `json:"ts"`
	ISOTime               string         `json:"isoTime"`
	Runtime               event.Runtime  `json:"runtime"`
	AgentID               string         `json:"agentRuntimeId"`
	EventType             event.Type     `json:"eventType"`
	ToolName              *string        `json:"toolName"`
	MappedSkill           snapshot.Skill `json:"mappedSkill"`
	Reason                Reason         `json:"reason"`
	Detail                string         `json:"detail,omitempty"`
	InvokedAgentHint      *string        `json:"invokedAgentHint"`
	InvokedSkillHint      *string        `json:"invokedSkillHint"`
	InvokedAgentCatalogID *string        `json:"invokedAgentMdId"`
	InvokedSkillCatalogID *string        `json:"invokedSkillMdId"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// BuildRecord returns the record for ev, or false when ev is not a tool or
// text event or its tool maps to a known skill.
func BuildRecord(ev event.Event) (Record, bool) {
	switch ev.Type {
	case event.AssistantText, event.ToolStart, event.ToolDone:
	default:
		return Record{}, false
	}

	tool := strings.TrimSpace(ev.ToolName)
	skill := snapshot.NormalizeSkill(tool)
	if skill != "" && skill != snapshot.SkillOther {
		return Record{}, false
	}

	reason := ReasonMissingToolName
	switch {
	case tool != "" && skill == snapshot.SkillOther:
		reason = ReasonUnknownToolName
	case tool == "" && ev.Type == event.AssistantText:
		reason = ReasonAssistantWithoutToolName
	}

	return Record{
		TS:                    ev.TS,
		ISOTime:               time.UnixMilli(ev.TS).UTC().Format("2006-01-02T15:04:05.000Z"),
		Runtime:               ev.Runtime,
		AgentID:               ev.AgentID,
		EventType:             ev.Type,
		ToolName:              optional(tool),
		MappedSkill:           skill,
		Reason:                reason,
		Detail:                ev.Detail,
		InvokedAgentHint:      optional(ev.InvokedAgentHint),
		InvokedSkillHint:      optional(ev.InvokedSkillHint),
		InvokedAgentCatalogID: optional(ev.InvokedAgentCatalogID),
		InvokedSkillCatalogID: optional(ev.InvokedSkillCatalogID),
	}, true
}

// ResolvePath returns configured if absolute, else configured (or the
// default) joined to the workspace root.
func ResolvePath(workspaceRoot, configured string) string {
	p := strings.TrimSpace(configured)
	if p == "" {
		p = DefaultRelativePath
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspaceRoot, p)
}

// Logger buffers records and appends them in batches. Write failures are
// logged and otherwise ignored.
type Logger struct {
	path string

	mu       sync.Mutex
	enabled  bool
	lines    [][]byte
	dropped  int
	timer    *time.Timer
	flushing sync.Mutex
}

func New(path string, enabled bool) *Logger {
	return &Logger{path: path, enabled: enabled}
}

func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

func (l *Logger) Capture(ev event.Event) {
	rec, ok := BuildRecord(ev)
	if !ok {
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	if !l.enabled {
		l.mu.Unlock()
		return
	}
	if len(l.lines) >= maxBufferedRows {
		l.lines = l.lines[1:]
		l.dropped++
	}
	l.lines = append(l.lines, line)
	if len(l.lines) >= immediateFlush {
		l.mu.Unlock()
		go l.Flush()
		return
	}
	if l.timer == nil {
		l.timer = time.AfterFunc(flushInterval, l.Flush)
	}
	l.mu.Unlock()
}

// Flush writes all buffered lines.
func (l *Logger) Flush() {
	l.flushing.Lock()
	defer l.flushing.Unlock()

	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	lines := l.lines
	dropped := l.dropped
	l.lines = nil
	l.dropped = 0
	l.mu.Unlock()

	if len(lines) == 0 {
		return
	}
	if err := l.appendLines(lines); err != nil {
		log.Printf("[debug] failed to write unmapped-skill log: %v", err)
		return
	}
	if dropped > 0 {
		log.Printf("[debug] unmapped-skill logger dropped %d buffered lines due to backpressure", dropped)
	}
}

func (l *Logger) appendLines(lines [][]byte) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := f.Write(line); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// Close flushes anything still buffered.
func (l *Logger) Close() {
	l.Flush()
}
