package debuglog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jsleemaster/ranch-agent/internal/event"
)

func TestBuildRecord(t *testing.T) {
	tests := []struct {
		name   string
		ev     event.Event
		ok     bool
		reason Reason
	}{
		{"known tool", event.Event{Type: event.ToolStart, ToolName: "Read"}, false, ""},
		{"unknown tool", event.Event{Type: event.ToolStart, ToolName: "Frobnicate"}, true, ReasonUnknownToolName},
		{"text without tool", event.Event{Type: event.AssistantText}, true, ReasonAssistantWithoutToolName},
		{"done without tool", event.Event{Type: event.ToolDone}, true, ReasonMissingToolName},
		{"wait event", event.Event{Type: event.PermissionWait}, false, ""},
		{"turn event", event.Event{Type: event.TurnActive, ToolName: "Frobnicate"}, false, ""},
	}
	for _, tt := range tests {
		rec, ok := BuildRecord(tt.ev)
		if ok != tt.ok {
			t.Errorf("%s: ok = %v, want %v", tt.name, ok, tt.ok)
			continue
		}
		if ok && rec.Reason != tt.reason {
			t.Errorf("%s: reason = %q, want %q", tt.name, rec.Reason, tt.reason)
		}
	}
}

func TestRecordJSON(t *testing.T) {
	rec, ok := BuildRecord(event.Event{
		Runtime: event.RuntimeClaudeJSONL,
		AgentID: "a",
		TS:      1_700_000_000_000,
		Type:    event.AssistantText,
	})
	if !ok {
		t.Fatal("BuildRecord returned false")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["isoTime"] != "2023-11-14T22:13:20.000Z" {
		t.Errorf("isoTime = %v", m["isoTime"])
	}
	if v, present := m["toolName"]; !present || v != nil {
		t.Errorf("toolName = %v (present %v), want null", v, present)
	}
	if v, present := m["mappedSkill"]; !present || v != nil {
		t.Errorf("mappedSkill = %v (present %v), want null", v, present)
	}
	if m["agentRuntimeId"] != "a" || m["eventType"] != "assistant_text" {
		t.Errorf("unexpected record %s", b)
	}
}

func TestResolvePath(t *testing.T) {
	tests := []struct {
		root, configured, want string
	}{
		{"/ws", "", "/ws/.local-debug/unmapped-skill-events.ndjson"},
		{"/ws", "logs/x.ndjson", "/ws/logs/x.ndjson"},
		{"/ws", "/tmp/x.ndjson", "/tmp/x.ndjson"},
	}
	for _, tt := range tests {
		if got := ResolvePath(tt.root, tt.configured); got != tt.want {
			t.Errorf("ResolvePath(%q, %q) = %q, want %q", tt.root, tt.configured, got, tt.want)
		}
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not a record: %v", n, err)
		}
		n++
	}
	return n
}

func TestLoggerFlushOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "unmapped.ndjson")
	l := New(path, true)
	l.Capture(event.Event{AgentID: "a", Type: event.ToolStart, ToolName: "Mystery"})
	l.Capture(event.Event{AgentID: "a", Type: event.ToolStart, ToolName: "Read"})
	l.Capture(event.Event{AgentID: "a", Type: event.AssistantText})
	l.Close()

	if n := countLines(t, path); n != 2 {
		t.Errorf("wrote %d lines, want 2", n)
	}

	l.Capture(event.Event{AgentID: "b", Type: event.ToolDone})
	l.Close()
	if n := countLines(t, path); n != 3 {
		t.Errorf("after append wrote %d lines, want 3", n)
	}
}

func TestLoggerDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unmapped.ndjson")
	l := New(path, false)
	l.Capture(event.Event{AgentID: "a", Type: event.ToolStart, ToolName: "Mystery"})
	l.Close()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("disabled logger created %s (err %v)", path, err)
	}
}

func TestLoggerDropsOldest(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "x.ndjson"), true)
	l.mu.Lock()
	for i := 0; i < maxBufferedRows; i++ {
		l.lines = append(l.lines, []byte("{}\n"))
	}
	l.mu.Unlock()

	l.Capture(event.Event{AgentID: "a", Type: event.ToolStart, ToolName: "Mystery"})
	l.Close()
	if n := countLinesRaw(t, l.path); n != maxBufferedRows {
		t.Errorf("wrote %d lines, want %d", n, maxBufferedRows)
	}
}

func countLinesRaw(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}
