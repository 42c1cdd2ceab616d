package classify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jsleemaster/ranch-agent/internal/snapshot"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

const teamsJSONC = `{
	// rules are evaluated in order
	"version": 1,
	"defaultTeamId": "core",
	"teams": [
		{
			"id": "frontend", "icon": "team_fe", "color": "#FF0000",
			"members": [
				{"agentIdPattern": "^ui-", "folderPrefixes": ["./Apps/Web"]},
				{"pathGlobs": ["**/*.tsx"]},
			]
		},
		{"id": "core", "icon": "team_core", "color": "#00FF00", "members": []},
		{"id": "", "icon": "broken", "color": "#000", "members": []},
	]
}`

func TestTeamResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teams.jsonc")
	writeFile(t, path, teamsJSONC)
	r := NewTeamResolver(path)

	tests := []struct {
		agent, file string
		want        string
	}{
		{"ui-1", "apps/web/page.ts", "frontend"},
		{"ui-1", `apps\web\page.ts`, "frontend"},
		{"ui-1", "services/api.go", "core"},
		{"backend", "apps/web/page.ts", "core"},
		{"backend", "src/components/Button.tsx", "frontend"},
		{"backend", "", "core"},
	}
	for _, tt := range tests {
		if got := r.ClassifyTeam(tt.agent, tt.file); got.ID != tt.want {
			t.Errorf("ClassifyTeam(%q, %q) = %q, want %q", tt.agent, tt.file, got.ID, tt.want)
		}
	}
	if d := r.DefaultTeam(); d.Color != "#00FF00" {
		t.Errorf("DefaultTeam().Color = %q, want #00FF00", d.Color)
	}
}

func TestTeamResolverFallback(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"invalid json", "{not json"},
		{"wrong version", `{"version": 2, "defaultTeamId": "x", "teams": [{"id":"x","icon":"i","color":"c","members":[]}]}`},
		{"no valid teams", `{"version": 1, "defaultTeamId": "x", "teams": [{"id":"x"}]}`},
	}
	for _, tt := range tests {
		path := filepath.Join(dir, tt.name+".json")
		writeFile(t, path, tt.content)
		r := NewTeamResolver(path)
		if got := r.ClassifyTeam("a", "src/x"); got != snapshot.DefaultTeam {
			t.Errorf("%s: ClassifyTeam = %+v, want fallback %+v", tt.name, got, snapshot.DefaultTeam)
		}
	}

	r := NewTeamResolver(filepath.Join(dir, "missing.json"))
	if got := r.ClassifyTeam("a", ""); got != snapshot.DefaultTeam {
		t.Errorf("missing file: ClassifyTeam = %+v, want fallback", got)
	}
}

func TestTeamResolverReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teams.json")
	r := NewTeamResolver(path)
	if got := r.ClassifyTeam("a", ""); got.ID != "solo" {
		t.Fatalf("before reload: %q, want solo", got.ID)
	}

	writeFile(t, path, `{"version":1,"defaultTeamId":"blue","teams":[{"id":"blue","icon":"b","color":"#00F","members":[]}]}`)
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if got := r.ClassifyTeam("a", ""); got.ID != "blue" {
		t.Errorf("after reload: %q, want blue", got.ID)
	}

	other := filepath.Join(t.TempDir(), "other.json")
	writeFile(t, other, `{"version":1,"defaultTeamId":"red","teams":[{"id":"red","icon":"r","color":"#F00","members":[]}]}`)
	if err := r.SetPath(other); err != nil {
		t.Fatalf("SetPath() error: %v", err)
	}
	if got := r.ClassifyTeam("a", ""); got.ID != "red" {
		t.Errorf("after SetPath: %q, want red", got.ID)
	}
}

func TestInvalidAgentPatternNeverMatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teams.json")
	writeFile(t, path, `{"version":1,"defaultTeamId":"d","teams":[
		{"id":"bad","icon":"i","color":"c","members":[{"agentIdPattern":"(["}]},
		{"id":"d","icon":"i","color":"c","members":[]}]}`)
	r := NewTeamResolver(path)
	if got := r.ClassifyTeam("([", ""); got.ID != "d" {
		t.Errorf("ClassifyTeam = %q, want d", got.ID)
	}
}

func TestZoneMapper(t *testing.T) {
	m, err := NewZoneMapper("/work", nil, []ZoneRule{{Pattern: "**/*_test.go", Zone: "tests"}})
	if err != nil {
		t.Fatalf("NewZoneMapper() error: %v", err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"src/app.ts", "src"},
		{"./docs/readme.md", "docs"},
		{"/work/infra/main.tf", "infra"},
		{`packages\ui\index.ts`, "packages"},
		{"vendor/lib.go", "etc"},
		{"/elsewhere/src/x.go", "etc"},
		{"src/store_test.go", "tests"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := m.ClassifyZone(tt.path); got != tt.want {
			t.Errorf("ClassifyZone(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestZoneMapperInvalidGlob(t *testing.T) {
	if _, err := NewZoneMapper("", nil, []ZoneRule{{Pattern: "[", Zone: "x"}}); err == nil {
		t.Error("NewZoneMapper with invalid glob returned no error")
	}
}
