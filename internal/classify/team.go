// Package classify maps agents and file paths to display teams and zones.
package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/tidwall/jsonc"

	"github.com/jsleemaster/ranch-agent/internal/snapshot"
)

// TeamConfigFile is the on-disk team rules document. Comments and trailing
// commas are allowed.
type TeamConfigFile struct {
	Version       int          `json:"version"`
	DefaultTeamID string       `json:"defaultTeamId"`
	Teams         []TeamConfig `json:"teams"`
}

type TeamConfig struct {
	ID      string       `json:"id"`
	Icon    string       `json:"icon"`
	Color   string       `json:"color"`
	Members []MemberRule `json:"members"`
}

// MemberRule matches an agent when its id matches AgentIDPattern (any id
// when empty) and the touched file path starts with one of FolderPrefixes
// or matches one of PathGlobs. Rules with neither list match any path.
type MemberRule struct {
	AgentIDPattern string   `json:"agentIdPattern"`
	FolderPrefixes []string `json:"folderPrefixes"`
	PathGlobs      []string `json:"pathGlobs"`
}

var fallbackTeams = TeamConfigFile{
	Version:       1,
	DefaultTeamID: snapshot.DefaultTeam.ID,
	Teams: []TeamConfig{{
		ID:    snapshot.DefaultTeam.ID,
		Icon:  snapshot.DefaultTeam.Icon,
		Color: snapshot.DefaultTeam.Color,
	}},
}

type compiledRule struct {
	agent    *regexp.Regexp
	anyAgent bool
	prefixes []string
	globs    []glob.Glob
}

type compiledTeam struct {
	team  snapshot.Team
	rules []compiledRule
}

// TeamResolver classifies agents into teams using a rules file. It is safe
// for concurrent use; Reload swaps the rule set atomically.
type TeamResolver struct {
	path string

	mu          sync.RWMutex
	teams       []compiledTeam
	defaultTeam snapshot.Team
}

// NewTeamResolver loads rules from path. A missing or invalid file yields
// the single fallback team.
func NewTeamResolver(path string) *TeamResolver {
	r := &TeamResolver{path: path}
	if err := r.Reload(); err != nil {
		log.Printf("[teams] %v, using fallback team", err)
	}
	return r
}

// Reload re-reads the rules file. On error the fallback team is installed
// and the error returned.
func (r *TeamResolver) Reload() error {
	r.mu.RLock()
	path := r.path
	r.mu.RUnlock()

	cfg, err := loadTeamConfig(path)
	if err != nil {
		r.install(fallbackTeams)
		return err
	}
	r.install(cfg)
	return nil
}

// SetPath points the resolver at another rules file and reloads it.
func (r *TeamResolver) SetPath(path string) error {
	r.mu.Lock()
	r.path = path
	r.mu.Unlock()
	return r.Reload()
}

func loadTeamConfig(path string) (TeamConfigFile, error) {
	if path == "" {
		return TeamConfigFile{}, errors.New("no team config path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return TeamConfigFile{}, fmt.Errorf("team config %s not found", path)
		}
		return TeamConfigFile{}, fmt.Errorf("reading team config: %w", err)
	}
	var cfg TeamConfigFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return TeamConfigFile{}, fmt.Errorf("parsing team config %s: %w", path, err)
	}
	return validateTeamConfig(cfg)
}

func validateTeamConfig(cfg TeamConfigFile) (TeamConfigFile, error) {
	if cfg.Version != 1 {
		return TeamConfigFile{}, fmt.Errorf("unsupported team config version %d", cfg.Version)
	}
	if cfg.DefaultTeamID == "" {
		return TeamConfigFile{}, errors.New("team config has no defaultTeamId")
	}
	valid := cfg.Teams[:0:0]
	for _, t := range cfg.Teams {
		if t.ID == "" || t.Icon == "" || t.Color == "" {
			continue
		}
		valid = append(valid, t)
	}
	if len(valid) == 0 {
		return TeamConfigFile{}, errors.New("team config has no valid teams")
	}
	cfg.Teams = valid
	return cfg, nil
}

func (r *TeamResolver) install(cfg TeamConfigFile) {
	compiled := make([]compiledTeam, 0, len(cfg.Teams))
	def := snapshot.Team{}
	for _, t := range cfg.Teams {
		ct := compiledTeam{team: snapshot.Team{ID: t.ID, Icon: t.Icon, Color: t.Color}}
		for _, m := range t.Members {
			ct.rules = append(ct.rules, compileRule(m))
		}
		compiled = append(compiled, ct)
		if t.ID == cfg.DefaultTeamID && def.ID == "" {
			def = ct.team
		}
	}
	if def.ID == "" && len(compiled) > 0 {
		def = compiled[0].team
	}

	r.mu.Lock()
	r.teams = compiled
	r.defaultTeam = def
	r.mu.Unlock()
}

// compileRule compiles a member rule. An invalid agent pattern never
// matches; invalid globs are skipped.
func compileRule(m MemberRule) compiledRule {
	rule := compiledRule{anyAgent: m.AgentIDPattern == ""}
	if !rule.anyAgent {
		if re, err := regexp.Compile(m.AgentIDPattern); err == nil {
			rule.agent = re
		} else {
			log.Printf("[teams] invalid agentIdPattern %q: %v", m.AgentIDPattern, err)
		}
	}
	for _, p := range m.FolderPrefixes {
		rule.prefixes = append(rule.prefixes, normalizeRulePath(p))
	}
	for _, pattern := range m.PathGlobs {
		g, err := glob.Compile(normalizeRulePath(pattern), '/')
		if err != nil {
			log.Printf("[teams] invalid path glob %q: %v", pattern, err)
			continue
		}
		rule.globs = append(rule.globs, g)
	}
	return rule
}

func (c compiledRule) matches(agentID, path string) bool {
	switch {
	case c.anyAgent:
	case c.agent == nil || !c.agent.MatchString(agentID):
		return false
	}
	if len(c.prefixes) == 0 && len(c.globs) == 0 {
		return true
	}
	for _, p := range c.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	for _, g := range c.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// ClassifyTeam returns the first team with a matching member rule, or the
// default team.
func (r *TeamResolver) ClassifyTeam(agentID, filePath string) snapshot.Team {
	path := normalizeRulePath(filePath)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.teams {
		for _, rule := range t.rules {
			if rule.matches(agentID, path) {
				return t.team
			}
		}
	}
	return r.defaultTeam
}

// DefaultTeam returns the team used when no rule matches.
func (r *TeamResolver) DefaultTeam() snapshot.Team {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultTeam
}

func normalizeRulePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimPrefix(p, "./")
	return strings.ToLower(p)
}
