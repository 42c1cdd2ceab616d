package classify

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultZoneOrder lists the known top-level folders. Anything else maps
// to "etc".
var DefaultZoneOrder = []string{"src", "apps", "packages", "infra", "scripts", "docs", "tests", "etc"}

const fallbackZone = "etc"

// ZoneRule assigns every workspace-relative path matching Pattern to Zone.
type ZoneRule struct {
	Pattern string `yaml:"pattern"`
	Zone    string `yaml:"zone"`
}

type zoneGlob struct {
	g    glob.Glob
	zone string
}

// ZoneMapper maps file paths to zones by their first workspace-relative
// path segment, after any explicit glob rules.
type ZoneMapper struct {
	root  string
	order []string
	rules []zoneGlob
}

func NewZoneMapper(workspaceRoot string, order []string, rules []ZoneRule) (*ZoneMapper, error) {
	if len(order) == 0 {
		order = DefaultZoneOrder
	}
	m := &ZoneMapper{root: workspaceRoot, order: slices.Clone(order)}
	for _, r := range rules {
		g, err := glob.Compile(r.Pattern, '/')
		if err != nil {
			return nil, err
		}
		m.rules = append(m.rules, zoneGlob{g: g, zone: r.Zone})
	}
	return m, nil
}

func (m *ZoneMapper) ZoneOrder() []string {
	return slices.Clone(m.order)
}

// ClassifyZone returns the zone for filePath, or "" when the path is empty.
func (m *ZoneMapper) ClassifyZone(filePath string) string {
	rel := m.relative(filePath)
	if rel == "" {
		return ""
	}
	for _, r := range m.rules {
		if r.g.Match(rel) {
			return r.zone
		}
	}

	first := ""
	for _, seg := range strings.Split(rel, "/") {
		if seg != "" {
			first = seg
			break
		}
	}
	if first == "" {
		return ""
	}
	if slices.Contains(m.order, first) {
		return first
	}
	return fallbackZone
}

func (m *ZoneMapper) relative(filePath string) string {
	p := strings.TrimPrefix(strings.ReplaceAll(filePath, `\`, "/"), "./")
	if p == "" {
		return ""
	}
	if m.root != "" && filepath.IsAbs(p) {
		if rel, err := filepath.Rel(m.root, p); err == nil && !strings.HasPrefix(rel, "..") {
			p = strings.TrimPrefix(filepath.ToSlash(rel), "./")
		}
	}
	return p
}
