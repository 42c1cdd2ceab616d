package snapshot

import "strings"

var skillByTool = map[string]Skill{
	"read":            SkillRead,
	"edit":            SkillEdit,
	"multiedit":       SkillEdit,
	"notebookedit":    SkillEdit,
	"write":           SkillWrite,
	"bash":            SkillBash,
	"terminal":        SkillBash,
	"shell":           SkillBash,
	"exec_command":    SkillBash,
	"local_shell":     SkillBash,
	"glob":            SkillSearch,
	"grep":            SkillSearch,
	"ls":              SkillSearch,
	"websearch":       SkillSearch,
	"webfetch":        SkillSearch,
	"search":          SkillSearch,
	"search_query":    SkillSearch,
	"find":            SkillSearch,
	"task":            SkillTask,
	"agent":           SkillTask,
	"askuserquestion": SkillAsk,
	"ask":             SkillAsk,
	"question":        SkillAsk,
}

// NormalizeSkill maps a tool name to its skill kind, case-insensitively.
// Unknown tool names map to SkillOther; an empty name maps to "".
func NormalizeSkill(toolName string) Skill {
	key := strings.ToLower(strings.TrimSpace(toolName))
	if key == "" {
		return ""
	}
	if s, ok := skillByTool[key]; ok {
		return s
	}
	return SkillOther
}
