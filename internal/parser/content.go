package parser

import "strings"

type toolUseBlock struct {
	id    string
	name  string
	input object
}

type toolResultBlock struct {
	toolUseID string
	isError   bool
	text      string
}

// contentSignals holds what a chat-style content array says about the line.
type contentSignals struct {
	toolUse    *toolUseBlock
	toolResult *toolResultBlock
	texts      []string
}

func (c contentSignals) joinedText() string {
	return strings.TrimSpace(strings.Join(c.texts, " "))
}

func extractContentSignals(obj object) contentSignals {
	var sig contentSignals
	for _, p := range []string{"message.content", "content"} {
		raw, ok := readPath(obj, p)
		if !ok {
			continue
		}
		items, ok := raw.([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			sig.collect(item)
		}
	}
	return sig
}

func (c *contentSignals) collect(item any) {
	if s, ok := item.(string); ok {
		if t := strings.TrimSpace(s); t != "" {
			c.texts = append(c.texts, t)
		}
		return
	}
	block := asObject(item)
	if block == nil {
		return
	}

	switch pickString(block, "type") {
	case "tool_use":
		if c.toolUse != nil {
			return
		}
		c.toolUse = &toolUseBlock{
			id:    pickString(block, "id"),
			name:  pickString(block, "name"),
			input: asObject(block["input"]),
		}
	case "tool_result":
		if c.toolResult != nil {
			return
		}
		isErr, _ := pickBool(block, "is_error", "isError")
		c.toolResult = &toolResultBlock{
			toolUseID: pickString(block, "tool_use_id", "toolUseId"),
			isError:   isErr,
			text:      toolResultText(block["content"]),
		}
	default:
		if t := pickString(block, "text", "message"); t != "" {
			c.texts = append(c.texts, t)
		}
	}
}

func toolResultText(raw any) string {
	switch x := raw.(type) {
	case string:
		return strings.TrimSpace(x)
	case []any:
		var parts []string
		for _, item := range x {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
				continue
			}
			if t := pickString(item, "text"); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.TrimSpace(strings.Join(parts, " "))
	}
	return ""
}
