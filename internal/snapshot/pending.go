package snapshot

import "strings"

type pendingWait struct {
	startTs int64
	kind    WaitKind
}

// waitTracker holds at most one open wait per agent. Opening a new wait
// replaces any unclosed one.
type waitTracker struct {
	byAgent map[string]pendingWait
}

func newWaitTracker() *waitTracker {
	return &waitTracker{byAgent: make(map[string]pendingWait)}
}

func (w *waitTracker) open(agentID string, startTs int64, kind WaitKind) {
	w.byAgent[agentID] = pendingWait{startTs: startTs, kind: kind}
}

// close consumes the agent's pending wait and returns its duration, never
// negative.
func (w *waitTracker) close(agentID string, endTs int64) (int64, WaitKind, bool) {
	p, ok := w.byAgent[agentID]
	if !ok {
		return 0, "", false
	}
	delete(w.byAgent, agentID)
	return max(0, endTs-p.startTs), p.kind, true
}

func (w *waitTracker) has(agentID string) bool {
	_, ok := w.byAgent[agentID]
	return ok
}

func (w *waitTracker) evict(agentID string) {
	delete(w.byAgent, agentID)
}

type pendingToolStart struct {
	startTs  int64
	toolID   string
	toolName string
}

// toolTracker is a bounded FIFO of in-flight tool starts per agent.
type toolTracker struct {
	byAgent map[string][]pendingToolStart
	limit   int
}

func newToolTracker(limit int) *toolTracker {
	if limit <= 0 {
		limit = DefaultMaxPendingToolStarts
	}
	return &toolTracker{
		byAgent: make(map[string][]pendingToolStart),
		limit:   limit,
	}
}

func toolKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// push records a tool start, dropping the oldest entries beyond the limit.
func (t *toolTracker) push(agentID string, startTs int64, toolID, toolName string) {
	queue := append(t.byAgent[agentID], pendingToolStart{
		startTs:  startTs,
		toolID:   toolKey(toolID),
		toolName: toolKey(toolName),
	})
	if over := len(queue) - t.limit; over > 0 {
		queue = append([]pendingToolStart(nil), queue[over:]...)
	}
	t.byAgent[agentID] = queue
}

// pop removes the start that best matches a completion and returns the
// elapsed time. Matching prefers the tool id, then the tool name, then
// falls back to the oldest pending start, so overlapping anonymous calls
// may be attributed to the wrong start.
func (t *toolTracker) pop(agentID string, endTs int64, toolID, toolName string) (int64, bool) {
	queue := t.byAgent[agentID]
	if len(queue) == 0 {
		return 0, false
	}

	idx := -1
	if id := toolKey(toolID); id != "" {
		idx = indexOf(queue, func(p pendingToolStart) bool { return p.toolID == id })
	}
	if name := toolKey(toolName); idx < 0 && name != "" {
		idx = indexOf(queue, func(p pendingToolStart) bool { return p.toolName == name })
	}
	if idx < 0 {
		idx = 0
	}

	matched := queue[idx]
	rest := append(append([]pendingToolStart(nil), queue[:idx]...), queue[idx+1:]...)
	if len(rest) == 0 {
		delete(t.byAgent, agentID)
	} else {
		t.byAgent[agentID] = rest
	}
	return max(0, endTs-matched.startTs), true
}

func (t *toolTracker) pending(agentID string) int {
	return len(t.byAgent[agentID])
}

func (t *toolTracker) evict(agentID string) {
	delete(t.byAgent, agentID)
}

func indexOf(queue []pendingToolStart, match func(pendingToolStart) bool) int {
	for i, p := range queue {
		if match(p) {
			return i
		}
	}
	return -1
}
