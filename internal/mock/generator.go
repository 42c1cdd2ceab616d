package mock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jsleemaster/ranch-agent/internal/event"
)

const DefaultTickInterval = 500 * time.Millisecond

type pattern int

const (
	steady pattern = iota
	burst
	stall
	methodical
)

type mockAgent struct {
	id         string
	sourcePath string
	pattern    pattern
	tools      []string
	files      []string
	tokens     int64
	// spawnTick and endTick bound a subagent's lifetime; endTick 0 means
	// it runs until the generator stops.
	spawnTick int
	endTick   int

	toolIdx int
	step    int
	openID  string
	waiting bool
	done    bool
}

// Generator replays scripted agents as canonical events, for running the
// server without any real transcripts.
type Generator struct {
	emit     func(event.Event)
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	rng    *rand.Rand
	agents []*mockAgent
	tick   int
	lastTS int64
}

func NewGenerator(emit func(event.Event)) *Generator {
	return &Generator{
		emit:     emit,
		interval: DefaultTickInterval,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		agents:   defaultAgents(),
	}
}

func defaultAgents() []*mockAgent {
	return []*mockAgent{
		{
			id: "mock-refactor", sourcePath: "/mock/mock-refactor.jsonl", pattern: steady, tokens: 1200,
			tools: []string{"Read", "Grep", "Edit", "Write", "Bash", "Edit", "Read", "Write"},
			files: []string{"src/store.go", "src/store_test.go", "packages/ui/app.tsx"},
		},
		{
			id: "mock-tests", sourcePath: "/mock/mock-tests.jsonl", pattern: burst, tokens: 3500,
			tools: []string{"Read", "Write", "Bash", "Bash", "Write", "Bash"},
			files: []string{"tests/e2e/login.spec.ts", "src/auth/session.go"},
		},
		{
			id: "mock-debug", sourcePath: "/mock/mock-debug.jsonl", pattern: stall, tokens: 800,
			tools: []string{"Read", "Grep", "Grep", "Read", "Bash", "WebFetch"},
			files: []string{"infra/deploy.yaml", "scripts/migrate.sh"},
		},
		{
			id: "mock-review", sourcePath: "/mock/mock-review.jsonl", pattern: methodical, tokens: 600,
			tools: []string{"Read", "Glob", "Read", "Grep", "Read", "Task", "Read", "AskUserQuestion"},
			files: []string{"docs/architecture.md", "src/pipeline/pipeline.go"},
		},
		{
			id: "agent-mock-explorer", sourcePath: "/mock/mock-review/subagents/agent-mock-explorer.jsonl",
			pattern: steady, tokens: 300, spawnTick: 6, endTick: 40,
			tools: []string{"Glob", "Read", "Grep", "Read"},
			files: []string{"apps/web/index.ts", "docs/api.md"},
		},
	}
}

// Start launches the tick loop. It returns immediately.
func (g *Generator) Start(ctx context.Context) {
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Step()
		}
	}
}

// Step advances every agent by one tick and emits the resulting events.
func (g *Generator) Step() {
	g.mu.Lock()
	g.tick++
	var out []event.Event
	for _, a := range g.agents {
		out = append(out, g.advance(a)...)
	}
	g.mu.Unlock()

	for _, ev := range out {
		g.emit(ev)
	}
}

func (g *Generator) advance(a *mockAgent) []event.Event {
	if a.done || g.tick < a.spawnTick {
		return nil
	}
	if a.endTick > 0 && g.tick >= a.endTick {
		a.done = true
		return []event.Event{g.event(a, event.TurnWaiting, func(ev *event.Event) { ev.Detail = "subagent finished" })}
	}
	if g.tick == max(a.spawnTick, 1) {
		return []event.Event{g.event(a, event.TurnActive, nil)}
	}

	switch a.pattern {
	case burst:
		if g.tick%8 < 3 {
			return append(g.toolCycle(a), g.toolCycle(a)...)
		}
		if g.tick%8 == 3 {
			return []event.Event{g.text(a, "burst finished")}
		}
		return nil
	case stall:
		// Work for 40 ticks, then sit on a permission prompt for 30.
		phase := g.tick % 70
		switch {
		case phase >= 40 && !a.waiting:
			a.waiting = true
			return []event.Event{g.event(a, event.PermissionWait, func(ev *event.Event) { ev.Detail = "permission required: Bash" })}
		case phase >= 40:
			return nil
		case a.waiting:
			a.waiting = false
			return []event.Event{g.event(a, event.TurnActive, nil)}
		}
		if g.tick%4 == 0 {
			return g.toolCycle(a)
		}
		return nil
	case methodical:
		if g.tick%5 == 0 {
			return []event.Event{g.text(a, "reviewing")}
		}
		return g.toolCycle(a)
	default:
		if g.tick%12 == 0 {
			return []event.Event{
				g.text(a, "turn complete"),
				g.event(a, event.TurnWaiting, nil),
				g.event(a, event.TurnActive, nil),
			}
		}
		if g.tick%3 == 0 {
			return []event.Event{g.text(a, "thinking")}
		}
		return g.toolCycle(a)
	}
}

// toolCycle emits either the start or the completion of the agent's next
// tool call.
func (g *Generator) toolCycle(a *mockAgent) []event.Event {
	if a.openID != "" {
		tool := a.tools[(a.toolIdx-1)%len(a.tools)]
		id := a.openID
		a.openID = ""
		prompt := a.tokens/2 + g.rng.Int63n(200)
		completion := a.tokens / 4
		return []event.Event{g.event(a, event.ToolDone, func(ev *event.Event) {
			ev.ToolName = tool
			ev.ToolID = id
			ev.PromptTokens = prompt
			ev.CompletionTokens = completion
			ev.TotalTokens = event.Int64(prompt + completion)
		})}
	}

	tool := a.tools[a.toolIdx%len(a.tools)]
	file := a.files[a.toolIdx%len(a.files)]
	a.toolIdx++
	a.step++
	a.openID = fmt.Sprintf("toolu_%s_%d", a.id, a.step)
	id := a.openID
	return []event.Event{g.event(a, event.ToolStart, func(ev *event.Event) {
		ev.ToolName = tool
		ev.ToolID = id
		ev.FilePath = file
		if tool == "Task" {
			ev.InvokedAgentHint = "code-reviewer"
		}
	})}
}

func (g *Generator) text(a *mockAgent, detail string) event.Event {
	// Token use follows a slow wave so growth stages advance unevenly.
	pace := 0.7 + 0.3*math.Sin(float64(g.tick)/10.0)
	completion := int64(float64(a.tokens) * pace)
	return g.event(a, event.AssistantText, func(ev *event.Event) {
		ev.Detail = detail
		ev.CompletionTokens = completion
		ev.TotalTokens = event.Int64(completion)
	})
}

func (g *Generator) event(a *mockAgent, typ event.Type, fill func(*event.Event)) event.Event {
	ts := g.now().UnixMilli()
	if ts <= g.lastTS {
		ts = g.lastTS + 1
	}
	g.lastTS = ts

	ev := event.Event{
		Runtime:    event.RuntimeSynthetic,
		AgentID:    a.id,
		TS:         ts,
		Type:       typ,
		SourcePath: a.sourcePath,
		WorkingDir: "/mock",
	}
	if fill != nil {
		fill(&ev)
	}
	return ev
}
