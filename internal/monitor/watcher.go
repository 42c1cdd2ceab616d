// Package monitor tails JSONL agent transcripts and turns new lines into
// canonical events.
package monitor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"

	"github.com/jsleemaster/ranch-agent/internal/event"
	"github.com/jsleemaster/ranch-agent/internal/parser"
)

const (
	DefaultPollInterval      = 300 * time.Millisecond
	DefaultIdleTick          = time.Second
	DefaultIdleThreshold     = 12 * time.Second
	DefaultRetryBackoff      = 2 * time.Second
	DefaultMaxSourcesPerTick = 16
	DefaultEventRingSize     = 1000

	// A line longer than this without a newline is discarded.
	maxRemainder = 8 << 20

	idleDetail    = "idle timeout"
	resumedDetail = "activity resumed"
)

type WatcherOptions struct {
	PollInterval      time.Duration
	IdleTick          time.Duration
	IdleThreshold     time.Duration
	RetryBackoff      time.Duration
	MaxSourcesPerTick int
	EventRingSize     int
	FailThreshold     int
	Runtime           event.Runtime
	// DisableFSNotify leaves polling as the only wakeup.
	DisableFSNotify bool
	Now             func() time.Time
}

func (o WatcherOptions) withDefaults() WatcherOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.IdleTick <= 0 {
		o.IdleTick = DefaultIdleTick
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = DefaultIdleThreshold
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.MaxSourcesPerTick <= 0 {
		o.MaxSourcesPerTick = DefaultMaxSourcesPerTick
	}
	if o.EventRingSize <= 0 {
		o.EventRingSize = DefaultEventRingSize
	}
	if o.FailThreshold <= 0 {
		o.FailThreshold = DefaultFailThreshold
	}
	if o.Runtime == "" {
		o.Runtime = event.RuntimeClaudeJSONL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Handlers receive watcher output. They are called from the watcher's
// goroutines, one at a time, and must not call back into the Watcher.
type Handlers struct {
	OnEvent func(event.Event)
	OnError func(path string, err error)
}

type source struct {
	path      string
	offset    int64
	remainder []byte
	retryAt   time.Time
	health    sourceHealth
}

// Watcher polls a set of append-only JSONL files. Each source is tailed from
// the size it had when first registered.
type Watcher struct {
	opts     WatcherOptions
	handlers Handlers

	// lifecycle serializes Start, SetPaths and Stop, including the wait
	// for the loops to exit.
	lifecycle sync.Mutex

	mu      sync.Mutex
	sources map[string]*source
	order   []string
	cursor  int
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	fsw     *fsnotify.Watcher
	dirs    map[string]bool
	wg      sync.WaitGroup

	polling atomic.Bool
	wake    chan struct{}

	// dispatch guards per-agent activity marks and the event ring, and
	// serializes handler calls.
	dispatch     sync.Mutex
	lastActivity map[string]int64
	idle         map[string]bool
	ring         []event.Event
}

func NewWatcher(opts WatcherOptions, handlers Handlers) *Watcher {
	return &Watcher{
		opts:         opts.withDefaults(),
		handlers:     handlers,
		sources:      map[string]*source{},
		dirs:         map[string]bool{},
		wake:         make(chan struct{}, 1),
		lastActivity: map[string]int64{},
		idle:         map[string]bool{},
	}
}

func normalizePaths(paths []string) []string {
	var out []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		out = append(out, p)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Start begins tailing paths and launches the poll and idle loops if they
// are not running yet. An empty path set stops the watcher. Loops that
// exited because an earlier ctx ended are relaunched under ctx, keeping
// the offsets of paths still present.
func (w *Watcher) Start(ctx context.Context, paths []string) {
	paths = normalizePaths(paths)
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if len(paths) == 0 {
		w.stop()
		return
	}

	w.mu.Lock()
	ended := w.running && w.runCtx.Err() != nil
	w.mu.Unlock()
	if ended {
		w.halt()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.syncSourcesLocked(paths)
	if w.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.running = true
	w.runCtx = ctx
	w.cancel = cancel
	if !w.opts.DisableFSNotify {
		w.startFSNotifyLocked(ctx)
	}

	w.wg.Add(2)
	go w.pollLoop(ctx)
	go w.idleLoop(ctx)
	log.Printf("[monitor] watching %d file(s)", len(paths))
}

// SetPaths replaces the watched set. Paths already tracked keep their
// offsets; new ones start at their current size.
func (w *Watcher) SetPaths(paths []string) {
	paths = normalizePaths(paths)
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if len(paths) == 0 {
		w.stop()
		return
	}
	w.mu.Lock()
	w.syncSourcesLocked(paths)
	w.mu.Unlock()
}

// Stop cancels both loops, waits for them, and forgets all source and
// activity state. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	w.stop()
}

func (w *Watcher) stop() {
	w.halt()

	w.mu.Lock()
	w.sources = map[string]*source{}
	w.order = nil
	w.cursor = 0
	w.mu.Unlock()

	w.dispatch.Lock()
	w.lastActivity = map[string]int64{}
	w.idle = map[string]bool{}
	w.dispatch.Unlock()
}

// halt cancels the loops and waits for them to exit. Sources and offsets
// are kept. The caller holds lifecycle.
func (w *Watcher) halt() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.running = false
	w.runCtx = nil
	fsw := w.fsw
	w.fsw = nil
	w.dirs = map[string]bool{}
	w.mu.Unlock()

	if fsw != nil {
		fsw.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) syncSourcesLocked(paths []string) {
	keep := make(map[string]bool, len(paths))
	for _, p := range paths {
		keep[p] = true
		if _, ok := w.sources[p]; ok {
			continue
		}
		var offset int64
		if info, err := os.Stat(p); err == nil {
			offset = info.Size()
		}
		w.sources[p] = &source{path: p, offset: offset}
	}
	for p := range w.sources {
		if !keep[p] {
			delete(w.sources, p)
		}
	}
	w.order = paths
	if w.cursor >= len(w.order) {
		w.cursor = 0
	}
	w.syncDirsLocked()
}

func (w *Watcher) syncDirsLocked() {
	if w.fsw == nil {
		return
	}
	want := map[string]bool{}
	for _, p := range w.order {
		want[filepath.Dir(p)] = true
	}
	for d := range w.dirs {
		if !want[d] {
			_ = w.fsw.Remove(d)
			delete(w.dirs, d)
		}
	}
	for d := range want {
		if w.dirs[d] {
			continue
		}
		if err := w.fsw.Add(d); err == nil {
			w.dirs[d] = true
		}
	}
}

func (w *Watcher) startFSNotifyLocked(ctx context.Context) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[monitor] fsnotify unavailable, polling only: %v", err)
		return
	}
	w.fsw = fsw
	w.syncDirsLocked()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		reported := false
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				w.mu.Lock()
				_, tracked := w.sources[ev.Name]
				w.mu.Unlock()
				if tracked {
					w.Wake()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				if !reported {
					log.Printf("[monitor] fsnotify error: %v", err)
					reported = true
				}
			}
		}
	}()
}

// Wake requests an early poll. It never blocks.
func (w *Watcher) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.PollOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.PollOnce()
		case <-w.wake:
			w.PollOnce()
		}
	}
}

func (w *Watcher) idleLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.IdleTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.IdleTick(w.opts.Now())
		}
	}
}

// PollOnce reads new bytes from up to MaxSourcesPerTick sources, round
// robin. It returns without doing anything if another poll is in flight.
func (w *Watcher) PollOnce() {
	if !w.polling.CompareAndSwap(false, true) {
		return
	}
	defer w.polling.Store(false)

	w.mu.Lock()
	n := min(w.opts.MaxSourcesPerTick, len(w.order))
	batch := make([]*source, 0, n)
	for i := 0; i < n; i++ {
		p := w.order[(w.cursor+i)%len(w.order)]
		batch = append(batch, w.sources[p])
	}
	if len(w.order) > 0 {
		w.cursor = (w.cursor + n) % len(w.order)
	}
	w.mu.Unlock()

	for _, src := range batch {
		lines, err := w.pollSource(src)
		if err != nil && w.handlers.OnError != nil {
			w.dispatch.Lock()
			w.handlers.OnError(src.path, err)
			w.dispatch.Unlock()
		}
		for _, line := range lines {
			ev, ok := parser.ParseLine(line, parser.Options{
				FallbackAgentID: agentIDFromPath(src.path),
				Runtime:         w.opts.Runtime,
				SourcePath:      src.path,
				Now:             w.opts.Now,
			})
			if ok {
				w.handle(ev)
			}
		}
	}
}

// pollSource returns the complete lines appended to src since the last
// read, and the read error when it starts a new failure episode.
func (w *Watcher) pollSource(src *source) ([][]byte, error) {
	now := w.opts.Now()

	w.mu.Lock()
	if w.sources[src.path] != src || now.Before(src.retryAt) {
		w.mu.Unlock()
		return nil, nil
	}
	offset := src.offset
	w.mu.Unlock()

	chunk, next, rotated, err := readDelta(src.path, offset)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sources[src.path] != src {
		return nil, nil
	}
	if err != nil {
		src.retryAt = now.Add(w.opts.RetryBackoff)
		if src.health.recordFailure(err, now) {
			return nil, err
		}
		return nil, nil
	}
	src.retryAt = time.Time{}
	src.health.recordSuccess(now)
	if rotated {
		src.remainder = nil
	}
	src.offset = next
	if len(chunk) == 0 {
		return nil, nil
	}

	data := append(src.remainder, chunk...)
	parts := bytes.Split(data, []byte{'\n'})
	rest := parts[len(parts)-1]
	if len(rest) > maxRemainder {
		log.Printf("[monitor] %s: dropping %s partial line", src.path, humanize.Bytes(uint64(len(rest))))
		rest = nil
	}
	src.remainder = bytes.Clone(rest)

	lines := make([][]byte, 0, len(parts)-1)
	for _, p := range parts[:len(parts)-1] {
		p = bytes.TrimSuffix(p, []byte{'\r'})
		if len(bytes.TrimSpace(p)) > 0 {
			lines = append(lines, p)
		}
	}
	return lines, nil
}

// readDelta reads path from offset to its current end and returns the new
// offset. A file smaller than offset was truncated or rotated and is read
// from the start.
func readDelta(path string, offset int64) (chunk []byte, next int64, rotated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, false, err
	}
	size := info.Size()
	if size < offset {
		offset = 0
		rotated = true
	}
	if size == offset {
		return nil, size, rotated, nil
	}

	buf := make([]byte, size-offset)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, offset, rotated, fmt.Errorf("reading %s: %w", path, err)
	}
	return buf[:n], offset + int64(n), rotated, nil
}

// handle records activity for ev and forwards it, synthesizing a resume
// event first when the agent had gone idle.
func (w *Watcher) handle(ev event.Event) {
	w.dispatch.Lock()
	defer w.dispatch.Unlock()

	if w.idle[ev.AgentID] && ev.Type != event.TurnActive {
		delete(w.idle, ev.AgentID)
		w.emitLocked(event.Event{
			Runtime:    ev.Runtime,
			AgentID:    ev.AgentID,
			TS:         ev.TS,
			Type:       event.TurnActive,
			SourcePath: ev.SourcePath,
			Detail:     resumedDetail,
		})
	}
	w.lastActivity[ev.AgentID] = ev.TS

	switch ev.Type {
	case event.TurnWaiting:
		w.idle[ev.AgentID] = true
	case event.TurnActive:
		delete(w.idle, ev.AgentID)
	}
	w.emitLocked(ev)
}

// IdleTick emits a turn_waiting event for every agent that has been quiet
// for at least the idle threshold and is not idle already.
func (w *Watcher) IdleTick(now time.Time) {
	w.dispatch.Lock()
	defer w.dispatch.Unlock()

	nowMs := now.UnixMilli()
	threshold := w.opts.IdleThreshold.Milliseconds()
	agents := make([]string, 0, len(w.lastActivity))
	for id := range w.lastActivity {
		agents = append(agents, id)
	}
	slices.Sort(agents)

	for _, id := range agents {
		if w.idle[id] || nowMs-w.lastActivity[id] < threshold {
			continue
		}
		w.idle[id] = true
		w.emitLocked(event.Event{
			Runtime: w.opts.Runtime,
			AgentID: id,
			TS:      nowMs,
			Type:    event.TurnWaiting,
			Detail:  idleDetail,
		})
	}
}

func (w *Watcher) emitLocked(ev event.Event) {
	w.ring = append(w.ring, ev)
	if over := len(w.ring) - w.opts.EventRingSize; over > 0 {
		w.ring = slices.Delete(w.ring, 0, over)
	}
	if w.handlers.OnEvent != nil {
		w.handlers.OnEvent(ev)
	}
}

// RecentEvents returns the last events emitted, oldest first.
func (w *Watcher) RecentEvents() []event.Event {
	w.dispatch.Lock()
	defer w.dispatch.Unlock()
	return slices.Clone(w.ring)
}

// Paths returns the watched paths in sorted order.
func (w *Watcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.order)
}

func (w *Watcher) Health() []SourceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]SourceStatus, 0, len(w.order))
	for _, p := range w.order {
		src := w.sources[p]
		out = append(out, src.health.snapshot(p, src.offset, w.opts.FailThreshold))
	}
	return out
}
