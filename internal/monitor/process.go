package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessSummary counts live agent runtime processes and samples this
// server's own resource use.
type ProcessSummary struct {
	Runtimes       map[string]int `json:"runtimes"`
	SelfPID        int            `json:"selfPid"`
	SelfRSSBytes   uint64         `json:"selfRssBytes"`
	SelfCPUPercent float64        `json:"selfCpuPercent"`
}

var runtimeExecutables = map[string]string{
	"claude":      "claude",
	"claude-code": "claude",
	"codex":       "codex",
	"gemini":      "gemini",
}

// runtimeForCmdline returns the agent runtime a command line belongs to, or
// "" when it is not one.
func runtimeForCmdline(args []string) string {
	if len(args) == 0 {
		return ""
	}
	exe := filepath.Base(args[0])
	if rt, ok := runtimeExecutables[exe]; ok {
		return rt
	}
	if exe != "node" && exe != "bun" {
		return ""
	}
	// Script runtimes: match the entry point, not helpers under .bin.
	for _, arg := range args[1:] {
		if strings.Contains(arg, "node_modules/.bin") {
			continue
		}
		for name, rt := range runtimeExecutables {
			if strings.Contains(arg, name) {
				return rt
			}
		}
	}
	return ""
}

// ProbeProcesses scans the process table. Processes that vanish or deny
// access mid-scan are skipped.
func ProbeProcesses(ctx context.Context) (ProcessSummary, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return ProcessSummary{}, fmt.Errorf("listing processes: %w", err)
	}

	sum := ProcessSummary{Runtimes: map[string]int{}, SelfPID: os.Getpid()}
	for _, p := range procs {
		if int(p.Pid) == sum.SelfPID {
			continue
		}
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}
		if rt := runtimeForCmdline(args); rt != "" {
			sum.Runtimes[rt]++
		}
	}

	self, err := process.NewProcessWithContext(ctx, int32(sum.SelfPID))
	if err != nil {
		return sum, nil
	}
	if mem, err := self.MemoryInfoWithContext(ctx); err == nil {
		sum.SelfRSSBytes = mem.RSS
	}
	if cpu, err := self.CPUPercentWithContext(ctx); err == nil {
		sum.SelfCPUPercent = cpu
	}
	return sum, nil
}
