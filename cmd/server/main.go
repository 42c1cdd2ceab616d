package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jsleemaster/ranch-agent/internal/classify"
	"github.com/jsleemaster/ranch-agent/internal/config"
	"github.com/jsleemaster/ranch-agent/internal/debuglog"
	"github.com/jsleemaster/ranch-agent/internal/enrich"
	"github.com/jsleemaster/ranch-agent/internal/event"
	"github.com/jsleemaster/ranch-agent/internal/mock"
	"github.com/jsleemaster/ranch-agent/internal/monitor"
	"github.com/jsleemaster/ranch-agent/internal/pipeline"
	"github.com/jsleemaster/ranch-agent/internal/snapshot"
	"github.com/jsleemaster/ranch-agent/internal/ws"
	"github.com/spf13/pflag"
)

type flags struct {
	configPath string
	port       int
	workspace  string
	paths      []string
	mock       bool
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("%v", err)
	}
}

func run() error {
	var f flags
	flagSet := pflag.NewFlagSet("ranch-agent", pflag.ContinueOnError)
	flagSet.StringVar(&f.configPath, "config", "config.yaml", "path to config file")
	flagSet.IntVar(&f.port, "port", 0, "override server port")
	flagSet.StringVar(&f.workspace, "workspace", "", "project root (default: current directory)")
	flagSet.StringArrayVar(&f.paths, "path", nil, "JSONL file or directory to watch (repeatable)")
	flagSet.BoolVar(&f.mock, "mock", false, "emit synthetic agent activity instead of watching transcripts")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	f.apply(cfg)

	workspace, err := resolveWorkspace(cfg.Monitor.Workspace)
	if err != nil {
		return err
	}

	if cfg.Server.AuthToken == "" && !isLoopback(cfg.Server.Host) {
		token, err := config.GenerateToken()
		if err != nil {
			return fmt.Errorf("generating auth token: %w", err)
		}
		cfg.Server.AuthToken = token
		log.Printf("[server] listening beyond loopback; generated auth token %s", token)
	}

	teams := classify.NewTeamResolver(resolveIn(workspace, cfg.Teams.ConfigPath))
	storeOpts := snapshot.Options{
		Teams:                teams,
		FeedLimit:            cfg.Store.FeedLimit,
		MaxPendingToolStarts: cfg.Store.MaxPendingToolStarts,
		GrowthLevelSpan:      cfg.Store.GrowthLevelSpan,
		CompletedIdle:        cfg.Store.CompletedIdle,
		Retention:            cfg.Store.Retention,
	}
	var zones *classify.ZoneMapper
	if cfg.Zones.Enabled {
		zones, err = classify.NewZoneMapper(workspace, cfg.Zones.Order, zoneRules(cfg.Zones.Globs))
		if err != nil {
			return fmt.Errorf("zone globs: %w", err)
		}
		storeOpts.Zones = zones
	}
	store := snapshot.NewStore(storeOpts)

	catalog := enrich.NewCatalog(workspace)
	branch := enrich.NewBranchResolver(workspace, branchSettings(cfg.Branch))
	unmapped := debuglog.New(debuglog.ResolvePath(workspace, cfg.Debug.UnmappedSkillLogPath), cfg.Debug.UnmappedSkillLog)
	defer unmapped.Close()

	pipeOpts := pipeline.Options{
		Enrichers:      []pipeline.Enricher{branch, catalog},
		Catalog:        catalog,
		Unmapped:       unmapped,
		Discover:       discoverOptions(cfg, workspace),
		RescanInterval: cfg.Monitor.RescanInterval,
	}
	if zones != nil {
		pipeOpts.Zones = zones
	}

	var p *pipeline.Pipeline
	var watcher *monitor.Watcher
	if !f.mock {
		watcher = monitor.NewWatcher(monitor.WatcherOptions{
			PollInterval:      cfg.Monitor.PollInterval,
			IdleTick:          cfg.Monitor.IdleTick,
			IdleThreshold:     cfg.Monitor.IdleThreshold,
			RetryBackoff:      cfg.Monitor.RetryBackoff,
			MaxSourcesPerTick: cfg.Monitor.MaxSourcesPerTick,
			EventRingSize:     cfg.Monitor.EventRingSize,
		}, monitor.Handlers{
			OnEvent: func(ev event.Event) { p.HandleEvent(ev) },
			OnError: func(path string, err error) { p.HandleError(path, err) },
		})
		pipeOpts.Watcher = watcher
	}
	p = pipeline.New(store, pipeOpts)

	broadcaster := ws.NewBroadcaster(p, ws.Options{
		FlushInterval:    cfg.Broadcast.FlushInterval,
		SnapshotInterval: cfg.Broadcast.SnapshotInterval,
		QueueLimit:       cfg.Broadcast.QueueLimit,
		MaxConnections:   cfg.Broadcast.MaxConnections,
	})
	defer broadcaster.Stop()
	p.SetSink(broadcaster)

	server := ws.NewServer(p, broadcaster, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := catalog.WatchReload(ctx); err != nil {
			log.Printf("[catalog] live reload disabled: %v", err)
		}
	}()

	if f.mock {
		log.Println("[server] starting in mock mode")
		mock.NewGenerator(func(ev event.Event) { p.HandleEvent(ev) }).Start(ctx)
	} else {
		log.Printf("[server] starting in real mode, workspace %s", workspace)
		defer watcher.Stop()
		go p.RunRescan(ctx)
	}

	host, port := cfg.Server.Host, cfg.Server.Port
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig != syscall.SIGHUP {
				log.Println("[server] shutting down...")
				cancel()
				return
			}
			next, err := config.LoadOrDefault(f.configPath)
			if err != nil {
				log.Printf("[config] reload failed, keeping current settings: %v", err)
				continue
			}
			f.apply(next)
			next.Server.AuthToken = cfg.Server.AuthToken
			reload(ctx, cfg, next, reloadTargets{workspace, teams, branch, unmapped, p})
			cfg = next
		}
	}()

	return ws.ListenAndServe(ctx, host, port, mux)
}

// apply lets command-line flags override the config file.
func (f flags) apply(cfg *config.Config) {
	if f.port > 0 {
		cfg.Server.Port = f.port
	}
	if f.workspace != "" {
		cfg.Monitor.Workspace = f.workspace
	}
	if len(f.paths) > 0 {
		cfg.Monitor.Paths = f.paths
	}
}

type reloadTargets struct {
	workspace string
	teams     *classify.TeamResolver
	branch    *enrich.BranchResolver
	unmapped  *debuglog.Logger
	pipeline  *pipeline.Pipeline
}

// reload applies the settings that can change without a restart. Team
// rules are always re-read since the rules file may have been edited.
func reload(ctx context.Context, old, next *config.Config, t reloadTargets) {
	changes := config.Diff(old, next)
	for _, c := range changes {
		log.Printf("[config] %s", c)
	}

	if err := t.teams.SetPath(resolveIn(t.workspace, next.Teams.ConfigPath)); err != nil {
		log.Printf("[teams] %v, using fallback team", err)
	}
	t.branch.UpdateSettings(branchSettings(next.Branch))
	t.unmapped.SetEnabled(next.Debug.UnmappedSkillLog)
	if old.Debug.UnmappedSkillLogPath != next.Debug.UnmappedSkillLogPath {
		log.Printf("[config] debug.unmapped_skill_log_path takes effect after restart")
	}
	t.pipeline.SetDiscover(discoverOptions(next, t.workspace))
	t.pipeline.Rescan(ctx)

	if len(changes) == 0 {
		log.Printf("[config] reloaded, no setting changes")
	}
}

func discoverOptions(cfg *config.Config, workspace string) monitor.DiscoverOptions {
	return monitor.DiscoverOptions{
		Workspace:       workspace,
		Paths:           cfg.Monitor.Paths,
		ActiveWindow:    cfg.Monitor.ActiveWindow,
		MaxTrackedFiles: cfg.Monitor.MaxTrackedFiles,
	}
}

func branchSettings(b config.BranchConfig) enrich.BranchSettings {
	return enrich.BranchSettings{
		Enabled:               b.Enabled,
		MainBranchNames:       b.MainBranchNames,
		ExcludeAgentIDPattern: b.ExcludeAgentIDPattern,
	}
}

func zoneRules(globs []config.ZoneGlob) []classify.ZoneRule {
	rules := make([]classify.ZoneRule, 0, len(globs))
	for _, g := range globs {
		rules = append(rules, classify.ZoneRule{Pattern: g.Pattern, Zone: g.Zone})
	}
	return rules
}

func resolveWorkspace(configured string) (string, error) {
	if configured == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving workspace: %w", err)
		}
		return cwd, nil
	}
	return filepath.Abs(configured)
}

func resolveIn(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
