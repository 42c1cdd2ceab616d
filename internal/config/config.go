package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Store     StoreConfig     `yaml:"store"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Teams     TeamsConfig     `yaml:"teams"`
	Zones     ZonesConfig     `yaml:"zones"`
	Branch    BranchConfig    `yaml:"branch"`
	Debug     DebugConfig     `yaml:"debug"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	// AuthToken, when set, is required on /ws and /api requests.
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type MonitorConfig struct {
	// Workspace is the project root. Empty means the current directory.
	Workspace string `yaml:"workspace"`
	// Paths are explicit JSONL files or directories; empty means scan the
	// workspace's Claude transcript directory.
	Paths             []string      `yaml:"paths"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	IdleTick          time.Duration `yaml:"idle_tick"`
	IdleThreshold     time.Duration `yaml:"idle_threshold"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	MaxSourcesPerTick int           `yaml:"max_sources_per_tick"`
	MaxTrackedFiles   int           `yaml:"max_tracked_files"`
	EventRingSize     int           `yaml:"event_ring_size"`
	RescanInterval    time.Duration `yaml:"rescan_interval"`
	ActiveWindow      time.Duration `yaml:"active_window"`
}

type StoreConfig struct {
	CompletedIdle        time.Duration `yaml:"completed_idle"`
	Retention            time.Duration `yaml:"retention"`
	FeedLimit            int           `yaml:"feed_limit"`
	MaxPendingToolStarts int           `yaml:"max_pending_tool_starts"`
	GrowthLevelSpan      int64         `yaml:"growth_level_span"`
}

type BroadcastConfig struct {
	FlushInterval    time.Duration `yaml:"flush_interval"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	QueueLimit       int           `yaml:"queue_limit"`
	// MaxConnections caps websocket clients; 0 means unlimited.
	MaxConnections int `yaml:"max_connections"`
}

type TeamsConfig struct {
	// ConfigPath points at the JSONC team rules file. Relative paths
	// resolve against the workspace.
	ConfigPath string `yaml:"config_path"`
}

type ZoneGlob struct {
	Pattern string `yaml:"pattern"`
	Zone    string `yaml:"zone"`
}

type ZonesConfig struct {
	Enabled bool       `yaml:"enabled"`
	Order   []string   `yaml:"order"`
	Globs   []ZoneGlob `yaml:"globs"`
}

type BranchConfig struct {
	Enabled               bool     `yaml:"enabled"`
	MainBranchNames       []string `yaml:"main_branch_names"`
	ExcludeAgentIDPattern string   `yaml:"exclude_agent_id_pattern"`
}

type DebugConfig struct {
	UnmappedSkillLog     bool   `yaml:"unmapped_skill_log"`
	UnmappedSkillLogPath string `yaml:"unmapped_skill_log_path"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Monitor: MonitorConfig{
			PollInterval:      300 * time.Millisecond,
			IdleTick:          time.Second,
			IdleThreshold:     12 * time.Second,
			RetryBackoff:      2 * time.Second,
			MaxSourcesPerTick: 16,
			MaxTrackedFiles:   48,
			EventRingSize:     1000,
			RescanInterval:    5 * time.Second,
			ActiveWindow:      30 * time.Minute,
		},
		Store: StoreConfig{
			CompletedIdle:        30 * time.Second,
			Retention:            3 * time.Minute,
			FeedLimit:            200,
			MaxPendingToolStarts: 256,
			GrowthLevelSpan:      35,
		},
		Broadcast: BroadcastConfig{
			FlushInterval:    40 * time.Millisecond,
			SnapshotInterval: 5 * time.Second,
			QueueLimit:       1000,
		},
		Teams: TeamsConfig{
			ConfigPath: "config/.agent-teams.json",
		},
		Zones: ZonesConfig{
			Enabled: true,
			Order:   []string{"src", "apps", "packages", "infra", "scripts", "docs", "tests", "etc"},
		},
		Branch: BranchConfig{
			Enabled:         true,
			MainBranchNames: []string{"main", "master", "trunk"},
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Validate rejects non-positive intervals and limits.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	atLeastOne := func(name string, n int64) {
		if n < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", name, n))
		}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	positive("monitor.poll_interval", c.Monitor.PollInterval)
	positive("monitor.idle_tick", c.Monitor.IdleTick)
	positive("monitor.idle_threshold", c.Monitor.IdleThreshold)
	positive("monitor.retry_backoff", c.Monitor.RetryBackoff)
	positive("monitor.rescan_interval", c.Monitor.RescanInterval)
	positive("monitor.active_window", c.Monitor.ActiveWindow)
	atLeastOne("monitor.max_sources_per_tick", int64(c.Monitor.MaxSourcesPerTick))
	atLeastOne("monitor.max_tracked_files", int64(c.Monitor.MaxTrackedFiles))
	atLeastOne("monitor.event_ring_size", int64(c.Monitor.EventRingSize))
	positive("store.completed_idle", c.Store.CompletedIdle)
	positive("store.retention", c.Store.Retention)
	atLeastOne("store.feed_limit", int64(c.Store.FeedLimit))
	atLeastOne("store.max_pending_tool_starts", int64(c.Store.MaxPendingToolStarts))
	atLeastOne("store.growth_level_span", c.Store.GrowthLevelSpan)
	positive("broadcast.flush_interval", c.Broadcast.FlushInterval)
	positive("broadcast.snapshot_interval", c.Broadcast.SnapshotInterval)
	atLeastOne("broadcast.queue_limit", int64(c.Broadcast.QueueLimit))
	if c.Broadcast.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("broadcast.max_connections must not be negative, got %d", c.Broadcast.MaxConnections))
	}
	for i, g := range c.Zones.Globs {
		if g.Pattern == "" || g.Zone == "" {
			errs = append(errs, fmt.Errorf("zones.globs[%d] needs both pattern and zone", i))
		}
	}
	return errors.Join(errs...)
}

// GenerateToken returns a random 16-byte token, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Diff lists the settings that differ between two configs in the
// settings that can change without a restart.
func Diff(old, new *Config) []string {
	var changes []string
	add := func(key string, a, b any) {
		changes = append(changes, fmt.Sprintf("%s: %v → %v", key, a, b))
	}
	eqStrings := func(key string, a, b []string) {
		if !slices.Equal(a, b) {
			add(key, fmtList(a), fmtList(b))
		}
	}

	eqStrings("monitor.paths", old.Monitor.Paths, new.Monitor.Paths)
	if old.Teams.ConfigPath != new.Teams.ConfigPath {
		add("teams.config_path", old.Teams.ConfigPath, new.Teams.ConfigPath)
	}
	if old.Branch.Enabled != new.Branch.Enabled {
		add("branch.enabled", old.Branch.Enabled, new.Branch.Enabled)
	}
	eqStrings("branch.main_branch_names", old.Branch.MainBranchNames, new.Branch.MainBranchNames)
	if old.Branch.ExcludeAgentIDPattern != new.Branch.ExcludeAgentIDPattern {
		add("branch.exclude_agent_id_pattern", old.Branch.ExcludeAgentIDPattern, new.Branch.ExcludeAgentIDPattern)
	}
	if old.Debug.UnmappedSkillLog != new.Debug.UnmappedSkillLog {
		add("debug.unmapped_skill_log", old.Debug.UnmappedSkillLog, new.Debug.UnmappedSkillLog)
	}
	if old.Debug.UnmappedSkillLogPath != new.Debug.UnmappedSkillLogPath {
		add("debug.unmapped_skill_log_path", old.Debug.UnmappedSkillLogPath, new.Debug.UnmappedSkillLogPath)
	}
	return changes
}

func fmtList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	return fmt.Sprint(v)
}
