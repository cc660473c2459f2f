// Package config loads the hub configuration: a JSON5 file under the
// state directory with PRAY_BOT_* environment overlays on top.
package config

import (
	"os"
	"path/filepath"
)

// Config is the root configuration for the pray-bot hub.
type Config struct {
	// StateDir holds everything the hub persists: config, cron store,
	// route database, lifecycle stream, thread exports.
	StateDir string `json:"state_dir,omitempty"`

	Discord   DiscordConfig   `json:"discord"`
	Gateway   GatewayConfig   `json:"gateway"`
	Monitor   MonitorConfig   `json:"monitor,omitempty"`
	Discovery DiscoveryConfig `json:"discovery,omitempty"`
	Providers ProvidersConfig `json:"providers,omitempty"`
	Throttle  ThrottleConfig  `json:"throttle,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
}

// DiscordConfig identifies the bot and its home guild.
type DiscordConfig struct {
	// Token prefers the PRAY_BOT_DISCORD_TOKEN env var over the file value.
	Token   string `json:"token,omitempty"`
	GuildID string `json:"guild_id,omitempty"`
	// FallbackChannel receives threads for sessions whose project path
	// matches no registry entry.
	FallbackChannel string `json:"fallback_channel,omitempty"`
}

// GatewayConfig configures the HTTP surface.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// HookRatePerSec throttles POST /api/hook ingress. Zero uses the
	// handler default.
	HookRatePerSec float64 `json:"hook_rate_per_sec,omitempty"`
}

// MonitorConfig locates the transcript roots.
type MonitorConfig struct {
	ClaudeHomes     []string `json:"claude_homes,omitempty"` // default ~/.claude, ~/.claude-silba
	CodexHome       string   `json:"codex_home,omitempty"`   // default ~/.codex
	RefreshInterval string   `json:"refresh_interval,omitempty"`
}

// DiscoveryConfig tunes auto-thread creation.
type DiscoveryConfig struct {
	TargetStates    []string `json:"target_states,omitempty"`
	ExcludePrefixes []string `json:"exclude_prefixes,omitempty"`
	// ChannelsFile maps project paths to parent channel ids. Overridden
	// by PRAY_BOT_CHANNELS_FILE.
	ChannelsFile string `json:"channels_file,omitempty"`
	// Channels is an inline registry used when no file is configured.
	Channels      map[string]string `json:"channels,omitempty"`
	WatchInterval string            `json:"watch_interval,omitempty"`
}

// ProvidersConfig configures the agent backends.
type ProvidersConfig struct {
	Claude ClaudeProviderConfig `json:"claude,omitempty"`
	Codex  CodexProviderConfig  `json:"codex,omitempty"`
}

// ClaudeProviderConfig configures the CLI subprocess adapter.
type ClaudeProviderConfig struct {
	Binary string `json:"binary,omitempty"` // default "claude"
	// MaxConcurrent caps parallel CLI turns. CLAUDE_MAX_CONCURRENT wins.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// CodexProviderConfig configures the app-server adapter.
type CodexProviderConfig struct {
	Binary string   `json:"binary,omitempty"` // default "codex"
	Args   []string `json:"args,omitempty"`   // default ["app-server"]
}

// ThrottleConfig tunes the outbound chat pipeline. Zero values take the
// queue defaults.
type ThrottleConfig struct {
	MergeWindowMs   int `json:"merge_window_ms,omitempty"`
	ChannelMaxQueue int `json:"channel_max_queue,omitempty"`
	ChannelLimit    int `json:"channel_limit,omitempty"`
	ChannelWindowMs int `json:"channel_window_ms,omitempty"`
	GlobalLimit     int `json:"global_limit,omitempty"`
	GlobalWindowMs  int `json:"global_window_ms,omitempty"`
}

// TelemetryConfig configures OpenTelemetry trace export. When disabled the
// hub installs a no-op tracer.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "pray-bot"
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener. Auth key from
// env only, never persisted.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // PRAY_BOT_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// Default returns a Config with the hub defaults.
func Default() *Config {
	return &Config{
		StateDir: "~/.pray-bot",
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 4488,
		},
		Monitor: MonitorConfig{
			ClaudeHomes: []string{"~/.claude", "~/.claude-silba"},
			CodexHome:   "~/.codex",
		},
		Providers: ProvidersConfig{
			Claude: ClaudeProviderConfig{Binary: "claude"},
			Codex:  CodexProviderConfig{Binary: "codex", Args: []string{"app-server"}},
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "pray-bot",
		},
	}
}

// DefaultPath is the config file location under the default state dir.
func DefaultPath() string {
	return filepath.Join(ExpandHome("~/.pray-bot"), "config.json")
}

// StateDirPath returns the expanded state directory.
func (c *Config) StateDirPath() string { return ExpandHome(c.StateDir) }

// StatePath joins elem under the state directory.
func (c *Config) StatePath(elem ...string) string {
	return filepath.Join(append([]string{c.StateDirPath()}, elem...)...)
}

// Derived state file locations. Single source of truth so the CLI and the
// hub agree on the layout.
func (c *Config) CronStorePath() string      { return c.StatePath("cron", "jobs.json") }
func (c *Config) RouteDBPath() string        { return c.StatePath("deploy.db") }
func (c *Config) LifecycleDBPath() string    { return c.StatePath("lifecycle-stream.db") }
func (c *Config) LifecycleJSONLPath() string { return c.StatePath("lifecycle.jsonl") }
func (c *Config) AutoThreadsPath() string    { return c.StatePath("auto-threads.json") }
func (c *Config) WatchStatePath() string     { return c.StatePath("auto-thread-watch-state.json") }

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
