package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads the config file (JSON5: comments and trailing commas are
// fine), then overlays env vars. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays PRAY_BOT_* env vars. Env wins over the file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("PRAY_BOT_STATE_DIR", &c.StateDir)
	envStr("PRAY_BOT_DISCORD_TOKEN", &c.Discord.Token)
	envStr("PRAY_BOT_GUILD_ID", &c.Discord.GuildID)
	envStr("PRAY_BOT_FALLBACK_CHANNEL", &c.Discord.FallbackChannel)
	envStr("PRAY_BOT_CHANNELS_FILE", &c.Discovery.ChannelsFile)

	envStr("PRAY_BOT_HOST", &c.Gateway.Host)
	if v := os.Getenv("PRAY_BOT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("PRAY_BOT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("PRAY_BOT_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("PRAY_BOT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("PRAY_BOT_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PRAY_BOT_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	envStr("PRAY_BOT_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("PRAY_BOT_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("PRAY_BOT_TSNET_DIR", &c.Tailscale.StateDir)
}

// Save writes the config file with owner-only permissions; the Discord
// token lives in it.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

const secretMask = "***"

// MaskedCopy returns a deep copy with secret fields masked, for
// `praybot config show` and any other external surface.
func (c *Config) MaskedCopy() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Discord.Token)
	maskNonEmpty(&cp.Tailscale.AuthKey)
	for k, v := range cp.Telemetry.Headers {
		if v != "" {
			cp.Telemetry.Headers[k] = secretMask
		}
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
