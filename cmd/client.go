package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/praybot/internal/config"
)

// hubAddr is the --addr override shared by the commands that talk to a
// running hub.
var hubAddr string

// apiClient keeps CLI calls from hanging on a dead hub.
var apiClient = &http.Client{Timeout: 15 * time.Second}

// resolveHubAddr returns the host:port of the hub this CLI should talk
// to. A wildcard bind address in the config is dialed via loopback.
func resolveHubAddr() string {
	if hubAddr != "" {
		return hubAddr
	}
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "127.0.0.1:4488"
	}
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)
}

func hubURL(path string) string {
	return "http://" + resolveHubAddr() + path
}

// hubRequest performs one API call against the running hub and decodes
// the JSON answer into out (skipped when out is nil). Non-2xx answers
// surface the hub's error field.
func hubRequest(method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, hubURL(path), body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("hub unreachable at %s (is praybot running?): %w", resolveHubAddr(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("hub error: %s", apiErr.Error)
		}
		return fmt.Errorf("hub error: %s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
