package cmd

import (
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/praybot/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("praybot doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — run: praybot onboard)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// State dir
	fmt.Println()
	fmt.Println("  State:")
	stateDir := cfg.StateDirPath()
	fmt.Printf("    %-14s %s", "Dir:", stateDir)
	if err := checkWritable(stateDir); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}
	checkSQLiteFile("Route DB:", cfg.RouteDBPath())
	checkSQLiteFile("Lifecycle DB:", cfg.LifecycleDBPath())
	checkFileStatus("Cron store:", cfg.CronStorePath())

	// Discord
	fmt.Println()
	fmt.Println("  Discord:")
	if cfg.Discord.Token != "" {
		fmt.Printf("    %-14s %s\n", "Token:", maskSecret(cfg.Discord.Token))
	} else {
		fmt.Printf("    %-14s (not configured)\n", "Token:")
	}
	fmt.Printf("    %-14s %s\n", "Guild:", orNone(cfg.Discord.GuildID))
	fmt.Printf("    %-14s %s\n", "Fallback:", orNone(cfg.Discord.FallbackChannel))

	// Agent backends
	fmt.Println()
	fmt.Println("  Agent CLIs:")
	checkBinary(orDefault(cfg.Providers.Claude.Binary, "claude"))
	checkBinary(orDefault(cfg.Providers.Codex.Binary, "codex"))

	// Transcript roots
	fmt.Println()
	fmt.Println("  Transcript roots:")
	for _, home := range cfg.Monitor.ClaudeHomes {
		checkDir(config.ExpandHome(home))
	}
	checkDir(config.ExpandHome(cfg.Monitor.CodexHome))

	// Running hub
	fmt.Println()
	fmt.Printf("  Hub:      http://%s", resolveHubAddr())
	var health struct {
		Status string `json:"status"`
	}
	if err := hubRequest("GET", "/health", nil, &health); err != nil {
		fmt.Println(" (NOT RUNNING)")
	} else {
		fmt.Printf(" (%s)\n", health.Status)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkWritable proves write access by creating and removing a probe file.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return err
	}
	return os.Remove(probe)
}

// checkSQLiteFile opens an existing database read-only and pings it. A
// missing file is fine: the hub creates it on first start.
func checkSQLiteFile(label, path string) {
	fmt.Printf("    %-14s %s", label, path)
	if _, err := os.Stat(path); err != nil {
		fmt.Println(" (not created yet)")
		return
	}
	db, err := sql.Open("sqlite", path)
	if err == nil {
		err = db.Ping()
		db.Close()
	}
	if err != nil {
		fmt.Printf(" (OPEN FAILED: %s)\n", err)
		return
	}
	fmt.Println(" (OK)")
}

func checkFileStatus(label, path string) {
	fmt.Printf("    %-14s %s", label, path)
	if _, err := os.Stat(path); err != nil {
		fmt.Println(" (not created yet)")
	} else {
		fmt.Println(" (OK)")
	}
}

func checkDir(path string) {
	fmt.Printf("    %-40s", path)
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		fmt.Println(" NOT FOUND")
	} else {
		fmt.Println(" OK")
	}
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-14s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-14s %s\n", name+":", path)
	}
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

func orNone(s string) string {
	if s == "" {
		return "(not configured)"
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
