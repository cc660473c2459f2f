package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/praybot/internal/cron"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs on the running hub",
	}
	cmd.PersistentFlags().StringVar(&hubAddr, "addr", "", "hub address (default from config)")

	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronStatusCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRemoveCmd())
	cmd.AddCommand(cronRunCmd())
	cmd.AddCommand(cronEnableCmd(true))
	cmd.AddCommand(cronEnableCmd(false))
	cmd.AddCommand(cronRunsCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Jobs []cron.Job `json:"jobs"`
			}
			if err := hubRequest("GET", "/api/cron/jobs", nil, &resp); err != nil {
				return err
			}
			if len(resp.Jobs) == 0 {
				fmt.Println("No jobs.")
				return nil
			}
			for _, j := range resp.Jobs {
				state := "enabled"
				if !j.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s  %-20s %-9s %-12s next=%s last=%s\n",
					j.ID, j.Name, state, describeSchedule(j.Schedule),
					formatMs(j.State.NextRunAtMs), formatLastRun(j.State))
			}
			return nil
		},
	}
}

func cronStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status cron.ServiceStatus
			if err := hubRequest("GET", "/api/cron/status", nil, &status); err != nil {
				return err
			}
			fmt.Printf("running:  %v\n", status.Running)
			fmt.Printf("jobs:     %d (%d enabled)\n", status.Jobs, status.Enabled)
			fmt.Printf("next run: %s\n", formatMs(status.NextRunAtMs))
			return nil
		},
	}
}

func cronAddCmd() *cobra.Command {
	var (
		name        string
		description string
		every       time.Duration
		at          string
		cronExpr    string
		tz          string
		actionType  string
		configJSON  string
		timeout     time.Duration
		oneShot     bool
		disabled    bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job",
		Example: `  praybot cron add --name standup --cron "0 9 * * 1-5" --action chat_message \
      --config '{"message":"standup time","channel_id":"123"}'
  praybot cron add --name poke --every 30m --action agent_prompt \
      --config '{"provider":"claude","session_id":"abc","text":"continue"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			schedule, err := buildSchedule(every, at, cronExpr, tz)
			if err != nil {
				return err
			}
			actionConfig := map[string]any{}
			if configJSON != "" {
				if err := json.Unmarshal([]byte(configJSON), &actionConfig); err != nil {
					return fmt.Errorf("invalid --config JSON: %w", err)
				}
			}
			payload := map[string]any{
				"name":        name,
				"description": description,
				"enabled":     !disabled,
				"schedule":    schedule,
				"action":      cron.Action{Type: actionType, Config: actionConfig},
			}
			if oneShot {
				payload["deleteAfterRun"] = true
			}
			if timeout > 0 {
				payload["timeoutMs"] = timeout.Milliseconds()
			}
			var job cron.Job
			if err := hubRequest("POST", "/api/cron/jobs", payload, &job); err != nil {
				return err
			}
			fmt.Printf("Added job %s (%s), next run %s\n", job.ID, job.Name, formatMs(job.State.NextRunAtMs))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&description, "description", "", "job description")
	cmd.Flags().DurationVar(&every, "every", 0, "run on a fixed interval, e.g. 30m")
	cmd.Flags().StringVar(&at, "at", "", "run once at an RFC 3339 time")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "run on a cron expression")
	cmd.Flags().StringVar(&tz, "tz", "", "time zone for --cron, e.g. Europe/Berlin")
	cmd.Flags().StringVar(&actionType, "action", cron.ActionShell, "action type: shell, chat_message, or agent_prompt")
	cmd.Flags().StringVar(&configJSON, "config", "", "action config as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-run timeout (default 30s)")
	cmd.Flags().BoolVar(&oneShot, "delete-after-run", false, "remove the job after its first run")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the job disabled")
	return cmd
}

// buildSchedule maps the mutually exclusive schedule flags onto the wire
// schema.
func buildSchedule(every time.Duration, at, cronExpr, tz string) (cron.Schedule, error) {
	set := 0
	if every > 0 {
		set++
	}
	if at != "" {
		set++
	}
	if cronExpr != "" {
		set++
	}
	if set != 1 {
		return cron.Schedule{}, fmt.Errorf("exactly one of --every, --at, --cron is required")
	}
	switch {
	case every > 0:
		return cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: every.Milliseconds()}, nil
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("invalid --at time (want RFC 3339): %w", err)
		}
		return cron.Schedule{Kind: cron.ScheduleAt, AtMs: t.UnixMilli()}, nil
	default:
		return cron.Schedule{Kind: cron.ScheduleCron, Expr: cronExpr, TZ: tz}, nil
	}
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a job and its run log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := hubRequest("DELETE", "/api/cron/jobs/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Removed job %s\n", args[0])
			return nil
		},
	}
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run a job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job cron.Job
			if err := hubRequest("POST", "/api/cron/jobs/"+args[0]+"/run", nil, &job); err != nil {
				return err
			}
			fmt.Printf("Job %s finished: %s", job.ID, job.State.LastStatus)
			if job.State.LastError != "" {
				fmt.Printf(" (%s)", job.State.LastError)
			}
			fmt.Printf(" in %dms\n", job.State.LastDurationMs)
			return nil
		},
	}
}

func cronEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <job-id>", "Enable a job"
	if !enable {
		use, short = "disable <job-id>", "Disable a job"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job cron.Job
			payload := map[string]any{"enabled": enable}
			if err := hubRequest("PATCH", "/api/cron/jobs/"+args[0], payload, &job); err != nil {
				return err
			}
			state := "disabled"
			if job.Enabled {
				state = "enabled"
			}
			fmt.Printf("Job %s %s, next run %s\n", job.ID, state, formatMs(job.State.NextRunAtMs))
			return nil
		},
	}
}

func cronRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <job-id>",
		Short: "Show a job's recent runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Runs []cron.RunEntry `json:"runs"`
			}
			path := fmt.Sprintf("/api/cron/jobs/%s/runs?limit=%d", args[0], limit)
			if err := hubRequest("GET", path, nil, &resp); err != nil {
				return err
			}
			if len(resp.Runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}
			for _, r := range resp.Runs {
				line := fmt.Sprintf("%s  %-8s %-8s %dms", formatMs(r.AtMs), r.Trigger, r.Status, r.DurationMs)
				if r.Error != "" {
					line += "  " + r.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.ScheduleEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case cron.ScheduleAt:
		return "at " + formatMs(s.AtMs)
	case cron.ScheduleCron:
		if s.TZ != "" {
			return fmt.Sprintf("cron %q %s", s.Expr, s.TZ)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	default:
		return s.Kind
	}
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func formatLastRun(st cron.JobState) string {
	if st.LastRunAtMs == 0 {
		return "-"
	}
	out := fmt.Sprintf("%s %s", st.LastStatus, formatMs(st.LastRunAtMs))
	if st.LastError != "" {
		out += " (" + st.LastError + ")"
	}
	return out
}
