package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// nextRun computes the next fire time in unix ms, or 0 when the schedule has
// no future firing (an elapsed one-shot).
func nextRun(j *Job, now time.Time) (int64, error) {
	nowMs := now.UnixMilli()
	switch j.Schedule.Kind {
	case ScheduleAt:
		if j.Schedule.AtMs > nowMs {
			return j.Schedule.AtMs, nil
		}
		return 0, nil

	case ScheduleEvery:
		anchor := j.Schedule.AnchorMs
		if anchor == 0 {
			anchor = j.State.NextRunAtMs
		}
		if anchor == 0 {
			anchor = j.State.LastRunAtMs
		}
		if anchor == 0 {
			anchor = j.CreatedAtMs
		}
		every := j.Schedule.EveryMs
		if nowMs < anchor {
			return anchor, nil
		}
		return anchor + ((nowMs-anchor)/every+1)*every, nil

	case ScheduleCron:
		ref := now
		if j.Schedule.TZ != "" {
			loc, err := time.LoadLocation(j.Schedule.TZ)
			if err != nil {
				return 0, fmt.Errorf("load tz %q: %w", j.Schedule.TZ, err)
			}
			ref = now.In(loc)
		}
		next, err := gronx.NextTickAfter(j.Schedule.Expr, ref, false)
		if err != nil {
			return 0, fmt.Errorf("cron expr %q: %w", j.Schedule.Expr, err)
		}
		return next.UnixMilli(), nil

	default:
		return 0, fmt.Errorf("unknown schedule kind %q", j.Schedule.Kind)
	}
}

// validateSchedule extends Schedule.validate with expression parsing so bad
// cron syntax is rejected at add/update time, not at fire time.
func validateSchedule(s Schedule) error {
	if err := s.validate(); err != nil {
		return err
	}
	if s.Kind == ScheduleCron {
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression %q", s.Expr)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("invalid tz %q: %w", s.TZ, err)
			}
		}
	}
	return nil
}
