package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// NextRunTime calculates the next run time for a job.
func NextRunTime(job *Job, now time.Time) (*time.Time, error) {
	if !job.Enabled {
		return nil, nil
	}

	switch job.Schedule.Kind {
	case ScheduleKindAt:
		return nextRunAt(job, now)
	case ScheduleKindEvery:
		return nextRunEvery(job, now)
	case ScheduleKindCron:
		return nextRunCron(job, now)
	default:
		return nil, fmt.Errorf("unknown schedule kind: %s", job.Schedule.Kind)
	}
}

// nextRunAt calculates next run for "at" (one-shot) jobs.
func nextRunAt(job *Job, now time.Time) (*time.Time, error) {
	atTime := time.UnixMilli(job.Schedule.AtMs)

	if atTime.Before(now) || atTime.Equal(now) {
		if job.State.LastRunAtMs != nil {
			return nil, nil // already executed
		}
		// Not yet run: execute immediately.
		return &atTime, nil
	}

	return &atTime, nil
}

// nextRunEvery calculates next run for "every" (interval) jobs.
func nextRunEvery(job *Job, now time.Time) (*time.Time, error) {
	intervalMs := job.Schedule.EveryMs
	if intervalMs <= 0 {
		return nil, fmt.Errorf("invalid interval: %d", intervalMs)
	}

	if job.State.LastRunAtMs == nil {
		next := time.UnixMilli(job.CreatedAtMs).Add(time.Duration(intervalMs) * time.Millisecond)
		if next.Before(now) {
			next = now.Add(time.Duration(intervalMs) * time.Millisecond)
		}
		return &next, nil
	}

	lastRun := time.UnixMilli(*job.State.LastRunAtMs)
	next := lastRun.Add(time.Duration(intervalMs) * time.Millisecond)

	// Behind schedule: catch up to the next future slot.
	for next.Before(now) {
		next = next.Add(time.Duration(intervalMs) * time.Millisecond)
	}

	return &next, nil
}

// nextRunCron calculates next run for standard 5-field cron expressions.
func nextRunCron(job *Job, now time.Time) (*time.Time, error) {
	expr := job.Schedule.Expr
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}

	tz := time.Local
	if job.Schedule.Tz != "" {
		loc, err := time.LoadLocation(job.Schedule.Tz)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", job.Schedule.Tz, err)
		}
		tz = loc
	}

	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	nowInTz := now.In(tz)
	next := schedule.Next(nowInTz)

	return &next, nil
}

// ParseDuration parses human-friendly duration strings.
// Supports: "30s", "5m", "2h", "1d", "1w"
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// Days/weeks are not supported by time.ParseDuration.
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid days: %w", err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	if strings.HasSuffix(s, "w") {
		weeks, err := strconv.Atoi(strings.TrimSuffix(s, "w"))
		if err != nil {
			return 0, fmt.Errorf("invalid weeks: %w", err)
		}
		return time.Duration(weeks) * 7 * 24 * time.Hour, nil
	}

	return time.ParseDuration(s)
}

// ParseAt parses an "at" time specification.
// Supports unix milliseconds, RFC 3339, and relative "+5m" forms.
func ParseAt(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if strings.HasPrefix(s, "+") {
		dur, err := ParseDuration(s[1:])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid relative time: %w", err)
		}
		return now.Add(dur), nil
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 1000000000000 {
		return time.UnixMilli(ms), nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t, nil
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}
