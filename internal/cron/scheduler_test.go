package cron

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"2h", 2 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"", 0, true},
		{"xd", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseAt(t *testing.T) {
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)

	t.Run("relative", func(t *testing.T) {
		got, err := ParseAt("+5m", now)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(now.Add(5 * time.Minute)) {
			t.Errorf("ParseAt(+5m) = %v", got)
		}
	})

	t.Run("unix millis", func(t *testing.T) {
		got, err := ParseAt("1704067200000", now)
		if err != nil {
			t.Fatal(err)
		}
		if got.UnixMilli() != 1704067200000 {
			t.Errorf("ParseAt(ms) = %v", got)
		}
	})

	t.Run("rfc3339", func(t *testing.T) {
		got, err := ParseAt("2026-09-01T10:00:00Z", now)
		if err != nil {
			t.Fatal(err)
		}
		if got.Hour() != 10 {
			t.Errorf("ParseAt(rfc3339) = %v", got)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := ParseAt("whenever", now); err == nil {
			t.Error("ParseAt accepted garbage")
		}
	})
}

func TestNextRunTime(t *testing.T) {
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)

	t.Run("disabled job never runs", func(t *testing.T) {
		job := &Job{Enabled: false, Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: 60000}}
		next, err := NextRunTime(job, now)
		if err != nil || next != nil {
			t.Errorf("next = %v, err = %v, want nil/nil", next, err)
		}
	})

	t.Run("at in the future", func(t *testing.T) {
		at := now.Add(time.Hour)
		job := &Job{Enabled: true, Schedule: Schedule{Kind: ScheduleKindAt, AtMs: at.UnixMilli()}}
		next, err := NextRunTime(job, now)
		if err != nil {
			t.Fatal(err)
		}
		if !next.Equal(at) {
			t.Errorf("next = %v, want %v", next, at)
		}
	})

	t.Run("at already executed", func(t *testing.T) {
		ranAt := now.Add(-time.Hour).UnixMilli()
		job := &Job{
			Enabled:  true,
			Schedule: Schedule{Kind: ScheduleKindAt, AtMs: now.Add(-2 * time.Hour).UnixMilli()},
			State:    JobState{LastRunAtMs: &ranAt},
		}
		next, err := NextRunTime(job, now)
		if err != nil || next != nil {
			t.Errorf("next = %v, want nil (already ran)", next)
		}
	})

	t.Run("every catches up to the future", func(t *testing.T) {
		lastRun := now.Add(-25 * time.Minute).UnixMilli()
		job := &Job{
			Enabled:  true,
			Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: (10 * time.Minute).Milliseconds()},
			State:    JobState{LastRunAtMs: &lastRun},
		}
		next, err := NextRunTime(job, now)
		if err != nil {
			t.Fatal(err)
		}
		if !next.After(now) {
			t.Errorf("next = %v, want after now", next)
		}
		if next.Sub(now) > 10*time.Minute {
			t.Errorf("next = %v, overshot one interval", next)
		}
	})

	t.Run("cron expression", func(t *testing.T) {
		job := &Job{Enabled: true, Schedule: Schedule{Kind: ScheduleKindCron, Expr: "0 9 * * *", Tz: "UTC"}}
		next, err := NextRunTime(job, now)
		if err != nil {
			t.Fatal(err)
		}
		if next.Hour() != 9 || next.Minute() != 0 {
			t.Errorf("next = %v, want 09:00", next)
		}
		if !next.After(now) {
			t.Errorf("next = %v not in the future", next)
		}
	})

	t.Run("invalid cron expression", func(t *testing.T) {
		job := &Job{Enabled: true, Schedule: Schedule{Kind: ScheduleKindCron, Expr: "not cron"}}
		if _, err := NextRunTime(job, now); err == nil {
			t.Error("invalid expression accepted")
		}
	})
}
