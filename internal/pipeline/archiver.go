// Package pipeline runs scheduled background jobs over the prediction store.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/inverstra/predictiondao/internal/domain"
)

// ArchiveJob periodically copies closed predictions to cold storage.
type ArchiveJob struct {
	archiver      domain.PredictionArchiver
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiveJob creates an ArchiveJob. Predictions whose voting ended more
// than retentionDays ago are archived; approved ones are archived right away.
func NewArchiveJob(archiver domain.PredictionArchiver, retentionDays int, logger *slog.Logger) *ArchiveJob {
	return &ArchiveJob{
		archiver:      archiver,
		retentionDays: retentionDays,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// RunOnce performs a single archive pass.
func (j *ArchiveJob) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().AddDate(0, 0, -j.retentionDays)
	j.logger.InfoContext(ctx, "starting archive run",
		slog.Time("ended_before", cutoff),
		slog.Int("retention_days", j.retentionDays),
	)

	n, err := j.archiver.ArchivePredictions(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("archiving predictions ended before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	j.logger.InfoContext(ctx, "archive run complete", slog.Int64("archived", n))
	return n, nil
}

// RunEvery archives once per interval until ctx is cancelled.
func (j *ArchiveJob) RunEvery(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunCron archives on a 5-field cron schedule
// ("minute hour day-of-month month day-of-week") until ctx is cancelled.
func (j *ArchiveJob) RunCron(ctx context.Context, expr string) error {
	sched, err := parseCron(expr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", expr, err)
	}
	j.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", expr))

	for {
		next, err := sched.next(j.now())
		if err != nil {
			return err
		}
		j.logger.DebugContext(ctx, "archiver waiting", slog.Time("next_run", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField matches one field of a cron expression. A nil set means "*".
type cronField map[int]bool

func (f cronField) matches(v int) bool {
	return f == nil || f[v]
}

// parseCronField accepts "*", "*/n", and comma lists of values.
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return nil, nil
	}
	if step, ok := strings.CutPrefix(field, "*/"); ok {
		n, err := strconv.Atoi(step)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid step %q", field)
		}
		f := cronField{}
		for v := lo; v <= hi; v += n {
			f[v] = true
		}
		return f, nil
	}

	f := cronField{}
	for _, part := range strings.Split(field, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", part, err)
		}
		if v < lo || v > hi {
			return nil, fmt.Errorf("value %d out of range %d-%d", v, lo, hi)
		}
		f[v] = true
	}
	return f, nil
}

type cronSchedule struct {
	minute, hour, dom, month, dow cronField
}

func parseCron(expr string) (cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}
	var parsed [5]cronField
	for i, field := range fields {
		f, err := parseCronField(field, bounds[i][0], bounds[i][1])
		if err != nil {
			return cronSchedule{}, fmt.Errorf("%s field: %w", names[i], err)
		}
		parsed[i] = f
	}
	return cronSchedule{
		minute: parsed[0],
		hour:   parsed[1],
		dom:    parsed[2],
		month:  parsed[3],
		dow:    parsed[4],
	}, nil
}

func (c cronSchedule) matches(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dom.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dow.matches(int(t.Weekday()))
}

// next returns the first matching minute strictly after after, searching at
// most a year ahead.
func (c cronSchedule) next(after time.Time) (time.Time, error) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for ; t.Before(limit); t = t.Add(time.Minute) {
		if c.matches(t) {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("no cron match within a year after %s", after.Format(time.RFC3339))
}
