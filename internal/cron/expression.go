package cron

import (
	"fmt"
	"time"

	cronparser "github.com/robfig/cron/v3"
)

// Standard 5-field crontab: minute, hour, day-of-month, month, day-of-week.
var parser = cronparser.NewParser(
	cronparser.Minute | cronparser.Hour | cronparser.Dom | cronparser.Month | cronparser.Dow,
)

// Validate checks an expression structurally (field count and domains)
// without computing a run time. Used at schedule creation to reject
// malformed input early.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Next returns the first instant after from that matches expr. The search
// is bounded; an expression with no satisfiable instant (e.g. "0 0 30 2 *")
// is reported as an error instead of looping forever.
func Next(expr string, from time.Time) (time.Time, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	next := schedule.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never matches a future instant", expr)
	}
	return next, nil
}
