package registry

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// resetParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var resetParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextReset parses a 5-field cron expression and returns the next fire time
// after now.
func NextReset(schedule string, now time.Time) (time.Time, error) {
	sched, err := resetParser.Parse(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("registry: parse reset schedule %q: %w", schedule, err)
	}
	return sched.Next(now), nil
}

// RunWeeklyReset rolls the weekly usage windows on the configured cron
// schedule until the context ends. Missing a fire while the process is down
// is tolerable: the quota evaluator ignores usage from expired windows on
// its own, so this loop only keeps the stored counters tidy.
func RunWeeklyReset(ctx context.Context, db *gorm.DB, providers []string, schedule string, out io.Writer) error {
	if db == nil {
		return fmt.Errorf("registry: db is required")
	}
	if out == nil {
		out = io.Discard
	}
	if _, err := NextReset(schedule, time.Now()); err != nil {
		return err
	}

	fmt.Fprintf(out, "Weekly quota reset scheduled (%s)...\n", schedule)

	for {
		next, err := NextReset(schedule, time.Now())
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
		}

		reset, err := RollWeeklyWindows(db, providers, time.Now())
		if err != nil {
			log.Printf("registry: weekly reset error: %v", err)
			continue
		}
		fmt.Fprintf(out, "Weekly quota windows reset for %d worker(s)\n", reset)
	}
}
