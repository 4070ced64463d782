// Package schedule decides whether a backup configuration is due to run.
package schedule

import (
	"fmt"
	"time"

	"github.com/halcyonvault/halcyon/pkg/models"
	"github.com/robfig/cron/v3"
)

// GraceWindow is how long after a cron fire time a scheduled backup is
// still considered eligible. It tolerates agent startup latency while
// preventing duplicate runs for the same fire time.
const GraceWindow = 5 * time.Minute

// Decision is the outcome of evaluating one schedule against a point in time.
type Decision struct {
	Due    bool
	Reason string
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Evaluate reports whether a configuration with the given schedule is due
// at now. It is pure and stateless: "already ran for this window" is derived
// from wall-clock position, not stored history, so it needs no persisted
// last-run bookkeeping and survives agent restarts.
//
// A nil schedule is never due automatically; manual runs bypass evaluation
// entirely (see Coordinator.RunConfig). Malformed cron expressions yield a
// permanent not-due with the parse error as the reason, never an error.
func Evaluate(sched *models.Schedule, now time.Time) Decision {
	if sched == nil || sched.CronExpression == "" {
		return Decision{
			Due:    false,
			Reason: "no schedule configured; manual trigger only",
		}
	}

	loc := time.UTC
	if sched.Timezone != "" {
		l, err := time.LoadLocation(sched.Timezone)
		if err != nil {
			return Decision{
				Due:    false,
				Reason: fmt.Sprintf("invalid timezone %q: %v", sched.Timezone, err),
			}
		}
		loc = l
	}

	spec, err := parser.Parse(sched.CronExpression)
	if err != nil {
		return Decision{
			Due:    false,
			Reason: fmt.Sprintf("invalid cron expression %q: %v", sched.CronExpression, err),
		}
	}

	now = now.In(loc)

	// The config is due iff some fire time t satisfies t <= now < t+grace.
	// Cron schedules only expose Next, so look for the first fire strictly
	// after now-grace: if it has already passed, now sits inside its window.
	fire := spec.Next(now.Add(-GraceWindow))
	if fire.IsZero() {
		return Decision{
			Due:    false,
			Reason: fmt.Sprintf("cron %q has no upcoming fire time", sched.CronExpression),
		}
	}

	if fire.After(now) {
		return Decision{
			Due: false,
			Reason: fmt.Sprintf("cron %q next fires at %s",
				sched.CronExpression, fire.Format(time.RFC3339)),
		}
	}

	return Decision{
		Due: true,
		Reason: fmt.Sprintf("cron %q fired at %s, within the %s grace window",
			sched.CronExpression, fire.Format(time.RFC3339), GraceWindow),
	}
}
