// Package cronutil wraps robfig/cron/v3's standard parser with the
// timezone handling the trigger scheduler and validator both need: parse a
// 5-field expression, interpret "now" in the row's IANA zone, and return the
// next fire time converted back to UTC.
package cronutil

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextFireUTC parses expression and returns its next occurrence strictly
// after after, computed in tz and converted to UTC.
func NextFireUTC(expression, tz string, after time.Time) (time.Time, error) {
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("cronutil: unknown timezone %q: %w", tz, err)
	}
	sched, err := parser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("cronutil: invalid expression %q: %w", expression, err)
	}
	local := after.In(loc)
	next := sched.Next(local)
	return next.UTC(), nil
}

// NextFireAfterUTC advances past "cronTime" by repeatedly computing the next
// occurrence after "from" until the result lies strictly after cronTime,
// the behavior the trigger scheduler needs when it has fallen behind on
// ticks and must skip every already-elapsed fire.
func NextFireAfterUTC(expression, tz string, from, cronTime time.Time) (time.Time, error) {
	next, err := NextFireUTC(expression, tz, from)
	if err != nil {
		return time.Time{}, err
	}
	for !next.After(cronTime) {
		next, err = NextFireUTC(expression, tz, next)
		if err != nil {
			return time.Time{}, err
		}
	}
	return next, nil
}
