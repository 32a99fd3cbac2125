package schedule

import (
	"fmt"
	"strconv"
	"time"

	"github.com/RepGraphics/panel-sub000/pkg/types"
)

// field bounds in standard cron order
var cronFields = []struct {
	name string
	min  int
	max  int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day", 1, 31},
	{"month", 1, 12},
	{"weekday", 0, 6},
}

// ValidateCron checks that every field is either "*" or an integer within
// its range. Ranges, steps, and lists are not supported.
func ValidateCron(expr types.CronExpression) error {
	values := []string{expr.Minute, expr.Hour, expr.Day, expr.Month, expr.Weekday}
	for i, v := range values {
		f := cronFields[i]
		if v == "*" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("cron %s field %q: must be * or an integer", f.name, v)
		}
		if n < f.min || n > f.max {
			return fmt.Errorf("cron %s field %d: out of range [%d, %d]", f.name, n, f.min, f.max)
		}
	}
	return nil
}

func fieldMatches(field string, value int) bool {
	if field == "" || field == "*" {
		return true
	}
	n, err := strconv.Atoi(field)
	if err != nil {
		return false
	}
	return n == value
}

// Matches reports whether the expression is due at t, at minute resolution.
func Matches(expr types.CronExpression, t time.Time) bool {
	return fieldMatches(expr.Minute, t.Minute()) &&
		fieldMatches(expr.Hour, t.Hour()) &&
		fieldMatches(expr.Day, t.Day()) &&
		fieldMatches(expr.Month, int(t.Month())) &&
		fieldMatches(expr.Weekday, int(t.Weekday()))
}

// NextRun returns the first minute after from at which the expression
// matches, or nil when nothing matches within the next year (an expression
// like minute=30, day=31, month=2 never fires).
func NextRun(expr types.CronExpression, from time.Time) *time.Time {
	t := from.Truncate(time.Minute)
	limit := from.AddDate(1, 0, 1)
	for t = t.Add(time.Minute); t.Before(limit); t = t.Add(time.Minute) {
		if Matches(expr, t) {
			next := t
			return &next
		}
	}
	return nil
}
