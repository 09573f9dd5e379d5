package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidRecurrence = errors.New("invalid recurrence")

type Unit string

const (
	UnitMinute Unit = "minute"
	UnitHour   Unit = "hour"
	UnitDay    Unit = "day"
	UnitWeek   Unit = "week"
	UnitMonth  Unit = "month"
)

var unitDurations = map[Unit]time.Duration{
	UnitMinute: time.Minute,
	UnitHour:   time.Hour,
	UnitDay:    24 * time.Hour,
	UnitWeek:   7 * 24 * time.Hour,
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Recurrence is either a fixed interval (Every units) or a cron expression.
type Recurrence struct {
	Every int
	Unit  Unit
	Cron  string

	sched cron.Schedule
}

// ParseRecurrence accepts "every <n> <unit>[s]", "every <unit>", five-field
// cron expressions and cron descriptors such as "@daily" or "@every 90m".
func ParseRecurrence(raw string) (Recurrence, error) {
	s := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	if s == "" {
		return Recurrence{}, fmt.Errorf("%w: empty", ErrInvalidRecurrence)
	}
	if rest, ok := strings.CutPrefix(s, "every "); ok {
		return parseInterval(rest)
	}
	sched, err := cronParser.Parse(s)
	if err != nil {
		return Recurrence{}, fmt.Errorf("%w: %q: %v", ErrInvalidRecurrence, raw, err)
	}
	return Recurrence{Cron: s, sched: sched}, nil
}

func parseInterval(rest string) (Recurrence, error) {
	parts := strings.Fields(rest)
	n := 1
	if len(parts) == 2 {
		v, err := strconv.Atoi(parts[0])
		if err != nil || v <= 0 {
			return Recurrence{}, fmt.Errorf("%w: interval count %q", ErrInvalidRecurrence, parts[0])
		}
		n = v
		parts = parts[1:]
	}
	if len(parts) != 1 {
		return Recurrence{}, fmt.Errorf("%w: expected \"every <n> <unit>\"", ErrInvalidRecurrence)
	}
	unit := Unit(strings.TrimSuffix(parts[0], "s"))
	if _, ok := unitDurations[unit]; !ok && unit != UnitMonth {
		return Recurrence{}, fmt.Errorf("%w: unknown unit %q", ErrInvalidRecurrence, parts[0])
	}
	return Recurrence{Every: n, Unit: unit}, nil
}

func (r Recurrence) String() string {
	if r.Cron != "" {
		return r.Cron
	}
	if r.Every == 1 {
		return "every 1 " + string(r.Unit)
	}
	return fmt.Sprintf("every %d %ss", r.Every, r.Unit)
}

// Next returns the first occurrence strictly after after.
func (r Recurrence) Next(after time.Time) time.Time {
	if r.sched != nil {
		return r.sched.Next(after)
	}
	if r.Unit == UnitMonth {
		return after.AddDate(0, r.Every, 0)
	}
	return after.Add(time.Duration(r.Every) * unitDurations[r.Unit])
}

// NextAfter returns the first occurrence after max(fireAt, now). Intervals stay
// anchored on fireAt, so missed fires collapse into one without drifting.
func (r Recurrence) NextAfter(fireAt, now time.Time) time.Time {
	if r.sched != nil {
		if now.Before(fireAt) {
			return r.sched.Next(fireAt)
		}
		return r.sched.Next(now)
	}
	if d, ok := unitDurations[r.Unit]; ok {
		step := time.Duration(r.Every) * d
		if !now.After(fireAt) {
			return fireAt.Add(step)
		}
		k := now.Sub(fireAt)/step + 1
		return fireAt.Add(k * step)
	}
	next := r.Next(fireAt)
	for !next.After(now) {
		next = r.Next(next)
	}
	return next
}
