// Package schedule computes the next fire time of a job from its interval,
// cron expression or time-of-day recurrence, honoring timezone and window
// bounds.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/askarbek/pulse/internal/domain"
)

// windowScanLimit bounds the skip-day/window walk so a fully excluded
// recurrence terminates instead of spinning.
const windowScanLimit = 400

// ComputeNextRunAt recomputes job.NextRunAt at the given instant. A job with
// no recurrence becomes terminal (NextRunAt nil). A recurrence whose window
// has no remaining instant also becomes terminal. Parse failures clear
// NextRunAt and return the error so the caller can record the failure.
func ComputeNextRunAt(job *domain.Job, now time.Time) error {
	job.NextRunAt = nil

	loc := time.Local
	if job.RepeatTimezone != "" {
		l, err := time.LoadLocation(job.RepeatTimezone)
		if err != nil {
			return fmt.Errorf("invalid timezone %q: %w", job.RepeatTimezone, err)
		}
		loc = l
	}

	switch {
	case job.RepeatInterval != "":
		next, advance, err := nextFromInterval(job, now, loc)
		if err != nil {
			return err
		}
		return applyWindow(job, next, advance)

	case job.RepeatAt != "":
		hour, minute, err := ParseClock(job.RepeatAt)
		if err != nil {
			return fmt.Errorf("invalid repeatAt %q: %w", job.RepeatAt, err)
		}
		local := now.In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		advance := func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
		return applyWindow(job, next, advance)
	}

	return nil
}

// nextFromInterval handles both plain intervals and cron expressions, since
// RepeatInterval carries either. The returned advance func steps past a
// window exclusion.
func nextFromInterval(job *domain.Job, now time.Time, loc *time.Location) (time.Time, func(time.Time) time.Time, error) {
	if d, err := ParseInterval(job.RepeatInterval); err == nil {
		base := now
		if job.LastRunAt != nil && job.LastRunAt.After(now) {
			base = *job.LastRunAt
		}
		next := base.Add(d)
		advance := func(t time.Time) time.Time { return t.Add(d) }
		return next, advance, nil
	}

	sched, err := parseCron(job.RepeatInterval)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("invalid repeat interval %q: %w", job.RepeatInterval, err)
	}

	base := now.In(loc)
	if job.LastRunAt != nil {
		base = job.LastRunAt.In(loc)
	}
	next := sched.Next(base)
	// Never hand back the tick we just ran.
	if job.LastRunAt != nil && next.Equal(*job.LastRunAt) {
		next = sched.Next(next)
	}
	for next.Before(now) {
		next = sched.Next(next)
	}
	advance := func(t time.Time) time.Time { return sched.Next(t) }
	return next, advance, nil
}

// applyWindow walks the candidate forward past startDate and skipDays, and
// clears NextRunAt when the candidate falls outside endDate.
func applyWindow(job *domain.Job, next time.Time, advance func(time.Time) time.Time) error {
	for i := 0; i < windowScanLimit; i++ {
		if job.StartDate != nil && next.Before(*job.StartDate) {
			next = advance(next)
			continue
		}
		if skippedDay(job.SkipDays, next) {
			next = advance(next)
			continue
		}
		if job.EndDate != nil && next.After(*job.EndDate) {
			return nil
		}
		job.NextRunAt = &next
		return nil
	}
	return nil
}

func skippedDay(skip []time.Weekday, t time.Time) bool {
	for _, d := range skip {
		if t.Weekday() == d {
			return true
		}
	}
	return false
}

// parseCron accepts 5-field (minute-first) and 6-field (second-first) UNIX
// expressions. Months are 1-12 and day-of-week 1-7 with 7 meaning Sunday;
// 0-based values are rejected.
func parseCron(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	var parser cron.Parser
	switch len(fields) {
	case 5:
		parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	case 6:
		parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	default:
		return nil, fmt.Errorf("expected 5 or 6 cron fields, got %d", len(fields))
	}

	dow, err := normalizeDOW(fields[len(fields)-1])
	if err != nil {
		return nil, err
	}
	fields[len(fields)-1] = dow

	return parser.Parse(strings.Join(fields, " "))
}

// normalizeDOW rewrites a 1-7 day-of-week field (7 = Sunday) to the 0-6
// range the parser expects.
func normalizeDOW(field string) (string, error) {
	if field == "*" || field == "?" {
		return field, nil
	}

	var out []string
	for _, elem := range strings.Split(field, ",") {
		expr, step, hasStep := strings.Cut(elem, "/")

		lo, hi, isRange := strings.Cut(expr, "-")
		loN, loNumeric, err := dowValue(lo)
		if err != nil {
			return "", err
		}
		switch {
		case expr == "*":
			out = append(out, elem)
		case !isRange:
			if !loNumeric {
				// Symbolic names (MON, TUE) pass through untouched.
				out = append(out, elem)
				continue
			}
			mapped := strconv.Itoa(loN % 7)
			if hasStep {
				mapped += "/" + step
			}
			out = append(out, mapped)
		default:
			hiN, hiNumeric, err := dowValue(hi)
			if err != nil {
				return "", err
			}
			if !loNumeric || !hiNumeric {
				out = append(out, elem)
				continue
			}
			if hasStep {
				return "", fmt.Errorf("stepped day-of-week range %q is not supported with numeric 1-7 days", elem)
			}
			switch {
			case loN == 7:
				return "", fmt.Errorf("invalid day-of-week range %q", elem)
			case hiN == 7:
				// "5-7" wraps through Sunday.
				if loN <= 6 {
					out = append(out, fmt.Sprintf("%d-6", loN))
				}
				out = append(out, "0")
			default:
				out = append(out, fmt.Sprintf("%d-%d", loN, hiN))
			}
		}
	}
	return strings.Join(out, ","), nil
}

// dowValue parses a day-of-week token. Non-numeric tokens (names, "*") are
// reported as such; numeric tokens outside 1-7 are an error.
func dowValue(s string) (int, bool, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, nil
	}
	if n < 1 || n > 7 {
		return 0, true, fmt.Errorf("day-of-week %d out of range 1-7", n)
	}
	return n, true, nil
}
