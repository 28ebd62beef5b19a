package domain

import (
	"fmt"
	"strings"
	"time"
)

// ApplyDebounce adjusts the record being saved according to its debounce
// settings. existing is the row the unique predicate matched, nil on first
// insert. Called by repository implementations inside the upsert so every
// store applies identical coalescing rules.
func ApplyDebounce(existing, incoming *Job, now time.Time) {
	d := incoming.Debounce
	if d == nil {
		return
	}

	switch d.Strategy {
	case DebounceLeading:
		if existing == nil || existing.DebounceStartedAt == nil ||
			now.Sub(*existing.DebounceStartedAt) >= d.Delay {
			// First save of a burst fires immediately.
			runAt := now
			started := now
			incoming.NextRunAt = &runAt
			incoming.DebounceStartedAt = &started
			return
		}
		// Inside the window: refresh data only, keep the pending schedule.
		incoming.NextRunAt = cloneTime(existing.NextRunAt)
		incoming.DebounceStartedAt = cloneTime(existing.DebounceStartedAt)

	default: // trailing
		runAt := now.Add(d.Delay)
		incoming.NextRunAt = &runAt
		if d.MaxWait <= 0 {
			return
		}
		if existing == nil || existing.DebounceStartedAt == nil {
			started := now
			incoming.DebounceStartedAt = &started
			return
		}
		if now.Sub(*existing.DebounceStartedAt) >= d.MaxWait {
			// Burst has been pushed back long enough; fire now.
			forced := now
			incoming.NextRunAt = &forced
			incoming.DebounceStartedAt = nil
			return
		}
		incoming.DebounceStartedAt = cloneTime(existing.DebounceStartedAt)
	}
}

// MatchesUnique reports whether the candidate row satisfies the unique
// predicate. Keys address top-level fields ("name", "priority") or payload
// entries ("data.recipient").
func MatchesUnique(candidate *Job, predicate map[string]any) bool {
	for key, want := range predicate {
		var got any
		switch {
		case strings.HasPrefix(key, "data."):
			if candidate.Data == nil {
				return false
			}
			v, ok := candidate.Data[strings.TrimPrefix(key, "data.")]
			if !ok {
				return false
			}
			got = v
		case key == "name":
			got = candidate.Name
		case key == "priority":
			got = candidate.Priority
		case key == "disabled":
			got = candidate.Disabled
		case key == "nextRunAt":
			if candidate.NextRunAt == nil {
				return want == nil
			}
			got = *candidate.NextRunAt
		default:
			return false
		}
		if !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual compares predicate values across the numeric representations
// JSON round-trips produce (int vs float64) and time values.
func looseEqual(got, want any) bool {
	if gt, ok := got.(time.Time); ok {
		if wt, ok := want.(time.Time); ok {
			return gt.Equal(wt)
		}
	}
	if fmt.Sprint(got) == fmt.Sprint(want) {
		return true
	}
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	return gok && wok && gf == wf
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
