package scheduler

import "time"

// Re-fire guards for the week-based frequencies: slightly under a full week
// (or fortnight) so a run that starts late never pushes the next one past its
// weekday.
const (
	weeklyGuard   = 6 * 24 * time.Hour
	biWeeklyGuard = 13 * 24 * time.Hour
)

// due decides whether a job should fire at now given its last dispatch.
// last is nil when the job has never run.
func due(cfg JobConfig, last *time.Time, now time.Time) (bool, error) {
	switch cfg.Frequency {
	case FrequencyRepeatAfter:
		if last == nil {
			return true, nil
		}
		return now.Sub(*last) > time.Duration(cfg.Seconds)*time.Second, nil

	case FrequencyDaily:
		hour, minute, err := cfg.timeOfDay()
		if err != nil {
			return false, err
		}
		target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if now.Before(target) {
			return false, nil
		}
		return last == nil || beforeDay(*last, now), nil

	case FrequencyWeekly, FrequencyBiWeekly:
		hour, minute, err := cfg.timeOfDay()
		if err != nil {
			return false, err
		}
		if int(now.Weekday()) != cfg.DayOfWeek {
			return false, nil
		}
		target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if now.Before(target) {
			return false, nil
		}
		if last == nil {
			return true, nil
		}
		guard := weeklyGuard
		if cfg.Frequency == FrequencyBiWeekly {
			guard = biWeeklyGuard
		}
		return now.Sub(*last) >= guard, nil

	case FrequencyMonthly:
		hour, minute, err := cfg.timeOfDay()
		if err != nil {
			return false, err
		}
		if last == nil {
			if now.Day() != cfg.DayOfMonth {
				return false, nil
			}
			target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
			return !now.Before(target), nil
		}
		next := nextMonthly(*last, cfg.DayOfMonth, hour, minute)
		return !now.Before(next), nil

	default:
		return false, nil
	}
}

// beforeDay reports whether a falls on an earlier calendar date than b.
func beforeDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay < by
	}
	if am != bm {
		return am < bm
	}
	return ad < bd
}

// nextMonthly is the occurrence in the month after last's, on the configured
// day and wall-clock time, rolling the year at December.
func nextMonthly(last time.Time, day, hour, minute int) time.Time {
	year, month := last.Year(), last.Month()
	if month == time.December {
		year, month = year+1, time.January
	} else {
		month++
	}
	return time.Date(year, month, day, hour, minute, 0, 0, last.Location())
}
