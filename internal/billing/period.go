package billing

import "time"

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// DayKey buckets t into its UTC day.
func DayKey(t time.Time) string { return t.UTC().Format(dayLayout) }

// MonthKey buckets t into its UTC month.
func MonthKey(t time.Time) string { return t.UTC().Format(monthLayout) }

func StartOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func StartOfMonthUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// DaysInMonth returns the number of days in t's UTC month.
func DaysInMonth(t time.Time) int {
	return StartOfMonthUTC(t).AddDate(0, 1, -1).Day()
}
