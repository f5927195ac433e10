package pipeline

import "time"

// Range is an inclusive date window. Times are normalized to midnight UTC;
// a single-day window has Start == End.
type Range struct {
	Start time.Time
	End   time.Time
}

func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DailyRanges returns the two single-day windows a daily run covers:
// yesterday and the day before yesterday, relative to ref. Two windows
// rather than one two-day window because upstream providers finalize daily
// metrics a day late, so the older window backfills corrections.
func DailyRanges(ref time.Time) [2]Range {
	d := day(ref)
	dayBefore := d.AddDate(0, 0, -2)
	yesterday := d.AddDate(0, 0, -1)
	return [2]Range{
		{Start: dayBefore, End: dayBefore},
		{Start: yesterday, End: yesterday},
	}
}

// PreviousMonth returns the prior calendar month of ref as one window,
// e.g. ref 2024-03-02 gives 2024-02-01..2024-02-29.
func PreviousMonth(ref time.Time) Range {
	d := day(ref)
	firstOfThisMonth := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	lastOfPrevMonth := firstOfThisMonth.AddDate(0, 0, -1)
	firstOfPrevMonth := time.Date(lastOfPrevMonth.Year(), lastOfPrevMonth.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Range{Start: firstOfPrevMonth, End: lastOfPrevMonth}
}
