// Package calendar provides the U.S. equity trading calendar used to
// filter 1-minute bar data. Weekends and a fixed holiday set are
// non-trading days; of the half sessions only the day after
// Thanksgiving is in that set, other half sessions count as trading days.
package calendar

import "time"

// exchangeTZ is the exchange-local zone; timestamps are stored in UTC
// and resolved here only for day-of-week and holiday checks.
var exchangeTZ *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Fixed-offset fallback keeps the filter usable without a
		// tz database; it drifts one hour around DST changes.
		loc = time.FixedZone("ET", -5*3600)
	}
	exchangeTZ = loc
}

// Location returns the exchange-local time zone.
func Location() *time.Location { return exchangeTZ }

// IsTradingDay reports whether the exchange is open on the day that
// contains ts (resolved to exchange local time).
func IsTradingDay(ts time.Time) bool {
	local := ts.In(exchangeTZ)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !isHoliday(local)
}

// NextTradingDay returns the first trading day strictly after ts.
func NextTradingDay(ts time.Time) time.Time {
	local := ts.In(exchangeTZ)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, exchangeTZ)
	for {
		day = day.AddDate(0, 0, 1)
		if IsTradingDay(day) {
			return day
		}
	}
}

// TradingDays filters the [start, end] range down to trading days,
// returned as midnights in exchange local time.
func TradingDays(start, end time.Time) []time.Time {
	var days []time.Time
	local := start.In(exchangeTZ)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, exchangeTZ)
	for !day.After(end.In(exchangeTZ)) {
		if IsTradingDay(day) {
			days = append(days, day)
		}
		day = day.AddDate(0, 0, 1)
	}
	return days
}

// isHoliday checks the fixed market holiday set: New Year's, MLK,
// Presidents, Memorial, Juneteenth, Independence, Labor, Thanksgiving,
// day after Thanksgiving, Christmas. Observed dates shift weekend
// fixed-date holidays to the adjacent weekday.
func isHoliday(local time.Time) bool {
	y, m, d := local.Year(), local.Month(), local.Day()

	if matchObserved(y, time.January, 1, m, d) { // New Year's Day
		return true
	}
	if m == time.January && d == nthWeekday(y, time.January, time.Monday, 3) { // MLK
		return true
	}
	if m == time.February && d == nthWeekday(y, time.February, time.Monday, 3) { // Presidents
		return true
	}
	if m == time.May && d == lastWeekday(y, time.May, time.Monday) { // Memorial
		return true
	}
	if matchObserved(y, time.June, 19, m, d) { // Juneteenth
		return true
	}
	if matchObserved(y, time.July, 4, m, d) { // Independence Day
		return true
	}
	if m == time.September && d == nthWeekday(y, time.September, time.Monday, 1) { // Labor
		return true
	}
	thanksgiving := nthWeekday(y, time.November, time.Thursday, 4)
	if m == time.November && (d == thanksgiving || d == thanksgiving+1) { // Thanksgiving + day after
		return true
	}
	if matchObserved(y, time.December, 25, m, d) { // Christmas
		return true
	}
	return false
}

// matchObserved checks a fixed-date holiday with weekend observation:
// Saturday observed Friday, Sunday observed Monday.
func matchObserved(year int, hm time.Month, hd int, m time.Month, d int) bool {
	actual := time.Date(year, hm, hd, 0, 0, 0, 0, exchangeTZ)
	observed := actual
	switch actual.Weekday() {
	case time.Saturday:
		observed = actual.AddDate(0, 0, -1)
	case time.Sunday:
		observed = actual.AddDate(0, 0, 1)
	}
	return observed.Month() == m && observed.Day() == d
}

// nthWeekday returns the day-of-month of the nth weekday in a month.
func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) int {
	day := time.Date(year, month, 1, 0, 0, 0, 0, exchangeTZ)
	count := 0
	for day.Month() == month {
		if day.Weekday() == weekday {
			count++
			if count == n {
				return day.Day()
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return 0
}

// lastWeekday returns the day-of-month of the last weekday in a month.
func lastWeekday(year int, month time.Month, weekday time.Weekday) int {
	day := time.Date(year, month+1, 1, 0, 0, 0, 0, exchangeTZ).AddDate(0, 0, -1)
	for day.Weekday() != weekday {
		day = day.AddDate(0, 0, -1)
	}
	return day.Day()
}
