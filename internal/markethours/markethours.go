// Package markethours is the Indian exchange session calendar. Feed state is
// per session: the scheduler resets every segment cache at pre-open so that
// open, high, low and volume restart each trading day.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Session times in IST.
const (
	PreOpenHour   = 9
	PreOpenMinute = 0
	OpenHour      = 9
	OpenMinute    = 15
	CloseHour     = 15
	CloseMinute   = 30
)

// Calendar answers trading-day questions against a holiday set.
type Calendar struct {
	holidays map[date]struct{}
}

// NewCalendar returns a calendar with the built-in holidays plus extra.
func NewCalendar(extra ...time.Time) *Calendar {
	c := &Calendar{holidays: builtinHolidays()}
	for _, t := range extra {
		c.holidays[dateOf(t)] = struct{}{}
	}
	return c
}

// Default is the built-in calendar used by the package-level helpers.
var Default = NewCalendar()

// IsHoliday reports whether t's IST date is an exchange holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.holidays[dateOf(t)]
	return ok
}

// IsTradingDay reports whether t is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd != time.Saturday && wd != time.Sunday && !c.IsHoliday(t)
}

// IsMarketOpen reports whether t falls in continuous trading (09:15-15:30 IST).
func (c *Calendar) IsMarketOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	ist := t.In(IST)
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

func at(t time.Time, hour, minute int) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), hour, minute, 0, 0, IST)
}

// nextDayAt returns hour:minute on the first trading day whose hour:minute
// is strictly after t.
func (c *Calendar) nextDayAt(t time.Time, hour, minute int) time.Time {
	cand := at(t, hour, minute)
	if cand.After(t) && c.IsTradingDay(cand) {
		return cand
	}
	d := cand
	for i := 0; i < 30; i++ {
		d = at(d.AddDate(0, 0, 1), hour, minute)
		if c.IsTradingDay(d) {
			return d
		}
	}
	return at(t.AddDate(0, 0, 1), hour, minute)
}

// NextSessionStart returns the next pre-open strictly after t.
func (c *Calendar) NextSessionStart(t time.Time) time.Time {
	return c.nextDayAt(t, PreOpenHour, PreOpenMinute)
}

// LastSessionStart returns the most recent pre-open at or before t.
func (c *Calendar) LastSessionStart(t time.Time) time.Time {
	d := at(t, PreOpenHour, PreOpenMinute)
	if d.After(t) {
		d = d.AddDate(0, 0, -1)
	}
	for i := 0; i < 30 && !c.IsTradingDay(d); i++ {
		d = at(d.AddDate(0, 0, -1), PreOpenHour, PreOpenMinute)
	}
	return d
}

// NextOpen returns the next continuous-trading open strictly after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	return c.nextDayAt(t, OpenHour, OpenMinute)
}

// TodayClose returns the close on t's IST date.
func TodayClose(t time.Time) time.Time {
	return at(t, CloseHour, CloseMinute)
}

// StatusString returns a human-readable market status.
func (c *Calendar) StatusString(t time.Time) string {
	if c.IsMarketOpen(t) {
		return "market open, closes in " + fmtDur(TodayClose(t).Sub(t))
	}
	next := c.NextOpen(t).In(IST)
	return fmt.Sprintf("market closed, opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

// IsMarketOpen reports whether t falls in trading hours on the default calendar.
func IsMarketOpen(t time.Time) bool { return Default.IsMarketOpen(t) }

// IsTradingDay reports whether t is a trading day on the default calendar.
func IsTradingDay(t time.Time) bool { return Default.IsTradingDay(t) }

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
