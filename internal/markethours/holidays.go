package markethours

import (
	"fmt"
	"time"
)

// Exchange holidays for 2026 (NSE and BSE share the equity/derivatives list).
var holidays2026 = []struct {
	month time.Month
	day   int
}{
	{time.January, 26},  // Republic Day
	{time.February, 17}, // Mahashivratri (tentative)
	{time.March, 14},    // Holi
	{time.March, 31},    // Id-ul-Fitr (Eid) (tentative)
	{time.April, 2},     // Ram Navami (tentative)
	{time.April, 6},     // Mahavir Jayanti
	{time.April, 10},    // Good Friday
	{time.April, 14},    // Dr. Ambedkar Jayanti
	{time.May, 1},       // Maharashtra Day
	{time.June, 7},      // Bakrid / Eid ul-Adha (tentative)
	{time.July, 6},      // Muharram (tentative)
	{time.August, 15},   // Independence Day
	{time.August, 16},   // Janmashtami (tentative)
	{time.September, 5}, // Milad-un-Nabi (tentative)
	{time.October, 2},   // Mahatma Gandhi Jayanti
	{time.October, 20},  // Dussehra
	{time.October, 21},  // Dussehra (tentative)
	{time.November, 5},  // Diwali / Lakshmi Puja (tentative)
	{time.November, 6},  // Diwali Balipratipada (tentative)
	{time.November, 7},  // Bhai Dooj (tentative)
	{time.November, 19}, // Guru Nanak Jayanti
	{time.December, 25}, // Christmas
}

type date struct {
	y int
	m time.Month
	d int
}

func dateOf(t time.Time) date {
	ist := t.In(IST)
	return date{ist.Year(), ist.Month(), ist.Day()}
}

func builtinHolidays() map[date]struct{} {
	set := make(map[date]struct{}, len(holidays2026))
	for _, h := range holidays2026 {
		set[date{2026, h.month, h.day}] = struct{}{}
	}
	return set
}

// ParseHolidays parses "2006-01-02" dates, as carried in configuration.
func ParseHolidays(days []string) ([]time.Time, error) {
	out := make([]time.Time, 0, len(days))
	for _, s := range days {
		t, err := time.ParseInLocation("2006-01-02", s, IST)
		if err != nil {
			return nil, fmt.Errorf("markethours: holiday %q: %w", s, err)
		}
		out = append(out, t)
	}
	return out, nil
}
