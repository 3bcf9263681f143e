// Package marketdata defines the per-bar market data contract the
// engine consumes and the freshness/trading-hours policy every
// pre-trade check depends on.
package marketdata

import "time"

// ET is the exchange timezone used for all schedule and freshness checks.
// Falls back to a fixed UTC-5 offset if the tzdata database is
// unavailable, so the engine never panics on a stripped-down container.
var ET = loadET()

func loadET() *time.Location {
	if loc, err := time.LoadLocation("America/New_York"); err == nil {
		return loc
	}
	return time.FixedZone("ET", -5*60*60)
}

// TradingHours reports whether t (any timezone) falls within regular U.S.
// equity trading hours, 09:30-16:00 ET, Monday-Friday. Holidays are not
// modeled: the external clock/data feed is the source of truth for
// whether a bar is even delivered on a given day.
func TradingHours(t time.Time) bool {
	local := t.In(ET)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, ET)
	close := time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, ET)
	return !local.Before(open) && local.Before(close)
}

// AfterHour reports whether local time-of-day in ET is at or past hh:mm.
func AfterHour(t time.Time, hh, mm int) bool {
	local := t.In(ET)
	mark := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, ET)
	return !local.Before(mark)
}
