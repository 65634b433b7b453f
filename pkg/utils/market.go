package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// MarketSession is the NSE equity session a moment falls into.
type MarketSession string

const (
	SessionClosed     MarketSession = "CLOSED"
	SessionPreOpen    MarketSession = "PRE_OPEN"    // 09:00 - 09:15
	SessionOpen       MarketSession = "OPEN"        // 09:15 - 15:30
	SessionPostMarket MarketSession = "POST_MARKET" // 15:30 - 16:00
	SessionAMOWindow  MarketSession = "AMO_WINDOW"  // after-market orders accepted
)

// SessionAt returns the market session at t. Exchange holidays are not known
// and are treated as trading days.
func SessionAt(t time.Time) MarketSession {
	now := t.In(IndiaLocation)

	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return SessionAMOWindow
	}

	minutes := now.Hour()*60 + now.Minute()
	switch {
	case minutes >= 540 && minutes < 555:
		return SessionPreOpen
	case minutes >= 555 && minutes < 930:
		return SessionOpen
	case minutes >= 930 && minutes < 960:
		return SessionPostMarket
	default:
		return SessionAMOWindow
	}
}

// GetMarketStatus returns the current market session.
func GetMarketStatus() MarketSession {
	return SessionAt(time.Now())
}

// NextMarketOpen returns the first 09:15 IST weekday open strictly after t.
func NextMarketOpen(t time.Time) time.Time {
	now := t.In(IndiaLocation)

	// Start with today at 9:15
	next := time.Date(now.Year(), now.Month(), now.Day(), 9, 15, 0, 0, IndiaLocation)

	// If already past today's open, move to tomorrow
	if !now.Before(next) {
		next = next.AddDate(0, 0, 1)
	}

	// Skip weekends
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}

	return next
}

// TradingDate formats t as the IST calendar date used in correlation ids.
func TradingDate(t time.Time) string {
	return t.In(IndiaLocation).Format("20060102")
}
