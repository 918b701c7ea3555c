// ABOUTME: Spending period keys and boundaries in a configured time zone
// ABOUTME: Weeks follow ISO 8601 and start on Monday

package spending

import (
	"fmt"
	"strings"
	"time"
)

// Period is a spending cap granularity.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// ParsePeriod normalises a period name.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return p, nil
	}
	return "", fmt.Errorf("unknown spending period %q", s)
}

// Key returns the ledger key for the period containing t.
func (p Period) Key(t time.Time, loc *time.Location, currency string) string {
	t = t.In(loc)
	currency = strings.ToUpper(currency)
	switch p {
	case PeriodWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("weekly:%04d-W%02d:%s", year, week, currency)
	case PeriodMonthly:
		return fmt.Sprintf("monthly:%s:%s", t.Format("2006-01"), currency)
	default:
		return fmt.Sprintf("daily:%s:%s", t.Format("2006-01-02"), currency)
	}
}

// End returns the start of the next period after t.
func (p Period) End(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	switch p {
	case PeriodWeekly:
		// Monday is day 0 of an ISO week.
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset+7, 0, 0, 0, 0, loc)
	case PeriodMonthly:
		return time.Date(y, m+1, 1, 0, 0, 0, 0, loc)
	default:
		return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	}
}
