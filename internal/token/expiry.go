// ABOUTME: Parses the compact expiration grammar used for credentials
// ABOUTME: Accepts "<n>s", "<n>m", "<n>h" or "<n>d" and nothing else

package token

import (
	"regexp"
	"strconv"
	"time"

	"github.com/2389/agentgate/internal/apierr"
)

var expiresInPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseExpiresIn converts an expiration string such as "30s" or "7d" into a duration.
func ParseExpiresIn(s string) (time.Duration, error) {
	m := expiresInPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, apierr.New(apierr.KindInvalidConfig, "invalid expiration format").
			WithDetail("value", s).
			WithDetail("expected", "<number>[s|m|h|d]")
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindInvalidConfig, "invalid expiration amount", err).WithDetail("value", s)
	}

	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	if n > int64((1<<63-1)/unit) {
		return 0, apierr.New(apierr.KindInvalidConfig, "expiration too large").WithDetail("value", s)
	}
	return time.Duration(n) * unit, nil
}

// ComputeExpirationDate returns now plus the parsed expiration.
func ComputeExpirationDate(expiresIn string, now time.Time) (time.Time, error) {
	d, err := ParseExpiresIn(expiresIn)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(d), nil
}
