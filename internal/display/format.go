// Package display formats identifiers and times for people.
package display

import (
	"fmt"
	"time"
)

const (
	prefixLength = 5
	suffixLength = 6
)

// Shorten renders a hex identifier as its first 5 and last 6 characters.
// Values too short to shorten are returned unchanged.
func Shorten(identifier string) string {
	if len(identifier) <= prefixLength+suffixLength+3 {
		return identifier
	}
	return identifier[:prefixLength] + "..." + identifier[len(identifier)-suffixLength:]
}

// TimeAgo describes how long before now t was. Months are 30 days and
// years are 12 such months.
func TimeAgo(t, now time.Time) string {
	elapsed := now.Sub(t)
	switch {
	case elapsed < time.Minute:
		return "Just now"
	case elapsed < time.Hour:
		return plural(int(elapsed/time.Minute), "minute")
	case elapsed < 24*time.Hour:
		return plural(int(elapsed/time.Hour), "hour")
	}
	days := int(elapsed / (24 * time.Hour))
	switch {
	case days < 30:
		return plural(days, "day")
	case days < 360:
		return plural(days/30, "month")
	default:
		return plural(days/360, "year")
	}
}

func plural(count int, unit string) string {
	if count == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", count, unit)
}
