package formatter

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Relative renders t against now as "3 hours from now" or "2 days ago".
func Relative(t, now time.Time) string {
	if t.Equal(now) {
		return "now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// Slack renders how early or late a completion was.
func Slack(d time.Duration) string {
	if d == 0 {
		return "right on the deadline"
	}
	now := time.Unix(0, 0)
	if d > 0 {
		return humanize.RelTime(now, now.Add(d), "early", "late")
	}
	return humanize.RelTime(now.Add(-d), now, "early", "late")
}

// Timestamp renders t in local time for tables.
func Timestamp(t time.Time) string {
	return t.Local().Format("Mon Jan 2 15:04")
}

// Progress renders an earn-out counter such as "1/2 done".
func Progress(done, required int) string {
	return fmt.Sprintf("%d/%d done", done, required)
}

// ShortID trims a UUID for display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
