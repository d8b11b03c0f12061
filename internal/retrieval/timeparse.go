package retrieval

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var relativeSpanRe = regexp.MustCompile(`(?:last|past)\s+(\d+)\s+(minute|hour|day|week|month)s?`)

// ParseTemporalHint scans query text for a relative time reference and
// returns the lower bound it implies. The second return value is false when
// the text carries no recognizable hint.
func ParseTemporalHint(text string, now time.Time) (time.Time, bool) {
	lowered := strings.ToLower(text)

	if m := relativeSpanRe.FindStringSubmatch(lowered); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			var unit time.Duration
			switch m[2] {
			case "minute":
				unit = time.Minute
			case "hour":
				unit = time.Hour
			case "day":
				unit = 24 * time.Hour
			case "week":
				unit = 7 * 24 * time.Hour
			case "month":
				unit = 30 * 24 * time.Hour
			}
			return now.Add(-time.Duration(n) * unit), true
		}
	}

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch {
	case strings.Contains(lowered, "today"):
		return startOfDay, true
	case strings.Contains(lowered, "yesterday"):
		return startOfDay.AddDate(0, 0, -1), true
	case strings.Contains(lowered, "last week"), strings.Contains(lowered, "past week"):
		return now.AddDate(0, 0, -7), true
	case strings.Contains(lowered, "last month"), strings.Contains(lowered, "past month"):
		return now.AddDate(0, -1, 0), true
	}

	return time.Time{}, false
}
