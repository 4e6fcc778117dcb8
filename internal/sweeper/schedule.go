package sweeper

import (
	"fmt"
	"strings"
	"time"
)

// ParseSchedule parses a sweep schedule expression. Accepted forms:
//
//	@hourly
//	@daily
//	@every <duration>
//	<duration>
//
// where <duration> is a Go duration string like "30m" or "1h30m".
func ParseSchedule(expr string) (time.Duration, error) {
	s := strings.TrimSpace(expr)
	switch s {
	case "":
		return 0, fmt.Errorf("empty schedule")
	case "@hourly":
		return time.Hour, nil
	case "@daily":
		return 24 * time.Hour, nil
	}
	if rest, ok := strings.CutPrefix(s, "@every "); ok {
		s = strings.TrimSpace(rest)
	} else if strings.HasPrefix(s, "@") {
		return 0, fmt.Errorf("unknown schedule %q", expr)
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	if d < time.Minute {
		return 0, fmt.Errorf("schedule %q below 1m minimum", expr)
	}
	return d, nil
}
