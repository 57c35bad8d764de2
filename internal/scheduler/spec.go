package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSpec marks an unparseable schedule spec.
var ErrInvalidSpec = errors.New("invalid schedule spec")

// ParseSpec parses a broadcast schedule spec. Accepted forms:
//
//	"6h" / "30m"            — fixed interval (Go duration, >= 1 minute)
//	"09:30"                 — daily at HH:MM in loc
//	"cron:*/30 9-18 * * *"  — explicit cron expression
//	"@hourly"               — cron descriptor
//
// The returned schedule computes drift-free next-fire times via Next().
func ParseSpec(spec string, loc *time.Location) (cron.Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSpec)
	}

	if expr, ok := strings.CutPrefix(s, "cron:"); ok {
		return parseCron(strings.TrimSpace(expr), loc)
	}
	if strings.HasPrefix(s, "@") {
		return parseCron(s, loc)
	}

	// HH:MM — daily fire time.
	if hhmm, ok := parseClock(s); ok {
		return parseCron(fmt.Sprintf("%d %d * * *", hhmm.min, hhmm.hour), loc)
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d < time.Minute {
			return nil, fmt.Errorf("%w: interval %q below 1m", ErrInvalidSpec, s)
		}
		return cron.Every(d), nil
	}

	// Bare cron expression as a last resort ("*/30 * * * *").
	if sched, err := parseCron(s, loc); err == nil {
		return sched, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidSpec, spec)
}

func parseCron(expr string, loc *time.Location) (cron.Schedule, error) {
	if !strings.HasPrefix(expr, "@") && !strings.Contains(expr, "CRON_TZ=") {
		expr = "CRON_TZ=" + loc.String() + " " + expr
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return sched, nil
}

type clock struct{ hour, min int }

func parseClock(s string) (clock, bool) {
	var h, m int
	if n, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || n != 2 {
		return clock{}, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return clock{}, false
	}
	// Reject trailing garbage like "09:30:00".
	if fmt.Sprintf("%02d:%02d", h, m) != s && fmt.Sprintf("%d:%02d", h, m) != s {
		return clock{}, false
	}
	return clock{hour: h, min: m}, true
}
