package refresh

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// IntervalKind describes how the next execution of an entry is computed.
type IntervalKind int

const (
	IntervalEvery IntervalKind = iota
	IntervalCron
)

// fallbackDelay is used when a cron rule has no future activation.
const fallbackDelay = time.Hour

// cronParser accepts 5-field specs, 6-field specs with seconds (Quartz style,
// "?" allowed in day fields) and descriptors like "@hourly".
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Interval is a parsed refresh_interval rule.
//
// Supported forms:
//   - Go duration: "55m", "2h30m"
//   - HH:MM duration: "00:50" (50 minutes), "02:30"
//   - Cron: "0 0/30 * * * ?", "*/5 * * * *", "@hourly"
//
// Optional prefixes "cron:" and "every:" force the kind.
type Interval struct {
	Kind  IntervalKind
	Every time.Duration
	Cron  string

	sched cron.Schedule
}

// ParseInterval parses a refresh_interval rule.
func ParseInterval(raw string) (Interval, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Interval{}, fmt.Errorf("interval required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		d, err := parseEvery(strings.TrimSpace(s[len("every:"):]))
		if err != nil {
			return Interval{}, err
		}
		return Interval{Kind: IntervalEvery, Every: d}, nil
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	d, err := parseEvery(s)
	if err != nil {
		return Interval{}, fmt.Errorf(
			"invalid interval %q (use cron like '0 0/30 * * * ?', HH:MM like '02:30', or duration like '55m')",
			raw,
		)
	}
	return Interval{Kind: IntervalEvery, Every: d}, nil
}

// MustParseInterval is ParseInterval for constants and tests.
func MustParseInterval(raw string) Interval {
	iv, err := ParseInterval(raw)
	if err != nil {
		panic(err)
	}
	return iv
}

func parseCron(expr string) (Interval, error) {
	if expr == "" {
		return Interval{}, fmt.Errorf("cron rule required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Interval{}, fmt.Errorf("invalid cron rule %q: %w", expr, err)
	}
	return Interval{Kind: IntervalCron, Cron: expr, sched: sched}, nil
}

func parseEvery(v string) (time.Duration, error) {
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		hh, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("invalid hours in %q: %w", v, err)
		}
		mm, err := strconv.Atoi(m[2])
		if err != nil || mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// IsZero reports whether the interval was never parsed.
func (iv Interval) IsZero() bool {
	return iv.Every == 0 && iv.sched == nil
}

// Next returns the next execution strictly after from.
func (iv Interval) Next(from time.Time) time.Time {
	switch iv.Kind {
	case IntervalCron:
		if iv.sched != nil {
			if t := iv.sched.Next(from); !t.IsZero() {
				return t
			}
		}
	case IntervalEvery:
		if iv.Every > 0 {
			return from.Add(iv.Every)
		}
	}
	return from.Add(fallbackDelay)
}

// String returns the rule in a form ParseInterval accepts.
func (iv Interval) String() string {
	switch iv.Kind {
	case IntervalCron:
		return "cron:" + iv.Cron
	default:
		return iv.Every.String()
	}
}
