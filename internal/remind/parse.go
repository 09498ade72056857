package remind

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var (
	ErrParseTime       = errors.New("couldn't parse time")
	ErrMissingReminder = errors.New("missing reminder")
)

var unitWords = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

var (
	// 10m, 1h30m, in 2d
	compactRe = regexp.MustCompile(`(?i)(?:^|\s)(?:in\s+)?((?:\d+[wdhms])+)(?:\s|$)`)
	partRe    = regexp.MustCompile(`(?i)(\d+)([wdhms])`)
	// "5 minutes" at the very start; "in 5 minutes" is left to the en rules.
	bareRe = regexp.MustCompile(`(?i)^\s*(\d+)\s+(weeks?|w|days?|d|hours?|hrs?|h|minutes?|mins?|m|seconds?|secs?|s)(?:\s|$)`)
	isoRe  = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})(?:\s+(\d{1,2}:\d{2}))?(?:\s|$)`)
	// words allowed ahead of a recognised expression
	leadRe = regexp.MustCompile(`(?i)^\s*(?:(?:at|on)\s*)?$`)
	// a wall-clock time with no day attached
	clockOnlyRe = regexp.MustCompile(`(?i)^\s*(?:at\s+)?\d{1,2}(?::\d{2})?\s*(?:[ap]\.?m\.?)?\s*$`)
)

var errOverflow = errors.New("duration out of range")

var parser = newParser()

func newParser() *when.Parser {
	w := when.New(nil)
	w.Add(compactDuration(), bareDuration())
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseTime reads a time expression from the start of input and returns the
// instant and the remaining text. Besides the English phrases understood by
// olebedev/when ("in 2 hours", "tomorrow at 8am", "next friday", "at 15:04")
// it accepts:
//
//	10m tea      1h30m tea      5 minutes tea
//	2006-01-02 tea              2006-01-02 15:04 tea
//	2006-01-02T15:04:05Z07:00 tea
//
// Clock times and dates are read in loc; a bare clock time already past today
// means tomorrow and a date without a clock time means 09:00. The instant must
// be after now.
func ParseTime(now time.Time, loc *time.Location, input string) (time.Time, string, error) {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	input = strings.TrimSpace(input)
	if input == "" {
		return time.Time{}, "", ErrParseTime
	}

	if first, rest, _ := strings.Cut(input, " "); strings.Contains(first, "T") {
		if t, err := time.Parse(time.RFC3339, first); err == nil {
			return future(now, t.In(loc), strings.TrimSpace(rest))
		}
	}
	if m := isoRe.FindStringSubmatch(input); m != nil {
		return isoDate(now, loc, m, strings.TrimSpace(input[len(m[0]):]))
	}

	r, err := parser.Parse(input, now)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrParseTime, err)
	}
	if r == nil || !leadRe.MatchString(input[:r.Index]) {
		return time.Time{}, "", ErrParseTime
	}
	at := r.Time
	if clockOnlyRe.MatchString(r.Text) && !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return future(now, at, strings.TrimSpace(input[r.Index+len(r.Text):]))
}

func future(now, at time.Time, rest string) (time.Time, string, error) {
	if !at.After(now) {
		return time.Time{}, "", ErrParseTime
	}
	return at, rest, nil
}

// scaled returns n*unit, failing instead of wrapping around.
func scaled(n int64, unit time.Duration) (time.Duration, error) {
	if n < 0 || n > math.MaxInt64/int64(unit) {
		return 0, errOverflow
	}
	return time.Duration(n) * unit, nil
}

func compactDuration() rules.Rule {
	return &rules.F{
		RegExp: compactRe,
		Applier: func(m *rules.Match, c *rules.Context, _ *rules.Options, _ time.Time) (bool, error) {
			var total time.Duration
			if len(m.Captures) < 1 {
				return false, nil
			}
			for _, p := range partRe.FindAllStringSubmatch(m.Captures[0], -1) {
				n, err := strconv.ParseInt(p[1], 10, 64)
				if err != nil {
					return false, errOverflow
				}
				d, err := scaled(n, unitWords[strings.ToLower(p[2])])
				if err != nil || total > math.MaxInt64-d {
					return false, errOverflow
				}
				total += d
			}
			if total <= 0 {
				return false, nil
			}
			c.Duration = total
			return true, nil
		},
	}
}

func bareDuration() rules.Rule {
	return &rules.F{
		RegExp: bareRe,
		Applier: func(m *rules.Match, c *rules.Context, _ *rules.Options, _ time.Time) (bool, error) {
			if len(m.Captures) < 2 {
				return false, nil
			}
			n, err := strconv.ParseInt(m.Captures[0], 10, 64)
			if err != nil {
				return false, errOverflow
			}
			unit := strings.ToLower(m.Captures[1])
			if u, ok := unitWords[unit]; ok {
				return applyDuration(c, n, u)
			}
			return applyDuration(c, n, unitWords[strings.TrimSuffix(unit, "s")])
		},
	}
}

func applyDuration(c *rules.Context, n int64, unit time.Duration) (bool, error) {
	d, err := scaled(n, unit)
	if err != nil {
		return false, err
	}
	if d <= 0 {
		return false, nil
	}
	c.Duration = d
	return true, nil
}

// isoDate reads 2006-01-02 with an optional 15:04; a missing clock time means 09:00.
func isoDate(now time.Time, loc *time.Location, m []string, rest string) (time.Time, string, error) {
	clock := m[2]
	if clock == "" {
		clock = "09:00"
	}
	if len(clock) == 4 {
		clock = "0" + clock
	}
	at, err := time.ParseInLocation("2006-01-02 15:04", m[1]+" "+clock, loc)
	if err != nil {
		return time.Time{}, "", ErrParseTime
	}
	return future(now, at, rest)
}
