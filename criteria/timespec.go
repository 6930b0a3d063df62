package criteria

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type timeKind uint8

const (
	timeUnset timeKind = iota
	timeAbs
	timeNow
	timeLast
)

// TimeSpec is a since/until bound. Relative expressions ("now - 2 hours")
// are resolved when a search starts, not when the criteria is parsed.
type TimeSpec struct {
	kind timeKind
	abs  time.Time
	back time.Duration
}

var timeLayouts = []string{
	"2006/002 15:04:05",
	"2006/002 15:04",
	"2006/002",
	"06/002 15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

var units = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "second": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hour": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour,
}

func At(t time.Time) TimeSpec {
	return TimeSpec{kind: timeAbs, abs: t.UTC()}
}

func Ago(d time.Duration) TimeSpec {
	return TimeSpec{kind: timeNow, back: d}
}

func Last() TimeSpec {
	return TimeSpec{kind: timeLast}
}

func ParseTime(s string) (TimeSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TimeSpec{}, fmt.Errorf("empty time")
	}
	lower := strings.ToLower(s)
	switch {
	case lower == "last":
		return Last(), nil
	case strings.HasPrefix(lower, "now"):
		rest := strings.TrimSpace(lower[3:])
		if rest == "" {
			return Ago(0), nil
		}
		if rest[0] != '-' {
			return TimeSpec{}, fmt.Errorf("bad relative time %q", s)
		}
		fields := strings.Fields(strings.TrimSpace(rest[1:]))
		if len(fields) == 1 {
			d, err := time.ParseDuration(fields[0])
			if err != nil {
				return TimeSpec{}, fmt.Errorf("bad relative time %q", s)
			}
			return Ago(d), nil
		}
		if len(fields) != 2 {
			return TimeSpec{}, fmt.Errorf("bad relative time %q", s)
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil || n < 0 {
			return TimeSpec{}, fmt.Errorf("bad relative time %q", s)
		}
		unit, ok := units[strings.TrimSuffix(fields[1], "s")]
		if !ok {
			unit, ok = units[fields[1]]
		}
		if !ok {
			return TimeSpec{}, fmt.Errorf("bad time unit %q", fields[1])
		}
		return Ago(time.Duration(n) * unit), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return At(t), nil
		}
	}
	return TimeSpec{}, fmt.Errorf("bad time %q", s)
}

func (t TimeSpec) IsSet() bool  { return t.kind != timeUnset }
func (t TimeSpec) IsLast() bool { return t.kind == timeLast }

// Resolve turns the bound into an absolute time. Unset and "last" bounds
// resolve to the zero time.
func (t TimeSpec) Resolve(now time.Time) time.Time {
	switch t.kind {
	case timeAbs:
		return t.abs
	case timeNow:
		return now.Add(-t.back).UTC()
	}
	return time.Time{}
}

func (t TimeSpec) String() string {
	switch t.kind {
	case timeAbs:
		if t.abs.Nanosecond() != 0 {
			return t.abs.Format(time.RFC3339Nano)
		}
		return t.abs.Format("2006/002 15:04:05")
	case timeNow:
		if t.back == 0 {
			return "now"
		}
		return "now - " + t.back.String()
	case timeLast:
		return "last"
	}
	return ""
}
