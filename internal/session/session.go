// Package session gates evaluation cycles to configured trading windows.
package session

import (
	"fmt"
	"strings"
	"time"
)

// window is a half-open daily interval in minutes since midnight.
// end < start means the window wraps past midnight.
type window struct {
	start, end int
}

// Filter decides whether a given instant falls inside any configured
// trading window. An empty window list means always active.
type Filter struct {
	loc          *time.Location
	windows      []window
	weekdaysOnly bool
}

// New parses window specs of the form "HH:MM-HH:MM", interpreted in the
// named timezone. A window whose end precedes its start wraps past
// midnight (e.g. "22:00-06:00").
func New(tz string, specs []string, weekdaysOnly bool) (*Filter, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("session: load timezone %q: %w", tz, err)
	}
	f := &Filter{loc: loc, weekdaysOnly: weekdaysOnly}
	for _, spec := range specs {
		parts := strings.SplitN(spec, "-", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("session: malformed window %q, want HH:MM-HH:MM", spec)
		}
		start, err := parseClock(parts[0])
		if err != nil {
			return nil, fmt.Errorf("session: window %q: %w", spec, err)
		}
		end, err := parseClock(parts[1])
		if err != nil {
			return nil, fmt.Errorf("session: window %q: %w", spec, err)
		}
		f.windows = append(f.windows, window{start: start, end: end})
	}
	return f, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Active reports whether t falls inside a trading window.
func (f *Filter) Active(t time.Time) bool {
	local := t.In(f.loc)
	if f.weekdaysOnly {
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}
	if len(f.windows) == 0 {
		return true
	}
	hm := local.Hour()*60 + local.Minute()
	for _, w := range f.windows {
		if w.start <= w.end {
			if hm >= w.start && hm < w.end {
				return true
			}
		} else if hm >= w.start || hm < w.end {
			return true
		}
	}
	return false
}
