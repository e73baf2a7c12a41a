package routing

import (
	"fmt"
	"time"
)

// window is a daily time range in minutes since midnight. A start after
// the end wraps past midnight. Equal bounds cover the whole day.
type window struct {
	start int
	end   int
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func parseWindow(start, end string) (window, error) {
	s, err := parseClock(start)
	if err != nil {
		return window{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return window{}, err
	}
	return window{start: s, end: e}, nil
}

func (w window) contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	switch {
	case w.start == w.end:
		return true
	case w.start < w.end:
		return m >= w.start && m < w.end
	default:
		return m >= w.start || m < w.end
	}
}
