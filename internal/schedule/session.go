// Package schedule owns wall-clock policy: the trading session window, the
// pre-market pivot recompute ticks and the end-of-day cleanup, all in the
// exchange's time zone.
package schedule

import (
	"fmt"
	"time"

	"pivotbot/internal/config"
)

// ClockTime is a time of day in the session's location.
type ClockTime struct {
	Hour   int
	Minute int
}

func ParseClockTime(value string) (ClockTime, error) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return ClockTime{}, fmt.Errorf("parse clock time %q: %w", value, err)
	}
	return ClockTime{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

// Session describes one trading day's timing. Weekends are always outside
// the session.
type Session struct {
	Location       *time.Location
	Start          ClockTime
	OrderCutoff    ClockTime
	CleanupAt      ClockTime
	End            ClockTime
	RecomputeStart ClockTime
	RecomputeEnd   ClockTime
	RecomputeEvery time.Duration
	CleanupWait    time.Duration
}

func NewSession(cfg config.SessionConfig) (*Session, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load session timezone: %w", err)
	}
	s := &Session{
		Location:       loc,
		RecomputeEvery: cfg.RecomputeEvery,
		CleanupWait:    cfg.CleanupWait,
	}
	for _, field := range []struct {
		dst   *ClockTime
		value string
	}{
		{&s.Start, cfg.Start},
		{&s.OrderCutoff, cfg.OrderCutoff},
		{&s.CleanupAt, cfg.CleanupAt},
		{&s.End, cfg.End},
		{&s.RecomputeStart, cfg.RecomputeStart},
		{&s.RecomputeEnd, cfg.RecomputeEnd},
	} {
		ct, err := ParseClockTime(field.value)
		if err != nil {
			return nil, err
		}
		*field.dst = ct
	}
	return s, nil
}

func (s *Session) at(day time.Time, ct ClockTime) time.Time {
	local := day.In(s.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), ct.Hour, ct.Minute, 0, 0, s.Location)
}

func isWeekday(t time.Time) bool {
	return t.Weekday() != time.Saturday && t.Weekday() != time.Sunday
}

// InSession reports whether t falls inside [start, end) on a weekday.
func (s *Session) InSession(t time.Time) bool {
	local := t.In(s.Location)
	if !isWeekday(local) {
		return false
	}
	return !local.Before(s.at(local, s.Start)) && local.Before(s.at(local, s.End))
}

// AfterCutoff reports whether t is at or past the order cutoff, after which
// no new entries are placed and unfilled entries are canceled.
func (s *Session) AfterCutoff(t time.Time) bool {
	local := t.In(s.Location)
	return !local.Before(s.at(local, s.OrderCutoff))
}

// SessionEnd is the end of the trading day containing t.
func (s *Session) SessionEnd(t time.Time) time.Time {
	return s.at(t.In(s.Location), s.End)
}

// NextStart is the first session start strictly after t, skipping weekends.
func (s *Session) NextStart(t time.Time) time.Time {
	return s.nextWeekdayAt(t, s.Start)
}

// NextCleanup is the first end-of-day cleanup instant strictly after t.
func (s *Session) NextCleanup(t time.Time) time.Time {
	return s.nextWeekdayAt(t, s.CleanupAt)
}

// NextRecompute is the first pre-market recompute tick strictly after t. The
// ticks run from RecomputeStart through RecomputeEnd every RecomputeEvery on
// weekdays.
func (s *Session) NextRecompute(t time.Time) time.Time {
	local := t.In(s.Location)
	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		if !isWeekday(day) {
			continue
		}
		last := s.at(day, s.RecomputeEnd)
		for tick := s.at(day, s.RecomputeStart); !tick.After(last); tick = tick.Add(s.RecomputeEvery) {
			if tick.After(local) {
				return tick
			}
		}
	}
	return local // unreachable: some weekday within a week always has a tick
}

func (s *Session) nextWeekdayAt(t time.Time, ct ClockTime) time.Time {
	local := t.In(s.Location)
	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		if !isWeekday(day) {
			continue
		}
		at := s.at(day, ct)
		if at.After(local) {
			return at
		}
	}
	return local
}
