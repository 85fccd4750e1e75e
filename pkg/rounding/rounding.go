// Package rounding defines the ordered ladder of time roundings used by the
// adaptive histogram aggregator.
//
// A ladder is an immutable sequence of levels, ordered from finest to
// coarsest. Each level pairs a rounding (a monotonic function from a UTC
// millisecond timestamp to the start of its bucket) with a multiplier that
// bounds how far the bucket count may overshoot the target before the
// aggregator escalates to the next level.
package rounding

import (
	"errors"
	"fmt"
	"time"
)

// Unit identifies a calendar rounding unit.
type Unit uint8

// Units ordered from finest to coarsest.
const (
	Second Unit = iota
	Minute
	Hour
	Day
	Month
	Year
	NumUnits // Sentinel value for array sizing
)

// unitNames maps units to their display names.
var unitNames = [NumUnits]string{"second", "minute", "hour", "day", "month", "year"}

// String returns the unit name (e.g., "minute").
func (u Unit) String() string {
	if u < NumUnits {
		return unitNames[u]
	}
	return "unknown"
}

// UnitByName resolves a unit display name, as written in result manifests.
func UnitByName(name string) (Unit, bool) {
	for u := Unit(0); u < NumUnits; u++ {
		if unitNames[u] == name {
			return u, true
		}
	}
	return 0, false
}

// Millis returns the fixed width of the unit in milliseconds, or 0 for
// calendar units (Month, Year) whose width varies.
func (u Unit) Millis() int64 {
	switch u {
	case Second:
		return 1000
	case Minute:
		return 60 * 1000
	case Hour:
		return 60 * 60 * 1000
	case Day:
		return 24 * 60 * 60 * 1000
	default:
		return 0
	}
}

// Rounding maps a UTC millisecond timestamp to the start of its bucket.
//
// Round must be monotonic non-decreasing: for sorted inputs it must produce
// sorted outputs. The aggregator treats a violation as an invariant failure.
type Rounding interface {
	// Round returns the bucket key for the given UTC millisecond timestamp.
	Round(utcMillis int64) int64
	// Unit reports the rounding unit, used to order ladder levels.
	Unit() Unit
}

// Prepared is a rounding specialized for a particular execution, produced by
// a Preparer. It carries only the hot-loop operation.
type Prepared interface {
	Round(utcMillis int64) int64
}

// Preparer converts a Rounding into the Prepared form used in the hot loop.
// Callers may supply a range-specialized implementation; the aggregator
// treats it as a black box.
type Preparer func(Rounding) Prepared

// PrepareUnoptimized is the default Preparer: it uses the rounding as-is.
func PrepareUnoptimized(r Rounding) Prepared {
	return r
}

// UnitRounding rounds timestamps down to the start of a calendar unit in UTC.
type UnitRounding struct {
	unit Unit
}

// ByUnit returns the UTC rounding for the given unit.
func ByUnit(u Unit) UnitRounding {
	return UnitRounding{unit: u}
}

// Unit reports the rounding unit.
func (r UnitRounding) Unit() Unit {
	return r.unit
}

// Round returns the start of the unit interval containing utcMillis.
// Fixed-width units use floor division; Month and Year use calendar
// arithmetic in UTC.
func (r UnitRounding) Round(utcMillis int64) int64 {
	if w := r.unit.Millis(); w != 0 {
		return floorTo(utcMillis, w)
	}

	t := time.UnixMilli(utcMillis).UTC()
	switch r.unit {
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	case Year:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	default:
		return utcMillis
	}
}

// floorTo rounds ms down to a multiple of width, correctly for negative
// timestamps (pre-epoch dates).
func floorTo(ms, width int64) int64 {
	q := ms / width
	if ms%width != 0 && ms < 0 {
		q--
	}
	return q * width
}

// Level is one rung of the ladder: a rounding plus the overshoot multiplier
// checked by the escalation condition.
type Level struct {
	// Index is the position of the level within its ladder.
	Index int

	// Rounding maps timestamps to bucket keys at this level.
	Rounding Rounding

	// MaxInnerMultiplier bounds the bucket count at this level: escalation
	// triggers once the table grows past targetBuckets*MaxInnerMultiplier.
	MaxInnerMultiplier int
}

// Spec describes one level when constructing a ladder.
type Spec struct {
	Rounding           Rounding
	MaxInnerMultiplier int
}

// Ladder is an immutable ordered sequence of levels, finest first.
type Ladder struct {
	levels []Level
}

// Ladder construction errors.
var (
	ErrEmptyLadder    = errors.New("ladder must have at least one level")
	ErrBadMultiplier  = errors.New("level multiplier must be positive")
	ErrUnorderedUnits = errors.New("ladder levels must strictly increase in coarseness")
)

// NewLadder builds a ladder from specs ordered finest to coarsest.
// Supplying levels out of coarseness order is a configuration error.
func NewLadder(specs []Spec) (*Ladder, error) {
	if len(specs) == 0 {
		return nil, ErrEmptyLadder
	}

	levels := make([]Level, len(specs))
	for i, s := range specs {
		if s.MaxInnerMultiplier <= 0 {
			return nil, fmt.Errorf("level %d (%s): %w", i, s.Rounding.Unit(), ErrBadMultiplier)
		}
		if i > 0 && s.Rounding.Unit() <= specs[i-1].Rounding.Unit() {
			return nil, fmt.Errorf("level %d (%s after %s): %w",
				i, s.Rounding.Unit(), specs[i-1].Rounding.Unit(), ErrUnorderedUnits)
		}
		levels[i] = Level{Index: i, Rounding: s.Rounding, MaxInnerMultiplier: s.MaxInnerMultiplier}
	}

	return &Ladder{levels: levels}, nil
}

// Default returns the standard ladder: second, minute, hour, day, month,
// year. Multipliers reflect how many inner intervals fit in the next unit.
func Default() *Ladder {
	l, err := NewLadder([]Spec{
		{ByUnit(Second), 60},
		{ByUnit(Minute), 60},
		{ByUnit(Hour), 24},
		{ByUnit(Day), 31},
		{ByUnit(Month), 12},
		{ByUnit(Year), 10},
	})
	if err != nil {
		panic("rounding: default ladder invalid: " + err.Error())
	}
	return l
}

// At returns the level at the given index. Index must be in [0, Len()).
func (l *Ladder) At(index int) Level {
	return l.levels[index]
}

// Next returns the level after index, or false if index is the coarsest.
func (l *Ladder) Next(index int) (Level, bool) {
	if index >= len(l.levels)-1 {
		return Level{}, false
	}
	return l.levels[index+1], true
}

// LastIndex returns the index of the coarsest level.
func (l *Ladder) LastIndex() int {
	return len(l.levels) - 1
}

// Len returns the number of levels.
func (l *Ladder) Len() int {
	return len(l.levels)
}

// Units returns the unit of every level, finest first. Used by the
// reduction step to check that partitions share a ladder.
func (l *Ladder) Units() []Unit {
	units := make([]Unit, len(l.levels))
	for i, lv := range l.levels {
		units[i] = lv.Rounding.Unit()
	}
	return units
}

// KeyFormatter renders a bucket key for display.
type KeyFormatter func(key int64) string

// FormatKeyRFC3339 is the default key formatter: RFC3339 in UTC.
func FormatKeyRFC3339(key int64) string {
	return time.UnixMilli(key).UTC().Format(time.RFC3339)
}
